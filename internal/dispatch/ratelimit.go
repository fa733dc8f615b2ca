package dispatch

import (
	"sync"

	"golang.org/x/time/rate"
)

// rateLimiterSet gives each node its own token bucket, created lazily on
// first use, so a flapping node being retried every tick cannot starve the
// dispatcher's connection to every other node.
type rateLimiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newRateLimiterSet(limit rate.Limit, burst int) *rateLimiterSet {
	return &rateLimiterSet{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (s *rateLimiterSet) allow(nodeID string) bool {
	s.mu.Lock()
	l, ok := s.limiters[nodeID]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[nodeID] = l
	}
	s.mu.Unlock()
	return l.Allow()
}
