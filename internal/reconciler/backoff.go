package reconciler

import (
	"sync"
	"time"
)

// backoffTracker counts consecutive dispatch failures per service (the
// reconciler feeds it Step C's pod:stop send failures only) and
// gates how soon that service's next pass may run once it crosses the
// degraded threshold. It is the generalization of the teacher's
// UpgradeTracker map-of-timestamps idiom to the "too many dispatch
// failures in a row" condition instead of "upgrade in flight".
type backoffTracker struct {
	mu    sync.Mutex
	state map[string]*serviceBackoff
}

type serviceBackoff struct {
	consecutiveFailures int
	degraded            bool
	nextAttempt         time.Time
	currentBackoff      time.Duration
}

func newBackoffTracker() *backoffTracker {
	return &backoffTracker{state: make(map[string]*serviceBackoff)}
}

// ready reports whether a service is clear to run its next reconcile pass
// — i.e. it either isn't backing off, or its backoff window has elapsed.
func (t *backoffTracker) ready(serviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[serviceID]
	if !ok {
		return true
	}
	return !time.Now().Before(s.nextAttempt)
}

// recordFailure increments the consecutive-failure count and, once the
// threshold is crossed, marks the service degraded and applies exponential
// backoff (starting at 1s, doubling, capped at maxBackoff) to the next
// attempt.
func (t *backoffTracker) recordFailure(serviceID string, failuresThisPass, threshold int, maxBackoff time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[serviceID]
	if !ok {
		s = &serviceBackoff{}
		t.state[serviceID] = s
	}
	if failuresThisPass <= 0 {
		failuresThisPass = 1
	}
	s.consecutiveFailures += failuresThisPass

	if s.consecutiveFailures < threshold {
		return
	}
	s.degraded = true
	if s.currentBackoff == 0 {
		s.currentBackoff = time.Second
	} else {
		s.currentBackoff *= 2
	}
	if s.currentBackoff > maxBackoff {
		s.currentBackoff = maxBackoff
	}
	s.nextAttempt = time.Now().Add(s.currentBackoff)
}

// recordSuccess clears a service's failure count and degraded flag at
// once rather than decrementing it. The reconciler calls it after every
// pass whose Step C had no stop send failure, whether or not that pass
// dispatched anything; a pass with any such failure counts as a failure
// even if other sends in it succeeded.
func (t *backoffTracker) recordSuccess(serviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, serviceID)
}

// snapshot returns the current consecutiveFailures count and degraded flag
// for a service, for writing back into the service record.
func (t *backoffTracker) snapshot(serviceID string) (consecutiveFailures int, degraded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[serviceID]
	if !ok {
		return 0, false
	}
	return s.consecutiveFailures, s.degraded
}
