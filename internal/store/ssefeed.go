package store

import (
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
)

// SSEHandler is a server-sent-events stream of ChangeEvents across all
// four collections, for external observers that cannot hold a direct
// Watch() channel in-process. Nothing in this repository mounts it on a
// route, and the operator TUI polls the API instead. It is the HTTP-reachable counterpart to
// the in-process Watch API, grounded on the teacher's SSEWatcher
// framing (id:/event:/data: lines, Last-Event-ID semantics) but on the
// producing side instead of the consuming side.
type SSEHandler struct {
	store Store
	seq   atomic.Uint64
}

// NewSSEHandler wraps a Store as an SSE producer.
func NewSSEHandler(s Store) *SSEHandler {
	return &SSEHandler{store: s}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	subs := map[string]func(){}
	merged := make(chan ChangeEvent, 128)
	for _, collection := range []string{CollectionPacks, CollectionServices, CollectionPods, CollectionNodes} {
		ch, cancel := h.store.Watch(collection)
		subs[collection] = cancel
		go func(ch <-chan ChangeEvent) {
			for ev := range ch {
				select {
				case merged <- ev:
				default:
				}
			}
		}(ch)
	}
	defer func() {
		for _, cancel := range subs {
			cancel()
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-merged:
			id := h.seq.Add(1)
			fmt.Fprintf(w, "id: %s\n", strconv.FormatUint(id, 10))
			fmt.Fprintf(w, "event: %s.%s\n", ev.Collection, ev.Kind)
			fmt.Fprintf(w, "data: {\"id\":%q}\n\n", ev.ID)
			flusher.Flush()
		}
	}
}
