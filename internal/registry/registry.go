// Package registry maps node identity to a live agent connection handle. It
// tracks which nodes are online and lets the rest of the control plane send
// directed messages without knowing anything about the transport underneath.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one node-agent wire protocol message: a JSON object with a type,
// a payload, and an optional correlation ID for request/response pairing.
type Frame struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// ErrNodeOffline is returned by Send when the registry holds no live
// connection for the node (never registered, released, or heartbeat-timed
// out). The caller must treat this as a transient failure, not a permanent
// one.
var ErrNodeOffline = fmt.Errorf("node offline")

type handle struct {
	connectionID  string
	conn          *websocket.Conn
	mu            sync.Mutex // guards concurrent WriteJSON calls on one conn
	lastHeartbeat time.Time
}

// Registry maintains nodeId -> {connectionId, lastHeartbeat} and is the only
// place in the control plane that touches a live websocket connection. It is
// purely in-memory and reconstructable from agent reconnections: losing the
// process loses no state that the agents themselves don't already know.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*handle

	heartbeatTimeout time.Duration
	onOffline        func(nodeID string)
	logger           *slog.Logger

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New creates a Registry. heartbeatInterval is the agent's declared
// heartbeat cadence (default 15s upstream); the registry times a node out
// after 3x that interval unless a fresher heartbeat arrives. onOffline is
// invoked (outside any registry lock) when a node is released due to
// timeout or explicit disconnect, so the caller can flip the node's store
// status to offline.
func New(heartbeatInterval time.Duration, onOffline func(nodeID string), logger *slog.Logger) *Registry {
	return &Registry{
		handles:          make(map[string]*handle),
		heartbeatTimeout: 3 * heartbeatInterval,
		onOffline:        onOffline,
		logger:           logger,
		stopSweep:        make(chan struct{}),
	}
}

// Register binds a node identity to a live connection. Idempotent: a second
// call for the same nodeId replaces any prior handle (the old connection, if
// different, is left to the caller to close).
func (r *Registry) Register(nodeID, connectionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[nodeID] = &handle{connectionID: connectionID, conn: conn, lastHeartbeat: time.Now()}
}

// Heartbeat refreshes a node's liveness timestamp. A heartbeat for a node
// that isn't registered is ignored — the agent will re-register on its next
// reconnect attempt.
func (r *Registry) Heartbeat(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[nodeID]; ok {
		h.lastHeartbeat = time.Now()
	}
}

// Release removes a node's connection handle, called on disconnect or
// heartbeat timeout.
func (r *Registry) Release(nodeID string) {
	r.mu.Lock()
	h, ok := r.handles[nodeID]
	if ok {
		delete(r.handles, nodeID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if h.conn != nil {
		_ = h.conn.Close()
	}
	if r.onOffline != nil {
		r.onOffline(nodeID)
	}
}

// Send writes a frame to the node's live connection. Returns ErrNodeOffline
// if the registry holds no handle for the node; the caller (the Pod
// Dispatcher) must treat this as transient and retry on the next tick
// rather than failing permanently.
func (r *Registry) Send(nodeID string, frame Frame) error {
	r.mu.RLock()
	h, ok := r.handles[nodeID]
	r.mu.RUnlock()
	if !ok {
		return ErrNodeOffline
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write frame to node %s: %w", nodeID, err)
	}
	return nil
}

// SnapshotOnline returns the set of node IDs currently holding a live
// connection handle.
func (r *Registry) SnapshotOnline() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handles))
	for nodeID := range r.handles {
		out = append(out, nodeID)
	}
	return out
}

// IsOnline reports whether a node currently holds a live connection.
func (r *Registry) IsOnline(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[nodeID]
	return ok
}

// StartHeartbeatSweep runs a background loop that releases any node whose
// last heartbeat is older than the configured timeout. It blocks until
// StopHeartbeatSweep is called or the process exits; callers typically run
// it in its own goroutine.
func (r *Registry) StartHeartbeatSweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.sweepExpired()
		}
	}
}

// StopHeartbeatSweep stops the background sweep loop. Safe to call multiple
// times.
func (r *Registry) StopHeartbeatSweep() {
	r.sweepOnce.Do(func() { close(r.stopSweep) })
}

func (r *Registry) sweepExpired() {
	now := time.Now()
	r.mu.RLock()
	var expired []string
	for nodeID, h := range r.handles {
		if now.Sub(h.lastHeartbeat) > r.heartbeatTimeout {
			expired = append(expired, nodeID)
		}
	}
	r.mu.RUnlock()

	for _, nodeID := range expired {
		r.logger.Warn("node heartbeat timed out, releasing connection", "nodeId", nodeID, "timeout", r.heartbeatTimeout)
		r.Release(nodeID)
	}
}
