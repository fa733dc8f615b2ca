// Package podstate validates and applies pod status transitions reported by
// node agents, and reaps pods left behind when a node goes offline. It is
// the only place in the control plane allowed to decide whether a reported
// transition is legal.
package podstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetforge/controlplane/internal/store"
)

// ErrInvalidTransition means the reported edge is not in the transition
// table. It is not fatal: the caller should log it at warn level and drop
// the report. The agent will re-report the pod's true status on its next
// heartbeat cycle.
var ErrInvalidTransition = errors.New("invalid pod state transition")

// ErrStaleIncarnation means the report's incarnation does not match the
// pod's current incarnation — a report about a slot the reconciler has
// already replaced. Not fatal: like ErrInvalidTransition the caller logs
// it at warn level and drops the report; this is how replays of old node
// reports are sealed out.
var ErrStaleIncarnation = errors.New("stale pod incarnation")

// transitions is the closed set of legal edges. Anything not listed here —
// including every edge out of a terminal status — is rejected.
var transitions = map[store.PodStatus]map[store.PodStatus]bool{
	store.PodPending: {
		store.PodScheduled: true,
		store.PodFailed:    true,
	},
	store.PodScheduled: {
		store.PodStarting: true,
		store.PodFailed:   true,
		store.PodStopping: true,
	},
	store.PodStarting: {
		store.PodRunning:  true,
		store.PodFailed:   true,
		store.PodStopping: true,
	},
	store.PodRunning: {
		store.PodStopping: true,
		store.PodFailed:   true,
		store.PodEvicted:  true,
	},
	store.PodStopping: {
		store.PodStopped: true,
		store.PodFailed:  true,
	},
}

// Report is a pod:status frame as reported by a node agent.
type Report struct {
	PodID       string
	Incarnation uint64
	Status      store.PodStatus
	Message     string
}

// Machine applies reported transitions against the store.
type Machine struct {
	store store.Store
}

// New creates a Machine bound to a Store.
func New(s store.Store) *Machine {
	return &Machine{store: s}
}

// Apply validates and persists one reported transition. It is idempotent
// for repeated reports of the same (incarnation, status) pair: the second
// delivery finds the pod already at that status, sees no legal edge from a
// status to itself, and returns ErrInvalidTransition — which the caller
// treats as a no-op, not an error worth surfacing.
func (m *Machine) Apply(ctx context.Context, r Report) (store.Pod, error) {
	pod, err := m.store.GetPod(ctx, r.PodID)
	if err != nil {
		return store.Pod{}, fmt.Errorf("apply transition for pod %s: %w", r.PodID, err)
	}

	if pod.Incarnation != r.Incarnation {
		return store.Pod{}, fmt.Errorf("pod %s incarnation %d, report carries %d: %w",
			r.PodID, pod.Incarnation, r.Incarnation, ErrStaleIncarnation)
	}

	if !transitions[pod.Status][r.Status] {
		return store.Pod{}, fmt.Errorf("pod %s: %s -> %s: %w", r.PodID, pod.Status, r.Status, ErrInvalidTransition)
	}

	updated, err := m.store.UpdatePod(ctx, pod.ID, pod.Version, func(p *store.Pod) {
		p.Status = r.Status
		p.StatusMessage = r.Message
		if r.Status.Terminal() {
			now := time.Now()
			p.StoppedAt = &now
		}
	})
	if err != nil {
		return store.Pod{}, fmt.Errorf("persist transition for pod %s: %w", r.PodID, err)
	}
	return updated, nil
}

// ReapNode handles a node transitioning to offline: every non-terminal pod
// on that node whose status is scheduled/starting/running fails outright
// (the agent managing it is gone, so there is no graceful path); every pod
// already stopping is treated as having finished stopping, since the node
// going away accomplishes exactly what the stop was trying to do.
func (m *Machine) ReapNode(ctx context.Context, nodeID string) error {
	pods, err := m.store.ListPods(ctx, store.Filter{NodeID: nodeID})
	if err != nil {
		return fmt.Errorf("list pods for offline node %s: %w", nodeID, err)
	}

	for _, pod := range pods {
		var target store.PodStatus
		var message string
		switch pod.Status {
		case store.PodScheduled, store.PodStarting, store.PodRunning:
			target, message = store.PodFailed, "node offline"
		case store.PodStopping:
			target, message = store.PodStopped, "node offline"
		default:
			continue
		}

		if _, err := m.store.UpdatePod(ctx, pod.ID, pod.Version, func(p *store.Pod) {
			p.Status = target
			p.StatusMessage = message
			now := time.Now()
			p.StoppedAt = &now
		}); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Lost a race with another writer (e.g. the agent's own
				// final report arrived first); the pod already moved, skip it.
				continue
			}
			return fmt.Errorf("reap pod %s on offline node %s: %w", pod.ID, nodeID, err)
		}
	}
	return nil
}
