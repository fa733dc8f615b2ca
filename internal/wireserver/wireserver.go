// Package wireserver upgrades incoming node-agent connections to
// websockets and speaks the node-agent wire protocol over them:
// node:register, node:heartbeat, and pod:status inbound; pod:start,
// pod:stop, and auth:token-refreshed are sent by the Pod Dispatcher
// through the same Connection Registry this package registers into.
package wireserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fleetforge/controlplane/internal/podstate"
	"fleetforge/controlplane/internal/registry"
	"fleetforge/controlplane/internal/store"
)

// Waker is the subset of the reconciler this package depends on: a
// non-blocking nudge that something changed and a pass should run sooner
// than the next tick.
type Waker interface {
	TriggerReconcile()
}

// Server accepts node-agent connections at its ServeHTTP entrypoint,
// registers them with the Connection Registry, and feeds inbound frames
// to the store and the Pod State Machine.
type Server struct {
	store    store.Store
	registry *registry.Registry
	podstate *podstate.Machine
	waker    Waker
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a Server. The Registry passed in must already carry the
// onOffline callback that flips a node's store status and reaps its pods
// (internal/podstate.Machine.ReapNode) — this package only owns the
// connection's read loop, not what happens when a node disappears.
func New(s store.Store, reg *registry.Registry, ps *podstate.Machine, waker Waker, logger *slog.Logger) *Server {
	return &Server{
		store:    s,
		registry: reg,
		podstate: ps,
		waker:    waker,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Node agents are first-party processes dialing a plain URL,
			// not browsers; there is no cross-origin concern to police here.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// registerPayload is the node:register frame payload.
type registerPayload struct {
	Name        string             `json:"name"`
	RuntimeType store.Runtime      `json:"runtimeType"`
	Labels      map[string]string  `json:"labels,omitempty"`
	Taints      []store.Toleration `json:"taints,omitempty"`
	Allocatable store.ResourceList `json:"allocatable"`
}

// heartbeatPayload is the node:heartbeat frame payload.
type heartbeatPayload struct {
	Timestamp time.Time          `json:"timestamp"`
	Allocated store.ResourceList `json:"allocated"`
}

// statusPayload is the pod:status frame payload.
type statusPayload struct {
	PodID       string          `json:"podId"`
	Incarnation uint64          `json:"incarnation"`
	Status      store.PodStatus `json:"status"`
	Message     string          `json:"message"`
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// the agent disconnects or sends something it can't be a node-agent
// protocol frame. One registered node may use exactly one connection; a
// reconnect races the old one out via registry.Register's replace
// semantics.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}

	var nodeID string
	defer func() {
		if nodeID != "" {
			s.registry.Release(nodeID)
		}
		_ = conn.Close()
	}()

	for {
		var frame registry.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if nodeID != "" {
				s.logger.Info("agent connection closed", "nodeId", nodeID, "error", err)
			}
			return
		}

		switch frame.Type {
		case "node:register":
			id, err := s.handleRegister(r.Context(), conn, frame.Payload)
			if err != nil {
				s.logger.Error("node:register failed", "error", err)
				return
			}
			nodeID = id

		case "node:heartbeat":
			if nodeID == "" {
				s.logger.Warn("node:heartbeat before node:register, dropping")
				continue
			}
			if err := s.handleHeartbeat(r.Context(), nodeID, frame.Payload); err != nil {
				s.logger.Warn("node:heartbeat failed", "nodeId", nodeID, "error", err)
			}

		case "pod:status":
			if err := s.handlePodStatus(r.Context(), frame.Payload); err != nil {
				s.logger.Warn("pod:status dropped", "error", err)
			}

		default:
			s.logger.Warn("unrecognized frame type from agent", "type", frame.Type, "nodeId", nodeID)
		}
	}
}

func (s *Server) handleRegister(ctx context.Context, conn *websocket.Conn, raw json.RawMessage) (string, error) {
	var p registerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("unmarshal node:register: %w", err)
	}
	if p.Name == "" {
		return "", fmt.Errorf("node:register missing name")
	}

	existing, err := s.store.ListNodes(ctx, store.Filter{Name: p.Name})
	if err != nil {
		return "", fmt.Errorf("look up node %q: %w", p.Name, err)
	}

	connectionID := uuid.NewString()

	var node store.Node
	if len(existing) > 0 {
		node, err = s.store.UpdateNode(ctx, existing[0].ID, existing[0].Version, func(n *store.Node) {
			n.Status = store.NodeOnline
			n.RuntimeType = p.RuntimeType
			n.Labels = p.Labels
			n.Taints = p.Taints
			n.Allocatable = p.Allocatable
			n.ConnectionID = connectionID
			n.RegisteredAt = time.Now()
		})
		if err != nil {
			return "", fmt.Errorf("update node %q on register: %w", p.Name, err)
		}
	} else {
		node, err = s.store.CreateNode(ctx, store.Node{
			Name:         p.Name,
			RuntimeType:  p.RuntimeType,
			Status:       store.NodeOnline,
			Labels:       p.Labels,
			Taints:       p.Taints,
			Allocatable:  p.Allocatable,
			ConnectionID: connectionID,
			RegisteredAt: time.Now(),
		})
		if err != nil {
			return "", fmt.Errorf("create node %q on register: %w", p.Name, err)
		}
	}

	s.registry.Register(node.ID, connectionID, conn)
	s.logger.Info("node registered", "nodeId", node.ID, "name", node.Name, "runtimeType", node.RuntimeType)

	// A newly eligible node may let a DaemonSet cover it, or a Deployment
	// place pods it was previously short on; nudge the reconciler rather
	// than wait out the tick interval.
	if s.waker != nil {
		s.waker.TriggerReconcile()
	}
	return node.ID, nil
}

func (s *Server) handleHeartbeat(ctx context.Context, nodeID string, raw json.RawMessage) error {
	var p heartbeatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("unmarshal node:heartbeat: %w", err)
	}
	s.registry.Heartbeat(nodeID)

	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("get node %s on heartbeat: %w", nodeID, err)
	}
	_, err = s.store.UpdateNode(ctx, node.ID, node.Version, func(n *store.Node) {
		n.Allocated = p.Allocated
	})
	if err != nil {
		return fmt.Errorf("update node %s allocated on heartbeat: %w", nodeID, err)
	}
	return nil
}

func (s *Server) handlePodStatus(ctx context.Context, raw json.RawMessage) error {
	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("unmarshal pod:status: %w", err)
	}

	_, err := s.podstate.Apply(ctx, podstate.Report{
		PodID:       p.PodID,
		Incarnation: p.Incarnation,
		Status:      p.Status,
		Message:     p.Message,
	})
	if err != nil {
		// ErrInvalidTransition and ErrStaleIncarnation are expected noise
		// (replays, races with the reconciler reaping the same pod) —
		// logged by the caller, never fatal to the connection.
		return err
	}

	if s.waker != nil {
		s.waker.TriggerReconcile()
	}
	return nil
}
