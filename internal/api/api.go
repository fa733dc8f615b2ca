// Package api exposes the control plane's HTTP surface: service and pod
// CRUD plus the handful of service-level actions (scale, pause, resume,
// rollback, setVisibility) that an operator or fleetctl drives. Handlers
// read and write through internal/store directly; every mutation wakes
// the reconciler rather than trying to converge state itself, mirroring
// cmd/advice-viewer's thin-handler-over-a-client shape.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"fleetforge/controlplane/internal/dispatch"
	"fleetforge/controlplane/internal/store"
)

// Waker lets the API surface nudge the reconciler after a mutation
// instead of waiting for its next scheduled pass.
type Waker interface {
	TriggerReconcile()
}

// OnlineSnapshotter reports which nodes currently hold a live connection,
// satisfied by *registry.Registry. The ad-hoc pod.create path needs it to
// place a pod when the caller doesn't name a nodeId.
type OnlineSnapshotter interface {
	SnapshotOnline() []string
	IsOnline(nodeID string) bool
}

// Server holds the handlers' dependencies.
type Server struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	waker      Waker
	online     OnlineSnapshotter
	logger     *slog.Logger
}

// New creates an API server.
func New(s store.Store, dispatcher *dispatch.Dispatcher, waker Waker, online OnlineSnapshotter, logger *slog.Logger) *Server {
	return &Server{store: s, dispatcher: dispatcher, waker: waker, online: online, logger: logger}
}

// Routes builds the HTTP mux. It does not call http.ListenAndServe itself
// so cmd/controller can wrap it in its own middleware chain (logging,
// auth) before serving.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/services", s.handleCreateService)
	mux.HandleFunc("GET /v1/services", s.handleListServices)
	mux.HandleFunc("GET /v1/services/{id}", s.handleGetService)
	mux.HandleFunc("POST /v1/services/{id}/scale", s.handleScaleService)
	mux.HandleFunc("POST /v1/services/{id}/pause", s.handlePauseService)
	mux.HandleFunc("POST /v1/services/{id}/resume", s.handleResumeService)
	mux.HandleFunc("POST /v1/services/{id}/rollback", s.handleRollbackService)
	mux.HandleFunc("POST /v1/services/{id}/visibility", s.handleSetVisibility)
	mux.HandleFunc("GET /v1/services/{id}/pods", s.handleListServicePods)

	mux.HandleFunc("POST /v1/pods", s.handleCreatePod)
	mux.HandleFunc("GET /v1/pods/{id}", s.handleGetPod)
	mux.HandleFunc("POST /v1/pods/{id}/stop", s.handleStopPod)
	mux.HandleFunc("DELETE /v1/pods/{id}", s.handleDeletePod)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeStoreError maps a store sentinel error to the HTTP status an API
// client should act on, falling back to 500 for anything unrecognized.
func writeStoreError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, store.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrDuplicate):
		status = http.StatusConflict
	default:
		logger.Error(op, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
