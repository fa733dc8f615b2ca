package api

import (
	"net/http"

	"fleetforge/controlplane/internal/store"
)

type createServiceRequest struct {
	Name             string              `json:"name"`
	Namespace        string              `json:"namespace"`
	PackID           string              `json:"packId"`
	PackVersion      string              `json:"packVersion"`
	FollowLatest     bool                `json:"followLatest"`
	Replicas         int                 `json:"replicas"`
	Labels           map[string]string   `json:"labels,omitempty"`
	PodLabels        map[string]string   `json:"podLabels,omitempty"`
	Tolerations      []store.Toleration  `json:"tolerations,omitempty"`
	ResourceRequests store.ResourceList  `json:"resourceRequests"`
	ResourceLimits   store.ResourceList  `json:"resourceLimits"`
	Visibility       store.Visibility    `json:"visibility"`
	Exposed          bool                `json:"exposed"`
	Secrets          []store.SecretRef   `json:"secrets,omitempty"`
	VolumeMounts     []store.VolumeMount `json:"volumeMounts,omitempty"`
}

func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var req createServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body: " + err.Error()})
		return
	}

	svc, err := s.store.CreateService(r.Context(), store.Service{
		Name:             req.Name,
		Namespace:        req.Namespace,
		PackID:           req.PackID,
		PackVersion:      req.PackVersion,
		FollowLatest:     req.FollowLatest,
		Replicas:         req.Replicas,
		Labels:           req.Labels,
		PodLabels:        req.PodLabels,
		Tolerations:      req.Tolerations,
		ResourceRequests: req.ResourceRequests,
		ResourceLimits:   req.ResourceLimits,
		Visibility:       req.Visibility,
		Exposed:          req.Exposed,
		Secrets:          req.Secrets,
		VolumeMounts:     req.VolumeMounts,
	})
	if err != nil {
		writeStoreError(w, s.logger, "create service", err)
		return
	}

	s.waker.TriggerReconcile()
	writeJSON(w, http.StatusCreated, svc)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{
		Namespace: r.URL.Query().Get("namespace"),
		Name:      r.URL.Query().Get("name"),
		Status:    r.URL.Query().Get("status"),
	}
	services, err := s.store.ListServices(r.Context(), f)
	if err != nil {
		writeStoreError(w, s.logger, "list services", err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.store.GetService(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, s.logger, "get service", err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

type scaleRequest struct {
	Replicas int `json:"replicas"`
}

func (s *Server) handleScaleService(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body: " + err.Error()})
		return
	}
	if req.Replicas < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "replicas must be >= 0"})
		return
	}

	svc, err := s.mutateService(r, func(svc *store.Service) {
		svc.Replicas = req.Replicas
		svc.Generation++
	})
	if err != nil {
		writeStoreError(w, s.logger, "scale service", err)
		return
	}

	s.waker.TriggerReconcile()
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handlePauseService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.mutateService(r, func(svc *store.Service) {
		svc.Status = store.ServicePaused
	})
	if err != nil {
		writeStoreError(w, s.logger, "pause service", err)
		return
	}
	s.waker.TriggerReconcile()
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleResumeService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.mutateService(r, func(svc *store.Service) {
		svc.Status = store.ServiceActive
		svc.Generation++
	})
	if err != nil {
		writeStoreError(w, s.logger, "resume service", err)
		return
	}
	s.waker.TriggerReconcile()
	writeJSON(w, http.StatusOK, svc)
}

type rollbackRequest struct {
	PackVersion string `json:"packVersion"`
}

// handleRollbackService pins the service to an explicit pack version and
// turns followLatest off, since rolling back while still tracking latest
// would just have the next reconcile pass undo the rollback.
func (s *Server) handleRollbackService(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body: " + err.Error()})
		return
	}
	if req.PackVersion == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "packVersion is required"})
		return
	}

	svc, err := s.mutateService(r, func(svc *store.Service) {
		svc.PackVersion = req.PackVersion
		svc.FollowLatest = false
		svc.Generation++
	})
	if err != nil {
		writeStoreError(w, s.logger, "rollback service", err)
		return
	}
	s.waker.TriggerReconcile()
	writeJSON(w, http.StatusOK, svc)
}

type visibilityRequest struct {
	Visibility store.Visibility `json:"visibility"`
}

func (s *Server) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body: " + err.Error()})
		return
	}
	switch req.Visibility {
	case store.VisibilityPublic, store.VisibilityPrivate, store.VisibilitySystem:
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "visibility must be public, private, or system"})
		return
	}

	svc, err := s.mutateService(r, func(svc *store.Service) {
		svc.Visibility = req.Visibility
	})
	if err != nil {
		writeStoreError(w, s.logger, "set service visibility", err)
		return
	}
	s.waker.TriggerReconcile()
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleListServicePods(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetService(r.Context(), id); err != nil {
		writeStoreError(w, s.logger, "list service pods", err)
		return
	}
	pods, err := s.store.ListPods(r.Context(), store.Filter{ServiceID: id})
	if err != nil {
		writeStoreError(w, s.logger, "list service pods", err)
		return
	}
	writeJSON(w, http.StatusOK, pods)
}

// mutateService re-reads the current record and applies patch under the
// version it just read. A concurrent writer racing this request surfaces
// as ErrConflict; the caller is expected to retry the whole request, same
// as any other Store consumer.
func (s *Server) mutateService(r *http.Request, patch func(*store.Service)) (store.Service, error) {
	id := r.PathValue("id")
	current, err := s.store.GetService(r.Context(), id)
	if err != nil {
		return store.Service{}, err
	}
	return s.store.UpdateService(r.Context(), id, current.Version, patch)
}
