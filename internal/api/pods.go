package api

import (
	"fmt"
	"net/http"

	"fleetforge/controlplane/internal/dispatch"
	"fleetforge/controlplane/internal/scheduler"
	"fleetforge/controlplane/internal/store"
)

// createPodRequest is the pod.create body: an ad-hoc pod independent of
// any service. nodeId is optional — when omitted the least-loaded online
// node whose runtime matches the pack is chosen the same way the
// reconciler places deployment pods.
type createPodRequest struct {
	PackID    string `json:"packId"`
	NodeID    string `json:"nodeId,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

// handleCreatePod mints an ad-hoc pod: serviceId stays empty and
// incarnation is always 1, since there is no per-service counter to
// advance and no rolling update will ever retire this pod by version.
func (s *Server) handleCreatePod(w http.ResponseWriter, r *http.Request) {
	var req createPodRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if req.PackID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "packId is required"})
		return
	}

	pack, err := s.store.GetPack(r.Context(), req.PackID)
	if err != nil {
		writeStoreError(w, s.logger, "create pod: resolve pack", err)
		return
	}

	node, err := s.resolveCreatePodNode(r, req, pack)
	if err != nil {
		writeStoreError(w, s.logger, "create pod: resolve node", err)
		return
	}

	namespace := req.Namespace
	if namespace == "" {
		namespace = "default"
	}

	pod, err := s.store.CreatePod(r.Context(), store.Pod{
		PackID:      pack.ID,
		PackVersion: pack.PackVersion,
		NodeID:      node.ID,
		Namespace:   namespace,
		Incarnation: 1,
	})
	if err != nil {
		writeStoreError(w, s.logger, "create pod", err)
		return
	}

	if err := s.dispatcher.Start(pod, node, nil); err != nil {
		// Left in pending; the operator can retry pod.stop/pod.create or
		// wait — no reconciler pass will pick up a pod with no serviceId.
		s.logger.Warn("dispatch start for ad-hoc pod failed", "pod", pod.ID, "node", node.ID, "error", err)
	}
	s.waker.TriggerReconcile()
	writeJSON(w, http.StatusCreated, pod)
}

func (s *Server) resolveCreatePodNode(r *http.Request, req createPodRequest, pack store.Pack) (store.Node, error) {
	if req.NodeID != "" {
		node, err := s.store.GetNode(r.Context(), req.NodeID)
		if err != nil {
			return store.Node{}, err
		}
		if !s.online.IsOnline(node.ID) {
			return store.Node{}, fmt.Errorf("node %s is not online: %w", node.ID, store.ErrValidation)
		}
		return node, nil
	}

	nodes, err := s.store.ListNodes(r.Context(), store.Filter{})
	if err != nil {
		return store.Node{}, err
	}
	onlineSet := make(map[string]bool)
	for _, id := range s.online.SnapshotOnline() {
		onlineSet[id] = true
	}
	eligible := scheduler.Eligible(nodes, onlineSet, store.Service{}, pack)
	node, ok := scheduler.LeastLoaded(eligible)
	if !ok {
		return store.Node{}, fmt.Errorf("no eligible online node for pack %s: %w", pack.ID, store.ErrValidation)
	}
	return node, nil
}

func (s *Server) handleGetPod(w http.ResponseWriter, r *http.Request) {
	pod, err := s.store.GetPod(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, s.logger, "get pod", err)
		return
	}
	writeJSON(w, http.StatusOK, pod)
}

// handleStopPod is the canonical stop path: it drives the pod to
// "stopping" in the store, then sends pod:stop. The node's follow-up
// pod:status report is what actually lands the pod in a terminal state;
// this handler does not wait for it.
func (s *Server) handleStopPod(w http.ResponseWriter, r *http.Request) {
	pod, err := s.stopPod(r, dispatch.StopReasonUserRequested)
	if err != nil {
		writeStoreError(w, s.logger, "stop pod", err)
		return
	}
	writeJSON(w, http.StatusOK, pod)
}

// handleDeletePod is a thin alias over handleStopPod documented for
// clients that expect REST-ish DELETE semantics. It issues the same stop
// and then polls the store once for a terminal status to purge the
// record outright; if the pod hasn't settled yet it leaves the stopping
// record in place rather than blocking the request on the agent's report.
func (s *Server) handleDeletePod(w http.ResponseWriter, r *http.Request) {
	pod, err := s.stopPod(r, dispatch.StopReasonUserRequested)
	if err != nil {
		writeStoreError(w, s.logger, "delete pod", err)
		return
	}

	refreshed, err := s.store.GetPod(r.Context(), pod.ID)
	if err == nil && refreshed.Status.Terminal() {
		if delErr := s.store.DeletePod(r.Context(), refreshed.ID); delErr != nil {
			writeStoreError(w, s.logger, "delete pod", delErr)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
		return
	}

	writeJSON(w, http.StatusAccepted, pod)
}

func (s *Server) stopPod(r *http.Request, reason dispatch.StopReason) (store.Pod, error) {
	id := r.PathValue("id")
	current, err := s.store.GetPod(r.Context(), id)
	if err != nil {
		return store.Pod{}, err
	}
	if current.Status.Terminal() {
		return current, nil
	}

	updated, err := s.store.UpdatePod(r.Context(), id, current.Version, func(p *store.Pod) {
		p.Status = store.PodStopping
	})
	if err != nil {
		return store.Pod{}, err
	}

	if err := s.dispatcher.Stop(updated, reason); err != nil {
		s.logger.Warn("dispatch pod:stop", "pod", id, "error", err)
	}
	s.waker.TriggerReconcile()
	return updated, nil
}
