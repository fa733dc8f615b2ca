package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"fleetforge/controlplane/internal/dispatch"
	"fleetforge/controlplane/internal/registry"
	"fleetforge/controlplane/internal/store"
)

type fakeSender struct{}

func (fakeSender) Send(string, registry.Frame) error { return nil }

type fakeWaker struct{ woken atomic.Int32 }

func (f *fakeWaker) TriggerReconcile() { f.woken.Add(1) }

// fakeOnline is a settable OnlineSnapshotter stand-in; tests mark a node
// online by adding its ID before exercising a handler that needs to place
// a pod.
type fakeOnline struct{ ids map[string]bool }

func newFakeOnline() *fakeOnline { return &fakeOnline{ids: map[string]bool{}} }

func (f *fakeOnline) markOnline(id string) { f.ids[id] = true }

func (f *fakeOnline) SnapshotOnline() []string {
	var out []string
	for id, on := range f.ids {
		if on {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeOnline) IsOnline(nodeID string) bool { return f.ids[nodeID] }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer() (*Server, store.Store, *fakeWaker) {
	srv, st, waker, _ := newTestServerWithOnline()
	return srv, st, waker
}

func newTestServerWithOnline() (*Server, store.Store, *fakeWaker, *fakeOnline) {
	st := store.NewMemory()
	waker := &fakeWaker{}
	online := newFakeOnline()
	d := dispatch.New(fakeSender{}, dispatch.Config{HMACKey: []byte("test-key")})
	return New(st, d, waker, online, discardLogger()), st, waker, online
}

func doRequest(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateServiceAndGet(t *testing.T) {
	srv, _, waker := newTestServer()
	mux := srv.Routes()

	rec := doRequest(t, mux, http.MethodPost, "/v1/services", createServiceRequest{
		Name:      "web",
		Namespace: "default",
		PackID:    "pack-1",
		Replicas:  2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created store.Service
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal created service: %v", err)
	}
	if created.ID == "" || created.Name != "web" {
		t.Fatalf("unexpected created service: %+v", created)
	}
	if waker.woken.Load() != 1 {
		t.Fatalf("expected reconcile to be woken once, got %d", waker.woken.Load())
	}

	rec = doRequest(t, mux, http.MethodGet, "/v1/services/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
}

func TestCreateServiceRejectsMissingPackID(t *testing.T) {
	srv, _, _ := newTestServer()
	mux := srv.Routes()

	rec := doRequest(t, mux, http.MethodPost, "/v1/services", createServiceRequest{
		Name:      "web",
		Namespace: "default",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
	}
}

func TestGetServiceMissingIsNotFound(t *testing.T) {
	srv, _, _ := newTestServer()
	mux := srv.Routes()

	rec := doRequest(t, mux, http.MethodGet, "/v1/services/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestScaleServiceUpdatesReplicasAndWakesReconciler(t *testing.T) {
	srv, s, waker := newTestServer()
	mux := srv.Routes()

	svc, err := s.CreateService(context.Background(), store.Service{Name: "web", Namespace: "default", PackID: "pack-1", Replicas: 1})
	if err != nil {
		t.Fatalf("seed service: %v", err)
	}
	waker.woken.Store(0)

	rec := doRequest(t, mux, http.MethodPost, "/v1/services/"+svc.ID+"/scale", scaleRequest{Replicas: 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var updated store.Service
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if updated.Replicas != 5 {
		t.Fatalf("replicas = %d, want 5", updated.Replicas)
	}
	if updated.Generation != svc.Generation+1 {
		t.Fatalf("generation = %d, want %d", updated.Generation, svc.Generation+1)
	}
	if waker.woken.Load() != 1 {
		t.Fatalf("expected reconcile to be woken once, got %d", waker.woken.Load())
	}
}

func TestScaleServiceRejectsNegativeReplicas(t *testing.T) {
	srv, s, _ := newTestServer()
	mux := srv.Routes()

	svc, _ := s.CreateService(context.Background(), store.Service{Name: "web", Namespace: "default", PackID: "pack-1"})

	rec := doRequest(t, mux, http.MethodPost, "/v1/services/"+svc.ID+"/scale", scaleRequest{Replicas: -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPauseThenResumeService(t *testing.T) {
	srv, s, _ := newTestServer()
	mux := srv.Routes()

	svc, _ := s.CreateService(context.Background(), store.Service{Name: "web", Namespace: "default", PackID: "pack-1"})

	rec := doRequest(t, mux, http.MethodPost, "/v1/services/"+svc.ID+"/pause", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	paused, err := s.GetService(context.Background(), svc.ID)
	if err != nil || paused.Status != store.ServicePaused {
		t.Fatalf("expected service paused, got %+v, err %v", paused, err)
	}

	rec = doRequest(t, mux, http.MethodPost, "/v1/services/"+svc.ID+"/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rec.Code)
	}
	resumed, err := s.GetService(context.Background(), svc.ID)
	if err != nil || resumed.Status != store.ServiceActive {
		t.Fatalf("expected service active, got %+v, err %v", resumed, err)
	}
}

func TestRollbackServicePinsVersionAndDisablesFollowLatest(t *testing.T) {
	srv, s, _ := newTestServer()
	mux := srv.Routes()

	svc, _ := s.CreateService(context.Background(), store.Service{
		Name: "web", Namespace: "default", PackID: "pack-1",
		PackVersion: "2.0.0", FollowLatest: true,
	})

	rec := doRequest(t, mux, http.MethodPost, "/v1/services/"+svc.ID+"/rollback", rollbackRequest{PackVersion: "1.0.0"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rolledBack, err := s.GetService(context.Background(), svc.ID)
	if err != nil {
		t.Fatalf("get after rollback: %v", err)
	}
	if rolledBack.PackVersion != "1.0.0" || rolledBack.FollowLatest {
		t.Fatalf("unexpected service after rollback: %+v", rolledBack)
	}
}

func TestRollbackServiceRequiresPackVersion(t *testing.T) {
	srv, s, _ := newTestServer()
	mux := srv.Routes()

	svc, _ := s.CreateService(context.Background(), store.Service{Name: "web", Namespace: "default", PackID: "pack-1"})

	rec := doRequest(t, mux, http.MethodPost, "/v1/services/"+svc.ID+"/rollback", rollbackRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSetVisibilityRejectsUnknownValue(t *testing.T) {
	srv, s, _ := newTestServer()
	mux := srv.Routes()

	svc, _ := s.CreateService(context.Background(), store.Service{Name: "web", Namespace: "default", PackID: "pack-1"})

	rec := doRequest(t, mux, http.MethodPost, "/v1/services/"+svc.ID+"/visibility", visibilityRequest{Visibility: "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListServicePodsReturnsOnlyThatServicesPods(t *testing.T) {
	srv, s, _ := newTestServer()
	mux := srv.Routes()

	svcA, _ := s.CreateService(context.Background(), store.Service{Name: "a", Namespace: "default", PackID: "pack-1"})
	svcB, _ := s.CreateService(context.Background(), store.Service{Name: "b", Namespace: "default", PackID: "pack-1"})
	if _, err := s.CreatePod(context.Background(), store.Pod{ServiceID: svcA.ID, PackID: "pack-1"}); err != nil {
		t.Fatalf("seed pod a: %v", err)
	}
	if _, err := s.CreatePod(context.Background(), store.Pod{ServiceID: svcB.ID, PackID: "pack-1"}); err != nil {
		t.Fatalf("seed pod b: %v", err)
	}

	rec := doRequest(t, mux, http.MethodGet, "/v1/services/"+svcA.ID+"/pods", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var pods []store.Pod
	if err := json.Unmarshal(rec.Body.Bytes(), &pods); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(pods) != 1 || pods[0].ServiceID != svcA.ID {
		t.Fatalf("expected exactly one pod scoped to service a, got %+v", pods)
	}
}

func TestStopPodTransitionsToStoppingAndWakesReconciler(t *testing.T) {
	srv, s, waker := newTestServer()
	mux := srv.Routes()

	node, _ := s.CreateNode(context.Background(), store.Node{Name: "node-1"})
	svc, _ := s.CreateService(context.Background(), store.Service{Name: "web", Namespace: "default", PackID: "pack-1"})
	pod, err := s.CreatePod(context.Background(), store.Pod{ServiceID: svc.ID, PackID: "pack-1", NodeID: node.ID, Status: store.PodRunning})
	if err != nil {
		t.Fatalf("seed pod: %v", err)
	}
	waker.woken.Store(0)

	rec := doRequest(t, mux, http.MethodPost, "/v1/pods/"+pod.ID+"/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var stopped store.Pod
	if err := json.Unmarshal(rec.Body.Bytes(), &stopped); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stopped.Status != store.PodStopping {
		t.Fatalf("status = %q, want stopping", stopped.Status)
	}
	if waker.woken.Load() != 1 {
		t.Fatalf("expected reconcile to be woken once, got %d", waker.woken.Load())
	}
}

func TestCreatePodAdHocPicksOnlineNodeAndDispatches(t *testing.T) {
	srv, s, waker, online := newTestServerWithOnline()
	mux := srv.Routes()

	pack, err := s.CreatePack(context.Background(), store.Pack{Name: "widget", PackVersion: "1.0.0", BundleLocation: "blob://x"})
	if err != nil {
		t.Fatalf("seed pack: %v", err)
	}
	node, _ := s.CreateNode(context.Background(), store.Node{Name: "node-1"})
	online.markOnline(node.ID)
	waker.woken.Store(0)

	rec := doRequest(t, mux, http.MethodPost, "/v1/pods", createPodRequest{PackID: pack.ID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created store.Pod
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.ServiceID != "" {
		t.Fatalf("expected ad-hoc pod to have empty serviceId, got %q", created.ServiceID)
	}
	if created.Incarnation != 1 {
		t.Fatalf("incarnation = %d, want 1", created.Incarnation)
	}
	if created.NodeID != node.ID {
		t.Fatalf("nodeId = %q, want %q", created.NodeID, node.ID)
	}
	if waker.woken.Load() != 1 {
		t.Fatalf("expected reconcile to be woken once, got %d", waker.woken.Load())
	}
}

func TestCreatePodRejectsMissingPackID(t *testing.T) {
	srv, _, _, _ := newTestServerWithOnline()
	mux := srv.Routes()

	rec := doRequest(t, mux, http.MethodPost, "/v1/pods", createPodRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreatePodRejectsOfflineExplicitNode(t *testing.T) {
	srv, s, _, _ := newTestServerWithOnline()
	mux := srv.Routes()

	pack, _ := s.CreatePack(context.Background(), store.Pack{Name: "widget", PackVersion: "1.0.0", BundleLocation: "blob://x"})
	node, _ := s.CreateNode(context.Background(), store.Node{Name: "node-1"})

	rec := doRequest(t, mux, http.MethodPost, "/v1/pods", createPodRequest{PackID: pack.ID, NodeID: node.ID})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestCreatePodNoEligibleNodeReturnsBadRequest(t *testing.T) {
	srv, s, _, _ := newTestServerWithOnline()
	mux := srv.Routes()

	pack, _ := s.CreatePack(context.Background(), store.Pack{Name: "widget", PackVersion: "1.0.0", BundleLocation: "blob://x"})

	rec := doRequest(t, mux, http.MethodPost, "/v1/pods", createPodRequest{PackID: pack.ID})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rec.Code, rec.Body.String())
	}
}

func TestDeletePodPurgesOnlyOnceTerminal(t *testing.T) {
	srv, s, _ := newTestServer()
	mux := srv.Routes()

	node, _ := s.CreateNode(context.Background(), store.Node{Name: "node-1"})
	svc, _ := s.CreateService(context.Background(), store.Service{Name: "web", Namespace: "default", PackID: "pack-1"})
	pod, _ := s.CreatePod(context.Background(), store.Pod{ServiceID: svc.ID, PackID: "pack-1", NodeID: node.ID, Status: store.PodRunning})

	// Not yet terminal: the node hasn't reported back, so DELETE leaves
	// the record in "stopping" and responds 202.
	rec := doRequest(t, mux, http.MethodDelete, "/v1/pods/"+pod.ID, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if _, err := s.GetPod(context.Background(), pod.ID); err != nil {
		t.Fatalf("expected pod record to still exist, get failed: %v", err)
	}

	// Simulate the node's terminal report landing, then DELETE again.
	current, err := s.GetPod(context.Background(), pod.ID)
	if err != nil {
		t.Fatalf("get pod: %v", err)
	}
	if _, err := s.UpdatePod(context.Background(), pod.ID, current.Version, func(p *store.Pod) { p.Status = store.PodStopped }); err != nil {
		t.Fatalf("mark pod stopped: %v", err)
	}

	rec = doRequest(t, mux, http.MethodDelete, "/v1/pods/"+pod.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204, body = %s", rec.Code, rec.Body.String())
	}
	if _, err := s.GetPod(context.Background(), pod.ID); err == nil {
		t.Fatal("expected pod record to be purged after terminal delete")
	}
}
