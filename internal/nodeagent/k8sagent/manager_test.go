package k8sagent

import (
	"context"
	"log/slog"
	"os"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestName(t *testing.T) {
	s := Spec{PodID: "pod-1"}
	if got := s.Name(); got != "ff-pod-1" {
		t.Errorf("Name() = %s, want ff-pod-1", got)
	}
}

func TestLabels(t *testing.T) {
	s := Spec{ServiceID: "svc-1", PodID: "pod-1"}
	labels := s.Labels()
	if labels[LabelApp] != LabelAppValue || labels[LabelService] != "svc-1" || labels[LabelPod] != "pod-1" {
		t.Errorf("unexpected labels: %+v", labels)
	}
}

func TestCreatePodBasic(t *testing.T) {
	client := fake.NewSimpleClientset()
	mgr := New(client, testLogger())

	spec := Spec{
		ServiceID:      "svc-1",
		PodID:          "pod-1",
		Incarnation:    3,
		Namespace:      "ns",
		Image:          "ghcr.io/org/runtime:v1",
		BundleLocation: "https://bundles.example/pack.tar.gz",
	}

	if err := mgr.CreatePod(context.Background(), spec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pod, err := client.CoreV1().Pods("ns").Get(context.Background(), "ff-pod-1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("pod not found: %v", err)
	}
	if pod.Labels[LabelService] != "svc-1" {
		t.Errorf("expected service label svc-1, got %s", pod.Labels[LabelService])
	}
	if pod.Annotations[AnnotationIncarnation] != "3" {
		t.Errorf("expected incarnation annotation 3, got %s", pod.Annotations[AnnotationIncarnation])
	}
	if len(pod.Spec.InitContainers) != 1 || pod.Spec.InitContainers[0].Name != InitFetchName {
		t.Fatalf("expected one fetch-bundle init container, got %+v", pod.Spec.InitContainers)
	}
	if len(pod.Spec.Containers) != 1 || pod.Spec.Containers[0].Image != spec.Image {
		t.Fatalf("expected main container with image %s, got %+v", spec.Image, pod.Spec.Containers)
	}
}

func TestCreatePodIsIdempotentOnAlreadyExists(t *testing.T) {
	client := fake.NewSimpleClientset()
	mgr := New(client, testLogger())
	spec := Spec{ServiceID: "svc-1", PodID: "pod-1", Namespace: "ns", Image: "img"}

	if err := mgr.CreatePod(context.Background(), spec); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := mgr.CreatePod(context.Background(), spec); err != nil {
		t.Fatalf("second create should be a no-op, got error: %v", err)
	}
}

func TestDeletePodRemovesPod(t *testing.T) {
	client := fake.NewSimpleClientset()
	mgr := New(client, testLogger())
	spec := Spec{ServiceID: "svc-1", PodID: "pod-1", Namespace: "ns", Image: "img"}

	if err := mgr.CreatePod(context.Background(), spec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mgr.DeletePod(context.Background(), "pod-1", "ns"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, err := client.CoreV1().Pods("ns").Get(context.Background(), "ff-pod-1", metav1.GetOptions{})
	if err == nil {
		t.Fatal("expected pod to be gone after delete")
	}
}

func TestDeletePodMissingIsNotAnError(t *testing.T) {
	client := fake.NewSimpleClientset()
	mgr := New(client, testLogger())
	if err := mgr.DeletePod(context.Background(), "never-existed", "ns"); err != nil {
		t.Fatalf("expected nil error deleting a pod that was never created, got %v", err)
	}
}

func TestListPodsFiltersByService(t *testing.T) {
	client := fake.NewSimpleClientset()
	mgr := New(client, testLogger())

	if err := mgr.CreatePod(context.Background(), Spec{ServiceID: "svc-1", PodID: "pod-1", Namespace: "ns", Image: "img"}); err != nil {
		t.Fatalf("create pod-1: %v", err)
	}
	if err := mgr.CreatePod(context.Background(), Spec{ServiceID: "svc-2", PodID: "pod-2", Namespace: "ns", Image: "img"}); err != nil {
		t.Fatalf("create pod-2: %v", err)
	}

	got, err := mgr.ListPods(context.Background(), "ns", "svc-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Labels[LabelPod] != "pod-1" {
		t.Fatalf("expected only pod-1, got %+v", got)
	}
}
