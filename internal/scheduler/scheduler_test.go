package scheduler

import (
	"testing"

	"fleetforge/controlplane/internal/store"
)

func TestEligibleFiltersOfflineAndLabels(t *testing.T) {
	nodes := []store.Node{
		{Record: store.Record{ID: "n1"}, Labels: map[string]string{"zone": "a"}},
		{Record: store.Record{ID: "n2"}, Labels: map[string]string{"zone": "b"}},
		{Record: store.Record{ID: "n3"}, Labels: map[string]string{"zone": "a"}},
	}
	online := map[string]bool{"n1": true, "n3": true}
	svc := store.Service{Labels: map[string]string{"zone": "a"}}

	got := Eligible(nodes, online, svc, store.Pack{})
	if len(got) != 2 {
		t.Fatalf("expected 2 eligible nodes, got %d: %+v", len(got), got)
	}
	for _, n := range got {
		if n.ID == "n2" {
			t.Fatal("n2 is offline and should be excluded")
		}
	}
}

func TestEligibleRespectsTaints(t *testing.T) {
	nodes := []store.Node{
		{Record: store.Record{ID: "n1"}, Taints: []store.Toleration{{Key: "dedicated", Value: "gpu", Effect: "NoSchedule"}}},
		{Record: store.Record{ID: "n2"}},
	}
	online := map[string]bool{"n1": true, "n2": true}

	svcNoTolerations := store.Service{}
	got := Eligible(nodes, online, svcNoTolerations, store.Pack{})
	if len(got) != 1 || got[0].ID != "n2" {
		t.Fatalf("expected only n2 without matching tolerations, got %+v", got)
	}

	svcWithTolerations := store.Service{Tolerations: []store.Toleration{{Key: "dedicated", Value: "gpu", Effect: "NoSchedule"}}}
	got = Eligible(nodes, online, svcWithTolerations, store.Pack{})
	if len(got) != 2 {
		t.Fatalf("expected both nodes with a matching toleration, got %+v", got)
	}
}

func TestEligibleMatchesRuntimeTag(t *testing.T) {
	nodes := []store.Node{
		{Record: store.Record{ID: "n1"}, RuntimeType: store.RuntimeNode},
		{Record: store.Record{ID: "n2"}, RuntimeType: store.RuntimeBrowser},
	}
	online := map[string]bool{"n1": true, "n2": true}
	svc := store.Service{}

	got := Eligible(nodes, online, svc, store.Pack{RuntimeTag: store.RuntimeBrowser})
	if len(got) != 1 || got[0].ID != "n2" {
		t.Fatalf("expected only the browser-runtime node, got %+v", got)
	}

	got = Eligible(nodes, online, svc, store.Pack{})
	if len(got) != 2 {
		t.Fatalf("expected both nodes when the pack names no runtime tag, got %+v", got)
	}
}

func TestLeastLoadedPicksLowestRatio(t *testing.T) {
	nodes := []store.Node{
		{Record: store.Record{ID: "n1"}, Allocatable: store.ResourceList{Pods: "10"}, Allocated: store.ResourceList{Pods: "8"}},
		{Record: store.Record{ID: "n2"}, Allocatable: store.ResourceList{Pods: "10"}, Allocated: store.ResourceList{Pods: "2"}},
	}
	got, ok := LeastLoaded(nodes)
	if !ok || got.ID != "n2" {
		t.Fatalf("expected n2 (lower ratio), got %+v ok=%v", got, ok)
	}
}

func TestLeastLoadedTieBreaksByNodeID(t *testing.T) {
	nodes := []store.Node{
		{Record: store.Record{ID: "n2"}, Allocatable: store.ResourceList{Pods: "10"}, Allocated: store.ResourceList{Pods: "5"}},
		{Record: store.Record{ID: "n1"}, Allocatable: store.ResourceList{Pods: "10"}, Allocated: store.ResourceList{Pods: "5"}},
	}
	got, ok := LeastLoaded(nodes)
	if !ok || got.ID != "n1" {
		t.Fatalf("expected n1 on tie, got %+v ok=%v", got, ok)
	}
}

func TestLeastLoadedEmptyReturnsFalse(t *testing.T) {
	if _, ok := LeastLoaded(nil); ok {
		t.Fatal("expected ok=false for empty eligible set")
	}
}
