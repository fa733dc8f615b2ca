package fleet

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

type fakeClient struct {
	services []ServiceSummary
	pods     map[string][]PodSummary
	err      error
}

func (f *fakeClient) ListServices(context.Context) ([]ServiceSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.services, nil
}

func (f *fakeClient) ListPods(_ context.Context, serviceID string) ([]PodSummary, error) {
	return f.pods[serviceID], nil
}

func TestNewModelDefaults(t *testing.T) {
	m := New(&fakeClient{})
	if m.selected != 0 {
		t.Errorf("default selected = %d, want 0", m.selected)
	}
	if m.showHelp {
		t.Error("default showHelp should be false")
	}
}

func TestFetchServicesMsgStoresWhateverItIsGiven(t *testing.T) {
	// Update trusts the sort order already applied by fetchServices' command;
	// it just stores the slice as received.
	m := New(&fakeClient{})
	msg := fetchServicesMsg{services: []ServiceSummary{
		{ID: "b", Name: "zeta"},
		{ID: "a", Name: "alpha"},
	}}

	updated, _ := m.Update(msg)
	mm := updated.(*Model)
	if len(mm.services) != 2 || mm.services[0].Name != "zeta" {
		t.Fatalf("expected services stored in given order, got %+v", mm.services)
	}
}

func TestFetchServicesCommandSorts(t *testing.T) {
	m := New(&fakeClient{services: []ServiceSummary{
		{ID: "b", Name: "zeta"},
		{ID: "a", Name: "alpha"},
	}})

	cmd := m.fetchServices()
	msg := cmd().(fetchServicesMsg)
	if msg.err != nil {
		t.Fatalf("unexpected error: %v", msg.err)
	}
	if len(msg.services) != 2 || msg.services[0].Name != "alpha" || msg.services[1].Name != "zeta" {
		t.Fatalf("expected services sorted by name, got %+v", msg.services)
	}
}

func TestUpdateNavigatesSelectionWithinBounds(t *testing.T) {
	m := New(&fakeClient{})
	m.services = []ServiceSummary{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyDown})
	mm := updated.(*Model)
	if mm.selected != 1 {
		t.Fatalf("expected selected=1 after one down, got %d", mm.selected)
	}

	for i := 0; i < 5; i++ {
		updated, _ = mm.Update(tea.KeyMsg{Type: tea.KeyDown})
		mm = updated.(*Model)
	}
	if mm.selected != len(mm.services)-1 {
		t.Fatalf("expected selection clamped to last service, got %d", mm.selected)
	}

	updated, _ = mm.Update(tea.KeyMsg{Type: tea.KeyUp})
	mm = updated.(*Model)
	if mm.selected != len(mm.services)-2 {
		t.Fatalf("expected selected to decrement, got %d", mm.selected)
	}
}

func TestFetchServicesMsgErrorIsStored(t *testing.T) {
	m := New(&fakeClient{})
	updated, _ := m.Update(fetchServicesMsg{err: errors.New("boom")})
	mm := updated.(*Model)
	if mm.err == nil {
		t.Fatal("expected error to be stored on the model")
	}
}

func TestFetchPodsMsgOnlyAppliesToSelectedService(t *testing.T) {
	m := New(&fakeClient{})
	m.services = []ServiceSummary{{ID: "a"}, {ID: "b"}}
	m.selected = 0

	updated, _ := m.Update(fetchPodsMsg{serviceID: "b", pods: []PodSummary{{ID: "stale"}}})
	mm := updated.(*Model)
	if len(mm.pods) != 0 {
		t.Fatalf("expected pods for an unselected service to be dropped, got %+v", mm.pods)
	}

	updated, _ = mm.Update(fetchPodsMsg{serviceID: "a", pods: []PodSummary{{ID: "fresh"}}})
	mm = updated.(*Model)
	if len(mm.pods) != 1 || mm.pods[0].ID != "fresh" {
		t.Fatalf("expected pods for the selected service to be applied, got %+v", mm.pods)
	}
}
