// Package fleet provides a read-only Bubbletea dashboard over the control
// plane's HTTP API surface: it polls services and their pods and renders
// them with health coloring, grounded on internal/tui/decision's poll-sort-
// render skeleton (DecisionItem, fetchDecisionsMsg, tickMsg) but stripped
// of every mutating action — operators watch here, they act through
// cmd/fleetctl.
package fleet

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

const pollInterval = 5 * time.Second

// Model is the Bubbletea model for the fleet dashboard.
type Model struct {
	width, height int

	services []ServiceSummary
	pods     []PodSummary
	selected int

	keys           KeyMap
	help           help.Model
	showHelp       bool
	detailViewport viewport.Model
	err            error
	status         string

	client Client
}

// New creates a fleet dashboard model polling client.
func New(client Client) *Model {
	h := help.New()
	h.ShowAll = false

	return &Model{
		keys:           DefaultKeyMap(),
		help:           h,
		detailViewport: viewport.New(0, 0),
		client:         client,
	}
}

// Init starts the first fetch and the poll ticker.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchServices(),
		m.startPolling(),
		tea.SetWindowTitle("fleetforge dashboard"),
	)
}

type fetchServicesMsg struct {
	services []ServiceSummary
	err      error
}

type fetchPodsMsg struct {
	serviceID string
	pods      []PodSummary
	err       error
}

type tickMsg time.Time

func (m *Model) fetchServices() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		services, err := client.ListServices(ctx)
		if err != nil {
			return fetchServicesMsg{err: fmt.Errorf("fetch services: %w", err)}
		}
		sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
		return fetchServicesMsg{services: services}
	}
}

func (m *Model) fetchPods(serviceID string) tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		pods, err := client.ListPods(ctx, serviceID)
		if err != nil {
			return fetchPodsMsg{serviceID: serviceID, err: fmt.Errorf("fetch pods for %s: %w", serviceID, err)}
		}
		return fetchPodsMsg{serviceID: serviceID, pods: pods}
	}
}

func (m *Model) startPolling() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.detailViewport.Width = msg.Width - 4
		m.detailViewport.Height = msg.Height/2 - 4

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keys.Help):
			m.showHelp = !m.showHelp

		case key.Matches(msg, m.keys.Up):
			if m.selected > 0 {
				m.selected--
				cmds = append(cmds, m.fetchSelectedPods())
			}

		case key.Matches(msg, m.keys.Down):
			if m.selected < len(m.services)-1 {
				m.selected++
				cmds = append(cmds, m.fetchSelectedPods())
			}

		case key.Matches(msg, m.keys.Refresh):
			cmds = append(cmds, m.fetchServices())
			m.status = "Refreshing..."
		}

	case fetchServicesMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.services = msg.services
			if m.selected >= len(m.services) {
				m.selected = max(0, len(m.services)-1)
			}
			m.status = fmt.Sprintf("Updated: %d services", len(m.services))
			cmds = append(cmds, m.fetchSelectedPods())
		}

	case fetchPodsMsg:
		if msg.err == nil && m.selectedServiceID() == msg.serviceID {
			m.pods = msg.pods
		}

	case tickMsg:
		cmds = append(cmds, m.fetchServices())
		cmds = append(cmds, m.startPolling())
	}

	var cmd tea.Cmd
	m.detailViewport, cmd = m.detailViewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *Model) fetchSelectedPods() tea.Cmd {
	id := m.selectedServiceID()
	if id == "" {
		return nil
	}
	return m.fetchPods(id)
}

func (m *Model) selectedServiceID() string {
	if m.selected < 0 || m.selected >= len(m.services) {
		return ""
	}
	return m.services[m.selected].ID
}

// View renders the TUI.
func (m *Model) View() string {
	return m.renderView()
}
