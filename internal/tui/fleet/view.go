package fleet

import (
	"fmt"
	"strings"
)

func (m *Model) renderView() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("fleetforge — services") + "\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("error: %v", m.err)) + "\n\n")
	}

	if len(m.services) == 0 {
		b.WriteString(normalItemStyle.Render("no services") + "\n")
	}
	for i, svc := range m.services {
		line := fmt.Sprintf("%-28s %s  replicas %d/%d  pack %s",
			svc.Name, statusLabel(svc.Degraded), svc.ReadyReplicas, svc.Replicas, svc.PackVersion)
		if i == m.selected {
			b.WriteString(selectedItemStyle.Render("> "+line) + "\n")
		} else {
			b.WriteString(normalItemStyle.Render("  "+line) + "\n")
		}
	}

	b.WriteString("\n" + detailTitleStyle.Render("pods") + "\n")
	if len(m.pods) == 0 {
		b.WriteString(detailValueStyle.Render("(none)") + "\n")
	}
	for _, pod := range m.pods {
		b.WriteString(fmt.Sprintf("  %s  %s  node=%s  incarnation=%d\n",
			detailLabelStyle.Render(pod.ID), detailValueStyle.Render(pod.Status), pod.NodeID, pod.Incarnation))
	}

	if m.showHelp {
		b.WriteString("\n" + helpStyle.Render(m.help.View(m.keys)))
	} else if m.status != "" {
		b.WriteString("\n" + statusStyle.Render(m.status))
	}

	return b.String()
}
