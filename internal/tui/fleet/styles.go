package fleet

import "github.com/charmbracelet/lipgloss"

var (
	colorHealthy  = lipgloss.Color("76")  // green
	colorDegraded = lipgloss.Color("196") // red
	colorSelected = lipgloss.Color("39")  // blue
	colorMuted    = lipgloss.Color("242") // gray
	colorWhite    = lipgloss.Color("15")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			MarginBottom(1)

	selectedItemStyle = lipgloss.NewStyle().
				Background(lipgloss.Color("236")).
				Foreground(colorWhite).
				Bold(true)

	normalItemStyle = lipgloss.NewStyle().
			Foreground(colorWhite)

	healthyStyle = lipgloss.NewStyle().
			Foreground(colorHealthy)

	degradedStyle = lipgloss.NewStyle().
			Foreground(colorDegraded).
			Bold(true)

	detailTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorSelected).
				MarginBottom(1)

	detailLabelStyle = lipgloss.NewStyle().
				Foreground(colorMuted)

	detailValueStyle = lipgloss.NewStyle().
				Foreground(colorWhite)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	statusStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorDegraded)
)

// statusLabel returns a styled label for a service's health.
func statusLabel(degraded bool) string {
	if degraded {
		return degradedStyle.Render("[DEGRADED]")
	}
	return healthyStyle.Render("[OK]")
}
