package tui

import "github.com/charmbracelet/lipgloss"

type styles struct {
	title     lipgloss.Style
	session   lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	errEntry  lipgloss.Style
	online    lipgloss.Style
	offline   lipgloss.Style
	notice    lipgloss.Style
	dim       lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		session:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		user:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81")),
		assistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("114")),
		errEntry:  lipgloss.NewStyle().Foreground(lipgloss.Color("203")).BorderStyle(lipgloss.NormalBorder()).BorderLeft(true).BorderForeground(lipgloss.Color("203")).PaddingLeft(1),
		online:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		offline:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		notice:    lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}
