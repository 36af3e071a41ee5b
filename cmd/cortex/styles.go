package main

import "github.com/charmbracelet/lipgloss"

// Semantic colors for terminal output.
var (
	successColor = lipgloss.Color("#8BC34A")
	failColor    = lipgloss.Color("#e53935")
	accentColor  = lipgloss.Color("#2196F3")
	mutedColor   = lipgloss.Color("#808a9d")
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	labelStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	passStyle   = lipgloss.NewStyle().Bold(true).Foreground(successColor)
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(failColor)
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(failColor)
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)
)

func passFail(passed bool) string {
	if passed {
		return passStyle.Render("PASS")
	}
	return failStyle.Render("FAIL")
}
