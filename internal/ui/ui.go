// Package ui provides the shared lipgloss styles for chatdir's CLI output.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// RenderAccent styles informational markers.
func RenderAccent(s string) string {
	return accentStyle.Render(s)
}

// RenderPass styles success markers.
func RenderPass(s string) string {
	return passStyle.Render(s)
}

// RenderWarn styles warning markers.
func RenderWarn(s string) string {
	return warnStyle.Render(s)
}

// RenderFail styles failure markers.
func RenderFail(s string) string {
	return failStyle.Render(s)
}
