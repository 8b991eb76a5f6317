// Package style provides consistent terminal styling using Lipgloss.
// Styling is suppressed when stdout is not a terminal so command output
// stays pipeable.
package style

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var interactive = term.IsTerminal(int(os.Stdout.Fd()))

var (
	Bold = lipgloss.NewStyle().Bold(true)
	Dim  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	Good = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	Bad  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	Warn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// Render applies a style only on a terminal.
func Render(s lipgloss.Style, text string) string {
	if !interactive {
		return text
	}
	return s.Render(text)
}
