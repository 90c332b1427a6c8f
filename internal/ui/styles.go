// Package ui renders worklogd output for terminals. Color is used only when
// the destination is a terminal and NO_COLOR is unset.
package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	// Colors
	Accent  = lipgloss.Color("#7C3AED") // Purple
	Success = lipgloss.Color("#10B981") // Green
	Muted   = lipgloss.Color("#6B7280") // Gray
	Warning = lipgloss.Color("#F59E0B") // Amber
	Danger  = lipgloss.Color("#EF4444") // Red
)

// Styles is the palette bound to one output.
type Styles struct {
	Title lipgloss.Style
	Label lipgloss.Style
	Value lipgloss.Style
	Dim   lipgloss.Style
	OK    lipgloss.Style
	Warn  lipgloss.Style
	Error lipgloss.Style
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ColorEnabled reports whether output to w should be colored.
func ColorEnabled(w io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return IsTerminal(w)
}

// NewStyles builds a palette for w. Non-terminals get plain ASCII.
func NewStyles(w io.Writer) Styles {
	r := lipgloss.NewRenderer(w)
	if ColorEnabled(w) {
		r.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
	} else {
		r.SetColorProfile(termenv.Ascii)
	}
	return Styles{
		Title: r.NewStyle().Bold(true).Foreground(Accent),
		Label: r.NewStyle().Foreground(Muted).Width(16),
		Value: r.NewStyle(),
		Dim:   r.NewStyle().Foreground(Muted).Italic(true),
		OK:    r.NewStyle().Foreground(Success),
		Warn:  r.NewStyle().Foreground(Warning).Bold(true),
		Error: r.NewStyle().Foreground(Danger).Bold(true),
	}
}
