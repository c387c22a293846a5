package cmd

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// Color palette
var (
	colorPrimary = lipgloss.Color("#7C3AED") // Purple
	colorSuccess = lipgloss.Color("#10B981") // Green
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorError   = lipgloss.Color("#EF4444") // Red
	colorMuted   = lipgloss.Color("#9CA3AF") // Muted gray
)

// styles renders command output. Colors are dropped when the writer is not
// a terminal or --no-color is set.
type styles struct {
	Title   lipgloss.Style
	Heading lipgloss.Style
	Muted   lipgloss.Style
	OK      lipgloss.Style
	Warn    lipgloss.Style
	Err     lipgloss.Style
	Level   lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	if noColor {
		r.SetColorProfile(termenv.Ascii)
	}
	return styles{
		Title:   r.NewStyle().Bold(true).Foreground(colorPrimary),
		Heading: r.NewStyle().Bold(true),
		Muted:   r.NewStyle().Foreground(colorMuted),
		OK:      r.NewStyle().Foreground(colorSuccess),
		Warn:    r.NewStyle().Foreground(colorWarning),
		Err:     r.NewStyle().Foreground(colorError).Bold(true),
		Level:   r.NewStyle().Foreground(colorMuted).Width(10),
	}
}

func (s styles) runStatus(status core.RunStatus) string {
	switch status {
	case core.RunStatusSucceeded:
		return s.OK.Render(string(status))
	case core.RunStatusCancelled:
		return s.Warn.Render(string(status))
	default:
		return s.Err.Render(string(status))
	}
}

func (s styles) taskStatus(status core.TaskStatus) string {
	switch status {
	case core.TaskStatusSucceeded:
		return s.OK.Render("✓ " + string(status))
	case core.TaskStatusFailed:
		return s.Err.Render("✗ " + string(status))
	case core.TaskStatusSkipped:
		return s.Warn.Render("○ " + string(status))
	default:
		return s.Muted.Render("· " + string(status))
	}
}
