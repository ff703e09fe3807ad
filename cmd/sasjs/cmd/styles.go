package cmd

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Dicklesworthstone/sasjs/internal/jobs"
	"github.com/Dicklesworthstone/sasjs/internal/logs"
)

// Color palette - Dracula theme inspired.
var (
	colorPurple = lipgloss.Color("#bd93f9")
	colorGreen  = lipgloss.Color("#50fa7b")
	colorYellow = lipgloss.Color("#f1fa8c")
	colorCyan   = lipgloss.Color("#8be9fd")
	colorRed    = lipgloss.Color("#ff5555")
	colorGray   = lipgloss.Color("#6272a4")
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorPurple)
	okStyle        = lipgloss.NewStyle().Foreground(colorGreen)
	warnStyle      = lipgloss.NewStyle().Foreground(colorYellow)
	errStyle       = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	mutedStyle     = lipgloss.NewStyle().Foreground(colorGray)
	sourceStyle    = lipgloss.NewStyle().Foreground(colorCyan)
	generatedStyle = lipgloss.NewStyle().Foreground(colorPurple)
)

// lineStyle picks the style for a log line of the given kind.
func lineStyle(kind logs.LineKind) lipgloss.Style {
	switch kind {
	case logs.LineSource:
		return sourceStyle
	case logs.LineGenerated:
		return generatedStyle
	default:
		return mutedStyle
	}
}

// stateStyle colors a job state.
func stateStyle(state string) lipgloss.Style {
	switch {
	case strings.EqualFold(state, jobs.StateCompleted):
		return okStyle
	case jobs.Terminal(state):
		return errStyle
	default:
		return warnStyle
	}
}
