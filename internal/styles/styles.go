// Package styles holds the lipgloss styles used by specflow's CLI output.
package styles

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/specflow/internal/flow"
)

var (
	// Colors - all colors meet WCAG AA contrast (4.5:1) on dark backgrounds
	PrimaryColor   = lipgloss.Color("#A78BFA") // Purple (violet-400)
	SecondaryColor = lipgloss.Color("#10B981") // Green
	WarningColor   = lipgloss.Color("#F59E0B") // Amber
	ErrorColor     = lipgloss.Color("#F87171") // Red (red-400)
	MutedColor     = lipgloss.Color("#9CA3AF") // Gray
	BlueColor      = lipgloss.Color("#60A5FA") // Blue
	BorderColor    = lipgloss.Color("#6B7280") // Gray (gray-500)

	// Convenience styles for colors
	Primary   = lipgloss.NewStyle().Foreground(PrimaryColor)
	Secondary = lipgloss.NewStyle().Foreground(SecondaryColor)
	Warning   = lipgloss.NewStyle().Foreground(WarningColor)
	Error     = lipgloss.NewStyle().Foreground(ErrorColor)
	Muted     = lipgloss.NewStyle().Foreground(MutedColor)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor)

	Label = lipgloss.NewStyle().
		Foreground(MutedColor).
		Width(10)

	// Header is the column header row of flow listings
	Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(BorderColor)

	Box = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(BorderColor).
		Padding(0, 1)

	Hint = lipgloss.NewStyle().
		Foreground(MutedColor).
		Italic(true)

	// Phase colors
	PhaseGenerating = lipgloss.Color("#60A5FA") // Blue - agent at work
	PhaseGate       = lipgloss.Color("#F59E0B") // Amber - waiting on a human
	PhaseRunning    = lipgloss.Color("#10B981") // Green
	PhasePaused     = lipgloss.Color("#9CA3AF") // Gray
	PhaseDone       = lipgloss.Color("#A78BFA") // Purple
	PhaseFailed     = lipgloss.Color("#F87171") // Red
)

// PhaseColor returns the color a phase kind is rendered in.
func PhaseColor(k flow.PhaseKind) lipgloss.Color {
	switch {
	case k == flow.PhaseError || k == flow.PhaseAborted:
		return PhaseFailed
	case k == flow.PhaseComplete:
		return PhaseDone
	case k == flow.PhasePaused || k == flow.PhaseIdle:
		return PhasePaused
	case k.Gate() || k == flow.PhaseMergeDecision:
		return PhaseGate
	case k == flow.PhaseImplementing || k == flow.PhasePR:
		return PhaseRunning
	}
	return PhaseGenerating
}

// Phase renders a phase with its payload in the phase's color.
func Phase(p flow.Phase) string {
	return lipgloss.NewStyle().Bold(true).Foreground(PhaseColor(p.Kind)).Render(p.String())
}

// Progress renders a task bar like "[###-----] 3/8".
func Progress(done, total, width int) string {
	if total <= 0 || width <= 0 {
		return ""
	}
	filled := min(done*width/total, width)
	bar := Secondary.Render(strings.Repeat("#", filled)) + Muted.Render(strings.Repeat("-", width-filled))
	return "[" + bar + "] " + Muted.Render(fmt.Sprintf("%d/%d", done, total))
}

// PhaseIcon returns a one-character marker for a phase kind.
func PhaseIcon(k flow.PhaseKind) string {
	switch {
	case k == flow.PhaseComplete:
		return "✓"
	case k == flow.PhaseError:
		return "✗"
	case k == flow.PhaseAborted:
		return "■"
	case k == flow.PhasePaused:
		return "⏸"
	case k.Gate() || k == flow.PhaseMergeDecision:
		return "?"
	case k == flow.PhaseIdle:
		return "○"
	}
	return "●"
}
