// Package tui renders pipeline results for the terminal and runs the
// interactive chat session.
package tui

import "github.com/charmbracelet/lipgloss"

// Color constants matching the dark dashboard theme
const (
	ColorBg     = "#0d1117"
	ColorCard   = "#161b22"
	ColorBorder = "#30363d"
	ColorBlue   = "#58a6ff"
	ColorGreen  = "#3fb950"
	ColorRed    = "#f85149"
	ColorYellow = "#d29922"
	ColorGray   = "#8b949e"
	ColorText   = "#c9d1d9"
	ColorBright = "#f0f6fc"
)

// Styles holds all lipgloss styles used by the renderers.
type Styles struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Help     lipgloss.Style
	Error    lipgloss.Style

	// Answer section headings such as "Root Cause:"
	Section lipgloss.Style

	Grounded   lipgloss.Style
	Ungrounded lipgloss.Style

	// Retrieved excerpt
	Source      lipgloss.Style
	SourceLabel lipgloss.Style

	Border lipgloss.Style
	Prompt lipgloss.Style
}

// DefaultStyles creates the default style set
func DefaultStyles() *Styles {
	badge := lipgloss.NewStyle().
		Foreground(lipgloss.Color(ColorBg)).
		Padding(0, 1).
		Bold(true)

	return &Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(ColorBright)),

		Subtitle: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorGray)),

		Help: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorGray)).
			Italic(true),

		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorRed)).
			Bold(true),

		Section: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorBlue)).
			Bold(true),

		Grounded:   badge.Background(lipgloss.Color(ColorGreen)),
		Ungrounded: badge.Background(lipgloss.Color(ColorYellow)),

		Source: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorText)).
			PaddingLeft(2),

		SourceLabel: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorGray)),

		Border: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(ColorBorder)).
			Padding(0, 1),

		Prompt: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorBlue)).
			Bold(true),
	}
}

// ScoreColor returns a styled badge for a cosine similarity.
// Green for >=0.8, yellow for >=0.5, red below.
func ScoreColor(score float32) lipgloss.Style {
	style := lipgloss.NewStyle().
		Foreground(lipgloss.Color(ColorBg)).
		Padding(0, 1).
		Bold(true)

	switch {
	case score >= 0.8:
		return style.Background(lipgloss.Color(ColorGreen))
	case score >= 0.5:
		return style.Background(lipgloss.Color(ColorYellow))
	default:
		return style.Background(lipgloss.Color(ColorRed))
	}
}
