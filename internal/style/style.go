// Package style holds the terminal palette and the semantic lipgloss
// styles shared by the logger and the HTTP request log, so every line
// the runtime prints draws from one set of colors.
package style

import "github.com/charmbracelet/lipgloss"

// Palette. One accent, one highlight, the usual outcome colors, and a
// dim tone for anything that should fade into the background.
var (
	Accent    = lipgloss.Color("#FF69B4")
	Highlight = lipgloss.Color("#42D9C8")
	Good      = lipgloss.Color("#73F59F")
	Bad       = lipgloss.Color("#FF6B9D")
	Caution   = lipgloss.Color("#FFE66D")
	Violet    = lipgloss.Color("#B794F6")
	Dim       = lipgloss.Color("#626262")
	Plain     = lipgloss.Color("#ECEFF4")
)

// Log-line styles, one per logger level plus the key/value pair used by
// the startup configuration dump.
var (
	Banner  = lipgloss.NewStyle().Bold(true).Foreground(Accent)
	Section = lipgloss.NewStyle().Bold(true).Foreground(Highlight)
	Info    = lipgloss.NewStyle().Foreground(Plain)
	Warn    = lipgloss.NewStyle().Foreground(Caution)
	Error   = lipgloss.NewStyle().Bold(true).Foreground(Bad)
	Success = lipgloss.NewStyle().Bold(true).Foreground(Good)
	Muted   = lipgloss.NewStyle().Foreground(Dim)
	Key     = lipgloss.NewStyle().Bold(true).Foreground(Violet)
	Value   = lipgloss.NewStyle().Foreground(Highlight)
)

// HTTP request-log styles.
var (
	Method        = lipgloss.NewStyle().Bold(true).Foreground(Highlight)
	URI           = lipgloss.NewStyle().Foreground(Good)
	StatusSuccess = lipgloss.NewStyle().Bold(true).Foreground(Good)
	StatusError   = lipgloss.NewStyle().Bold(true).Foreground(Bad)
	Duration      = lipgloss.NewStyle().Italic(true).Foreground(Dim)
)

// Lifecycle styles for the two long-running concerns worth visually
// separating in a busy log: preload runs and session terminations.
var (
	Preload   = lipgloss.NewStyle().Bold(true).Foreground(Highlight)
	Terminate = lipgloss.NewStyle().Bold(true).Foreground(Caution)
)
