package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskforge/internal/scheduler"
)

// Border styles
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("3")).
				Bold(true)

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("2")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("1")).
				Bold(true)

	StyleStatusWaiting = lipgloss.NewStyle().
				Foreground(lipgloss.Color("6"))

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	StyleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))
)

// StatusIcon returns a styled indicator for a task status.
func StatusIcon(s scheduler.Status) string {
	switch s {
	case scheduler.StatusAssigned, scheduler.StatusExecuting, scheduler.StatusValidating:
		return StyleStatusRunning.Render("●")
	case scheduler.StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case scheduler.StatusFailed, scheduler.StatusBlockedPermanently:
		return StyleStatusFailed.Render("✗")
	case scheduler.StatusCancelled:
		return StyleStatusFailed.Render("-")
	case scheduler.StatusQueued, scheduler.StatusReady:
		return StyleStatusWaiting.Render("◌")
	default:
		return StyleStatusPending.Render("○")
	}
}
