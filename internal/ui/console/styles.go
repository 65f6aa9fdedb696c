package console

import "github.com/charmbracelet/lipgloss"

var (
	accentColor  = lipgloss.AdaptiveColor{Light: "#5F5FD7", Dark: "#8787FF"}
	mutedColor   = lipgloss.AdaptiveColor{Light: "#8A8A8A", Dark: "#6C6C6C"}
	successColor = lipgloss.AdaptiveColor{Light: "#008700", Dark: "#73F59F"}
	errorColor   = lipgloss.AdaptiveColor{Light: "#D70000", Dark: "#FF8787"}
	warnColor    = lipgloss.AdaptiveColor{Light: "#AF8700", Dark: "#FECA57"}

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	runningStyle = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	stoppedStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)

	userLabel   = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	workerLabel = lipgloss.NewStyle().Bold(true).Foreground(successColor)
	systemLabel = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
	errorLabel  = lipgloss.NewStyle().Foreground(errorColor)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(mutedColor)

	logPaneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor)
)
