package console

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/crowdllama/llamadesk/internal/log"
)

const logPaneCapacity = 200

// logPane keeps the most recent log entries published on the log broker.
type logPane struct {
	entries  []string
	minLevel log.Level
}

func (p *logPane) add(entry string) {
	entry = strings.TrimRight(entry, "\n")
	if entry == "" {
		return
	}
	p.entries = append(p.entries, entry)
	if over := len(p.entries) - logPaneCapacity; over > 0 {
		p.entries = append(p.entries[:0:0], p.entries[over:]...)
	}
}

// cycleLevel steps the filter debug → info → warn → error → debug.
func (p *logPane) cycleLevel() {
	p.minLevel = (p.minLevel + 1) % (log.LevelError + 1)
}

// view renders the last lines that fit in height, truncated to width.
func (p *logPane) view(width, height int) string {
	inner := max(width-2, 10)
	rows := max(height-3, 1)

	var lines []string
	for _, entry := range p.entries {
		if levelOf(entry) >= p.minLevel {
			lines = append(lines, colorize(entry, inner))
		}
	}
	if len(lines) > rows {
		lines = lines[len(lines)-rows:]
	}
	if len(lines) == 0 {
		lines = []string{mutedStyle.Italic(true).Render("No logs to display")}
	}

	header := titleStyle.Render("Logs") + mutedStyle.Render(" ≥ "+p.minLevel.String())
	body := header + "\n" + strings.Join(lines, "\n")
	return logPaneStyle.Width(inner).Render(body)
}

func levelOf(entry string) log.Level {
	switch {
	case strings.Contains(entry, "[ERROR]"):
		return log.LevelError
	case strings.Contains(entry, "[WARN]"):
		return log.LevelWarn
	case strings.Contains(entry, "[INFO]"):
		return log.LevelInfo
	default:
		return log.LevelDebug
	}
}

func colorize(entry string, width int) string {
	level := levelOf(entry)
	entry = ansi.Truncate(entry, width, "...")

	var style lipgloss.Style
	switch level {
	case log.LevelError:
		style = errorLabel
	case log.LevelWarn:
		style = lipgloss.NewStyle().Foreground(warnColor)
	case log.LevelInfo:
		style = lipgloss.NewStyle().Foreground(accentColor)
	default:
		style = mutedStyle
	}
	return style.Render(entry)
}
