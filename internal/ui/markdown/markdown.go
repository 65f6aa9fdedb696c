// Package markdown renders worker responses for the console.
package markdown

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/reflow/wordwrap"
)

// noMarginStyle removes document margins so rendered blocks line up with
// the chat labels.
const noMarginStyle = `{
	"document": {
		"margin": 0,
		"block_prefix": "",
		"block_suffix": ""
	}
}`

// Renderer wraps glamour with a fixed style and width.
type Renderer struct {
	renderer *glamour.TermRenderer
	width    int
}

// New creates a renderer for style ("dark" or "light") wrapping at width.
func New(width int, style string) (*Renderer, error) {
	if style != "light" {
		style = "dark"
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithStylesFromJSONBytes([]byte(noMarginStyle)),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, err
	}
	return &Renderer{renderer: r, width: width}, nil
}

// Width returns the configured word wrap width.
func (r *Renderer) Width() int {
	return r.width
}

// Render transforms markdown to styled terminal output with surrounding
// blank lines trimmed.
func (r *Renderer) Render(md string) (string, error) {
	out, err := r.renderer.Render(md)
	if err != nil {
		return "", err
	}
	return strings.Trim(out, "\n"), nil
}

// Plain word-wraps text at width without markdown styling.
func Plain(text string, width int) string {
	if width <= 0 {
		return text
	}
	return wordwrap.String(text, width)
}
