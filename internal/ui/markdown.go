package ui

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// RenderMarkdown renders md for the terminal, wrapped at width columns.
// Without color it uses the plain style; on renderer failure md is returned
// unchanged.
func RenderMarkdown(md string, width int) string {
	style := glamour.WithAutoStyle()
	if !ShouldUseColor() {
		style = glamour.WithStandardStyle("notty")
	}
	r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n") + "\n"
}
