package agent

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
)

const renderWidth = 100

// PrintResponse runs prompt and writes the response to w, rendered as
// terminal markdown when markdown is set.
func (a *Agent) PrintResponse(ctx context.Context, prompt string, w io.Writer, markdown bool) error {
	resp, err := a.Run(ctx, prompt)
	if err != nil {
		return err
	}
	return Render(w, resp.Content, markdown)
}

// Render writes content to w. Markdown that fails to render is written as is.
func Render(w io.Writer, content string, markdown bool) error {
	if markdown {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(renderWidth),
		)
		if err == nil {
			if out, err := renderer.Render(content); err == nil {
				_, err = io.WriteString(w, out)
				return err
			}
		}
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	_, err := fmt.Fprint(w, content)
	return err
}
