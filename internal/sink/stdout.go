package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// StdoutSink prints outputs. Markdown is rendered with glamour when the
// writer is a terminal and printed verbatim otherwise.
type StdoutSink struct {
	w        io.Writer
	renderer *glamour.TermRenderer
	mu       sync.Mutex
}

// NewStdoutSink creates a sink writing to w (os.Stdout when nil).
func NewStdoutSink(w io.Writer) *StdoutSink {
	if w == nil {
		w = os.Stdout
	}
	s := &StdoutSink{w: w}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		width := 100
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 20 {
			width = cols - 2
		}
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err == nil {
			s.renderer = renderer
		}
	}
	return s
}

// Deliver prints the payload under a header naming the destination.
func (s *StdoutSink) Deliver(ctx context.Context, payload core.Output, dest core.Destination) error {
	body := payload.String()
	if payload.Kind == core.OutputMarkdown && s.renderer != nil {
		if rendered, err := s.renderer.Render(body); err == nil {
			body = rendered
		}
	}

	header := dest.String()
	if t := TargetFrom(ctx); t.TaskID != "" {
		header = fmt.Sprintf("%s (task %s, run %s)", header, t.TaskID, t.RunID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "==> %s\n%s\n", header, strings.TrimRight(body, "\n"))
	return err
}
