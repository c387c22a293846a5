package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/render"
)

// DefaultFileTarget names output files when a destination declares no target.
const DefaultFileTarget = "{{workflow_id}}/{{run_id}}/{{task_id}}"

// FileSink writes outputs under a base directory. Each write is atomic, so a
// reader never sees a partially written document.
type FileSink struct {
	dir string
}

// NewFileSink creates a sink rooted at dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

// Path resolves the file a delivery writes to. Relative targets stay inside
// the sink directory; the output's extension is added when the target has none.
func (s *FileSink) Path(ctx context.Context, payload core.Output, dest core.Destination) (string, error) {
	tmpl := dest.Target
	if tmpl == "" {
		tmpl = DefaultFileTarget
	}
	rel := render.Render(tmpl, TargetFrom(ctx).fields())
	if strings.Contains(rel, "{{") {
		return "", fmt.Errorf("unresolved placeholder in target %q", tmpl)
	}
	if filepath.Ext(rel) == "" {
		rel += payload.Extension()
	}

	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("target %q escapes the sink directory", rel)
	}
	return filepath.Join(s.dir, clean), nil
}

// Deliver writes the payload.
func (s *FileSink) Deliver(ctx context.Context, payload core.Output, dest core.Destination) error {
	path, err := s.Path(ctx, payload, dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := atomicWriteFile(path, payload.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
