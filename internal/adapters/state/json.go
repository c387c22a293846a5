package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// JSONRunStore implements core.RunStore with one JSON file per run.
type JSONRunStore struct {
	dir string
	mu  sync.Mutex
}

// NewJSONRunStore creates a store writing into dir.
func NewJSONRunStore(dir string) *JSONRunStore {
	return &JSONRunStore{dir: dir}
}

// runEnvelope wraps a snapshot with integrity metadata.
type runEnvelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	SavedAt  time.Time       `json:"saved_at"`
	Run      json.RawMessage `json:"run"`
}

// Save writes the snapshot atomically, replacing any earlier copy.
func (s *JSONRunStore) Save(_ context.Context, run *core.RunSnapshot) error {
	if run == nil || run.ID == "" {
		return core.ErrState(core.CodeInvalidState, "cannot archive a run without an id")
	}
	path, err := s.path(run.ID)
	if err != nil {
		return err
	}
	data, checksum, err := encodeSnapshot(run)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(runEnvelope{
		Version:  1,
		Checksum: checksum,
		SavedAt:  time.Now().UTC(),
		Run:      data,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	if err := atomicWriteFile(path, body, 0o600); err != nil {
		return fmt.Errorf("writing run %s: %w", run.ID, err)
	}
	return nil
}

// Get loads one run.
func (s *JSONRunStore) Get(_ context.Context, id core.RunID) (*core.RunSnapshot, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	snap, err := readEnvelope(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, core.ErrNotFound("run", string(id))
	}
	return snap, err
}

// List returns up to limit runs, most recently started first.
func (s *JSONRunStore) List(_ context.Context, limit int) ([]*core.RunSnapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	var runs []*core.RunSnapshot
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		snap, err := readEnvelope(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		runs = append(runs, snap)
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *JSONRunStore) path(id core.RunID) (string, error) {
	name := string(id)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", core.ErrState(core.CodeInvalidState, fmt.Sprintf("invalid run id %q", name))
	}
	return filepath.Join(s.dir, name+".json"), nil
}

func readEnvelope(path string) (*core.RunSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env runEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	// The checksum covers the compact encoding; the file is indented.
	var run bytes.Buffer
	if err := json.Compact(&run, env.Run); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	return decodeSnapshot(run.Bytes(), env.Checksum)
}
