package state

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

func snapshot(id string, started time.Time, status core.RunStatus) *core.RunSnapshot {
	return &core.RunSnapshot{
		ID:         core.RunID(id),
		WorkflowID: "exchange-notice",
		Status:     status,
		Payload:    map[string]interface{}{"document_name": "notice.txt"},
		TaskOrder:  []core.TaskID{"extract", "write"},
		Tasks: map[core.TaskID]core.TaskState{
			"extract": {Status: core.TaskStatusSucceeded},
			"write":   {Status: core.TaskStatusSkipped},
		},
		StartedAt: started,
		EndedAt:   started.Add(time.Second),
	}
}

func stores(t *testing.T) map[string]core.RunStore {
	t.Helper()
	dir := t.TempDir()
	sqlite, err := NewSQLiteRunStore(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]core.RunStore{
		"sqlite": sqlite,
		"json":   NewJSONRunStore(filepath.Join(dir, "runs")),
	}
}

func TestRunStore_SaveGetList(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, snapshot("run-1", base, core.RunStatusSucceeded)))
			require.NoError(t, store.Save(ctx, snapshot("run-2", base.Add(time.Minute), core.RunStatusFailed)))
			require.NoError(t, store.Save(ctx, snapshot("run-3", base.Add(2*time.Minute), core.RunStatusSucceeded)))

			got, err := store.Get(ctx, "run-2")
			require.NoError(t, err)
			assert.Equal(t, core.RunStatusFailed, got.Status)
			assert.Equal(t, core.TaskStatusSkipped, got.Tasks["write"].Status)
			assert.Equal(t, "notice.txt", got.Payload["document_name"])
			assert.True(t, got.StartedAt.Equal(base.Add(time.Minute)))

			runs, err := store.List(ctx, 2)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, core.RunID("run-3"), runs[0].ID)
			assert.Equal(t, core.RunID("run-2"), runs[1].ID)

			all, err := store.List(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestRunStore_SaveReplaces(t *testing.T) {
	started := time.Now().UTC()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, snapshot("run-1", started, core.RunStatusRunning)))
			require.NoError(t, store.Save(ctx, snapshot("run-1", started, core.RunStatusCancelled)))

			got, err := store.Get(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, core.RunStatusCancelled, got.Status)

			runs, err := store.List(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, runs, 1)
		})
	}
}

func TestRunStore_NotFound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "missing")
			assert.True(t, core.IsCategory(err, core.ErrCatNotFound), "got %v", err)

			assert.Error(t, store.Save(context.Background(), &core.RunSnapshot{}))
		})
	}
}

func TestJSONRunStore_RejectsPathIDs(t *testing.T) {
	store := NewJSONRunStore(t.TempDir())
	err := store.Save(context.Background(), snapshot("../escape", time.Now(), core.RunStatusSucceeded))
	assert.Error(t, err)
}

func TestJSONRunStore_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	store := NewJSONRunStore(dir)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, snapshot("run-1", time.Now(), core.RunStatusSucceeded)))

	path := filepath.Join(dir, "run-1.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"succeeded"`, `"failed"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	_, err = store.Get(ctx, "run-1")
	assert.Equal(t, core.CodeChecksumMismatch, core.ErrorKind(err))
}

func TestJSONRunStore_ListMissingDir(t *testing.T) {
	store := NewJSONRunStore(filepath.Join(t.TempDir(), "never-created"))
	runs, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSQLiteRunStore_ReopenAndFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	store, err := NewSQLiteRunStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, snapshot("run-1", base, core.RunStatusSucceeded)))
	other := snapshot("run-2", base.Add(time.Hour), core.RunStatusSucceeded)
	other.WorkflowID = "daily-digest"
	require.NoError(t, store.Save(ctx, other))
	require.NoError(t, store.Close())

	store, err = NewSQLiteRunStore(path)
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.ListByWorkflow(ctx, "daily-digest", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, core.RunID("run-2"), runs[0].ID)

	n, err := store.Prune(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.Get(ctx, "run-1")
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}

func TestNewRunStore(t *testing.T) {
	dir := t.TempDir()

	store, err := NewRunStore(BackendSQLite, filepath.Join(dir, "runs.sqlite"))
	require.NoError(t, err)
	_, ok := store.(*SQLiteRunStore)
	assert.True(t, ok)
	assert.FileExists(t, filepath.Join(dir, "runs.db"))
	require.NoError(t, CloseRunStore(store))

	store, err = NewRunStore(BackendJSON, filepath.Join(dir, "archive.db"))
	require.NoError(t, err)
	js, ok := store.(*JSONRunStore)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "archive"), js.dir)
	assert.NoError(t, CloseRunStore(store))

	store, err = NewRunStore(BackendNone, "")
	require.NoError(t, err)
	assert.Nil(t, store)

	_, err = NewRunStore("postgres", "x")
	assert.Error(t, err)
}
