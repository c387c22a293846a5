// Package state archives finished runs so they can be listed and inspected
// after the process that executed them has exited.
package state

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

//go:embed migrations/001_runs.sql
var migrationV1 string

// SQLiteRunStore implements core.RunStore with SQLite storage.
type SQLiteRunStore struct {
	dbPath string
	db     *sql.DB
	mu     sync.Mutex
}

// NewSQLiteRunStore opens (or creates) the archive at dbPath.
func NewSQLiteRunStore(dbPath string) (*SQLiteRunStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	// WAL lets the API read while the engine archives.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &SQLiteRunStore{dbPath: dbPath, db: db}

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteRunStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteRunStore) migrate() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Save upserts the snapshot. Saving the same run twice keeps the latest copy.
func (s *SQLiteRunStore) Save(ctx context.Context, run *core.RunSnapshot) error {
	if run == nil || run.ID == "" {
		return core.ErrState(core.CodeInvalidState, "cannot archive a run without an id")
	}
	data, checksum, err := encodeSnapshot(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, workflow_id, status, error_kind, started_at, ended_at, snapshot, checksum, saved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			status = excluded.status,
			error_kind = excluded.error_kind,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			snapshot = excluded.snapshot,
			checksum = excluded.checksum,
			saved_at = excluded.saved_at
	`,
		string(run.ID), string(run.WorkflowID), string(run.Status),
		nullableString(run.ErrorKind), run.StartedAt.UTC(), nullableTime(run.EndedAt),
		string(data), checksum, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// Get returns the archived run, verifying its checksum.
func (s *SQLiteRunStore) Get(ctx context.Context, id core.RunID) (*core.RunSnapshot, error) {
	var data, checksum string
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot, checksum FROM runs WHERE id = ?", string(id)).Scan(&data, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound("run", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", id, err)
	}
	return decodeSnapshot([]byte(data), checksum)
}

// List returns up to limit runs, most recently started first. A non-positive
// limit returns every run.
func (s *SQLiteRunStore) List(ctx context.Context, limit int) ([]*core.RunSnapshot, error) {
	query := "SELECT snapshot, checksum FROM runs ORDER BY started_at DESC, id DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// ListByWorkflow returns up to limit runs of one workflow, most recent first.
func (s *SQLiteRunStore) ListByWorkflow(ctx context.Context, workflowID core.WorkflowID, limit int) ([]*core.RunSnapshot, error) {
	query := "SELECT snapshot, checksum FROM runs WHERE workflow_id = ? ORDER BY started_at DESC, id DESC"
	args := []interface{}{string(workflowID)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// Prune deletes runs that started before cutoff and returns how many were removed.
func (s *SQLiteRunStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE started_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteRunStore) query(ctx context.Context, query string, args ...interface{}) ([]*core.RunSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*core.RunSnapshot
	for rows.Next() {
		var data, checksum string
		if err := rows.Scan(&data, &checksum); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		snap, err := decodeSnapshot([]byte(data), checksum)
		if err != nil {
			return nil, err
		}
		runs = append(runs, snap)
	}
	return runs, rows.Err()
}

func encodeSnapshot(run *core.RunSnapshot) ([]byte, string, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling run %s: %w", run.ID, err)
	}
	return data, checksumOf(data), nil
}

func decodeSnapshot(data []byte, checksum string) (*core.RunSnapshot, error) {
	if checksum != "" && checksumOf(data) != checksum {
		return nil, core.ErrState(core.CodeChecksumMismatch, "archived run is corrupted: checksum mismatch")
	}
	var snap core.RunSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshaling run: %w", err)
	}
	return &snap, nil
}

func checksumOf(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
