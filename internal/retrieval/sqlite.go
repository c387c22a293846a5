// Package retrieval implements the knowledge-store clients agents query for
// reference passages.
package retrieval

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

//go:embed migrations/001_passages.sql
var migrationV1 string

// SQLiteStore is a local knowledge store. Passages are ranked by term-frequency
// cosine similarity against the query.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating knowledge store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening knowledge store: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
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

// AddPassage stores or replaces a passage of a collection.
func (s *SQLiteStore) AddPassage(ctx context.Context, collection, sourceID, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO passages (collection, source_id, text) VALUES (?, ?, ?)
		ON CONFLICT(collection, source_id) DO UPDATE SET text = excluded.text`,
		collection, sourceID, text)
	if err != nil {
		return fmt.Errorf("storing passage %s/%s: %w", collection, sourceID, err)
	}
	return nil
}

// Search returns passages of collection scoring at least threshold, best first.
func (s *SQLiteStore) Search(ctx context.Context, collection, query string, threshold float64) ([]core.RetrievedPassage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT source_id, text FROM passages WHERE collection = ?", collection)
	if err != nil {
		return nil, fmt.Errorf("querying collection %q: %w", collection, err)
	}
	defer rows.Close()

	qv := vectorize(query)
	results := make([]core.RetrievedPassage, 0)
	for rows.Next() {
		var sourceID, text string
		if err := rows.Scan(&sourceID, &text); err != nil {
			return nil, fmt.Errorf("reading passage: %w", err)
		}
		score := cosine(qv, vectorize(text))
		if score < threshold {
			continue
		}
		results = append(results, core.RetrievedPassage{
			Collection: collection,
			Score:      score,
			Text:       text,
			SourceID:   sourceID,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading passages: %w", err)
	}

	core.SortPassages(results)
	return results, nil
}

// Count returns the number of passages in a collection.
func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM passages WHERE collection = ?", collection).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
