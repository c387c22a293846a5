package state

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// Backend names accepted by NewRunStore.
const (
	BackendSQLite = "sqlite"
	BackendJSON   = "json"
	BackendNone   = "none"
)

// NewRunStore creates the archive for backend at path. The none backend
// returns a nil store, which the engine treats as archiving disabled.
func NewRunStore(backend, path string) (core.RunStore, error) {
	switch backend {
	case BackendSQLite, "":
		// Ensure path has .db extension for SQLite
		if !strings.HasSuffix(path, ".db") {
			path = strings.TrimSuffix(path, filepath.Ext(path)) + ".db"
		}
		return NewSQLiteRunStore(path)
	case BackendJSON:
		// The JSON backend keeps a directory of run files next to the configured path.
		return NewJSONRunStore(strings.TrimSuffix(path, filepath.Ext(path))), nil
	case BackendNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

// Closeable is an optional interface for stores that need cleanup.
type Closeable interface {
	Close() error
}

// CloseRunStore closes the store if it holds resources.
func CloseRunStore(store core.RunStore) error {
	if closeable, ok := store.(Closeable); ok {
		return closeable.Close()
	}
	return nil
}
