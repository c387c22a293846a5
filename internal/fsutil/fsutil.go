// Package fsutil reads user-supplied files without following paths out of
// their directory.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MaxDocumentBytes caps the size of a trigger document.
const MaxDocumentBytes = 16 << 20

// ErrTooLarge is returned when a file exceeds the requested limit.
var ErrTooLarge = errors.New("file too large")

// ReadFileScoped reads a file by opening a root at the file's directory,
// so symlinks cannot lead the read elsewhere.
func ReadFileScoped(path string) ([]byte, error) {
	return ReadFileLimited(path, 0)
}

// ReadFileLimited is ReadFileScoped with a size cap. A non-positive limit
// reads the whole file.
func ReadFileLimited(path string, limit int64) ([]byte, error) {
	cleaned := filepath.Clean(path)
	dir := filepath.Dir(cleaned)
	base := filepath.Base(cleaned)
	if path == "" || base == "." || base == string(filepath.Separator) {
		return nil, fmt.Errorf("invalid file path: %q", path)
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	file, err := root.Open(base)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if limit <= 0 {
		return io.ReadAll(file)
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s: %w (limit %d bytes)", path, ErrTooLarge, limit)
	}
	return data, nil
}
