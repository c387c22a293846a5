package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/fsutil"
	"github.com/hugo-lorenzo-mato/reqflow/internal/logging"
)

// Publisher accepts trigger events. *Listener implements it.
type Publisher interface {
	Publish(e Event) (PublishResult, error)
}

// DirectorySource watches a directory and publishes an event for every
// document created or rewritten in it.
type DirectorySource struct {
	dir      string
	source   string
	pub      Publisher
	debounce time.Duration
	logger   *logging.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stop    chan struct{}
	done    chan struct{}
}

// NewDirectorySource creates a watcher for dir. Events carry the given source
// name, or "directory" when empty.
func NewDirectorySource(dir, source string, pub Publisher, logger *logging.Logger) *DirectorySource {
	if source == "" {
		source = core.SourceDirectory
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &DirectorySource{
		dir:      dir,
		source:   source,
		pub:      pub,
		debounce: 100 * time.Millisecond,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins watching. It returns once the watch is registered; events are
// handled in the background until ctx is done or Close is called.
func (d *DirectorySource) Start(ctx context.Context) error {
	if err := os.MkdirAll(d.dir, 0o750); err != nil {
		return fmt.Errorf("creating watch directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(d.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", d.dir, err)
	}
	d.watcher = watcher

	go d.loop(ctx)
	d.logger.Info("watching directory for documents", "dir", d.dir, "source", d.source)
	return nil
}

func (d *DirectorySource) loop(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || ignored(event.Name) {
				continue
			}
			op := "write"
			if event.Op&fsnotify.Create != 0 {
				op = "create"
			}
			d.schedule(event.Name, op)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("directory watcher error", "dir", d.dir, "error", err)
		}
	}
}

// schedule debounces bursts of writes to the same file into one event.
func (d *DirectorySource) schedule(path, op string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[path]; ok {
		t.Stop()
	}
	d.timers[path] = time.AfterFunc(d.debounce, func() {
		d.mu.Lock()
		delete(d.timers, path)
		d.mu.Unlock()
		d.emit(path, op)
	})
}

func (d *DirectorySource) emit(path, op string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	e, err := DocumentEvent(d.source, path, op)
	if err != nil {
		d.logger.Warn("reading document", "path", path, "error", err)
		return
	}
	res, err := d.pub.Publish(e)
	if err != nil {
		d.logger.Error("publishing document event", "path", path, "error", err)
		return
	}
	d.logger.Info("document event published",
		"path", path, "duplicate", res.Duplicate, "queued", len(res.Queued))
}

// DocumentEvent builds the event for a document file. The key combines the
// path with a content hash, so rewriting a file with the same bytes is a duplicate.
func DocumentEvent(source, path, op string) (Event, error) {
	content, err := fsutil.ReadFileLimited(path, fsutil.MaxDocumentBytes)
	if err != nil {
		return Event{}, err
	}
	sum := sha256.Sum256(content)
	name := filepath.Base(path)
	return Event{
		Source: source,
		Key:    path + "@" + hex.EncodeToString(sum[:8]),
		Metadata: map[string]string{
			"path": path,
			"name": name,
			"ext":  strings.TrimPrefix(filepath.Ext(name), "."),
			"op":   op,
		},
		Payload: map[string]interface{}{
			"document_name": name,
			"document_text": string(content),
		},
		ReceivedAt: time.Now(),
	}, nil
}

// ignored skips hidden files and editor temporaries.
func ignored(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".swp")
}

// Close stops the watcher and waits for the event loop to exit.
func (d *DirectorySource) Close() error {
	if d.watcher == nil {
		return nil
	}
	select {
	case <-d.stop:
		return nil
	default:
		close(d.stop)
	}
	err := d.watcher.Close()
	<-d.done

	d.mu.Lock()
	for _, t := range d.timers {
		t.Stop()
	}
	d.mu.Unlock()
	return err
}
