package trigger

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/events"
	"github.com/hugo-lorenzo-mato/reqflow/internal/logging"
)

// DefaultQueueSize bounds the number of run requests waiting for the scheduler.
const DefaultQueueSize = 64

// Config configures a Listener.
type Config struct {
	QueueSize   int
	DedupWindow int
}

// Option configures a Listener.
type Option func(*Listener)

// WithDropAlert registers a callback invoked for every request dropped
// because the queue was full.
func WithDropAlert(fn func(RunRequest)) Option {
	return func(l *Listener) { l.onDrop = fn }
}

// WithEventBus publishes trigger decisions on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(l *Listener) { l.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Listener receives events, deduplicates them and queues run requests for
// every workflow whose trigger matches. Publishing never blocks: when the
// queue is full the request is dropped and reported.
type Listener struct {
	catalog *core.Catalog
	dedup   *Deduper
	queue   chan RunRequest
	onDrop  func(RunRequest)
	bus     *events.EventBus
	logger  *logging.Logger

	dropped  atomic.Int64
	accepted atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewListener creates a listener over the workflows of catalog.
func NewListener(catalog *core.Catalog, cfg Config, opts ...Option) *Listener {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	l := &Listener{
		catalog: catalog,
		dedup:   NewDeduper(cfg.DedupWindow),
		queue:   make(chan RunRequest, cfg.QueueSize),
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Requests is the queue the scheduler consumes. It is closed by Close.
func (l *Listener) Requests() <-chan RunRequest {
	return l.queue
}

// Publish routes an event to every matching workflow.
// An error is returned only when a matching run could not be queued.
func (l *Listener) Publish(e Event) (PublishResult, error) {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}

	var targets []core.WorkflowID
	for _, wf := range l.catalog.ListWorkflows() {
		if Matches(wf.Trigger, e) {
			targets = append(targets, wf.ID)
		}
	}
	return l.enqueue(e, "", targets)
}

// Submit starts a workflow directly, as the API and CLI do.
// The same key within the dedup window starts at most one run. Without a
// key every submission is a new run, even with an identical payload.
func (l *Listener) Submit(workflowID core.WorkflowID, key string, payload map[string]interface{}) (PublishResult, error) {
	if _, err := l.catalog.Workflow(workflowID); err != nil {
		return PublishResult{}, err
	}
	if key == "" {
		key = uuid.NewString()
	}
	e := Event{
		Source:     core.SourceManual,
		Key:        key,
		Metadata:   map[string]string{"workflow_id": string(workflowID)},
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
	return l.enqueue(e, string(workflowID), []core.WorkflowID{workflowID})
}

// scope narrows deduplication, so equal manual keys for different workflows do not collide.
func (l *Listener) enqueue(e Event, scope string, targets []core.WorkflowID) (PublishResult, error) {
	key := e.IdempotencyKey()
	seenKey := dedupKey(e.Source, scope, key)
	result := PublishResult{Key: key}
	if len(targets) == 0 {
		l.logger.Debug("event matched no workflow", "source", e.Source, "key", key)
		return result, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return result, core.ErrExecution(core.CodeQueueFull, "trigger listener is closed")
	}

	if l.dedup.Observe(seenKey) {
		result.Duplicate = true
		l.logger.Info("duplicate event ignored", "source", e.Source, "key", key)
		for _, wf := range targets {
			l.emit(events.TypeTriggerDuplicate, wf, e.Source, key, "")
		}
		return result, nil
	}

	for _, wf := range targets {
		req := RunRequest{WorkflowID: wf, Key: key, Event: e, Payload: e.RunPayload()}
		select {
		case l.queue <- req:
			result.Queued = append(result.Queued, wf)
			l.accepted.Add(1)
			l.emit(events.TypeTriggerAccepted, wf, e.Source, key, "")
		default:
			result.Dropped = append(result.Dropped, wf)
			l.dropped.Add(1)
			l.logger.Warn("run queue full, dropping trigger", "workflow_id", wf, "source", e.Source, "key", key)
			l.emit(events.TypeTriggerDropped, wf, e.Source, key, "queue full")
			if l.onDrop != nil {
				l.onDrop(req)
			}
		}
	}

	if len(result.Dropped) > 0 {
		if len(result.Queued) == 0 {
			// Nothing ran, so a redelivery of the same event must be accepted.
			l.dedup.Forget(seenKey)
		}
		return result, core.ErrExecution(core.CodeQueueFull,
			fmt.Sprintf("run queue full; dropped %s", joinWorkflows(result.Dropped)))
	}
	return result, nil
}

func (l *Listener) emit(eventType string, wf core.WorkflowID, source, key, reason string) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(events.NewTriggerEvent(eventType, string(wf), source, key, reason))
}

// Dropped returns the number of run requests dropped because the queue was full.
func (l *Listener) Dropped() int64 {
	return l.dropped.Load()
}

// Accepted returns the number of run requests queued.
func (l *Listener) Accepted() int64 {
	return l.accepted.Load()
}

// Pending returns the number of queued requests not yet consumed.
func (l *Listener) Pending() int {
	return len(l.queue)
}

// Close stops accepting events and closes the request queue.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.queue)
}

func dedupKey(source, scope, key string) string {
	return source + "\x00" + scope + "\x00" + key
}

func joinWorkflows(ids []core.WorkflowID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}
