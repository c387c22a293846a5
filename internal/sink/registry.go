// Package sink delivers a workflow's terminal outputs outside the engine.
package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// Registry routes deliveries to sinks by name.
type Registry struct {
	sinks map[string]core.Sink
	mu    sync.RWMutex
}

// NewRegistry creates an empty sink registry.
func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]core.Sink)}
}

// Register binds a sink name.
func (r *Registry) Register(name string, s core.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = s
}

// Get returns the sink registered under name.
func (r *Registry) Get(name string) (core.Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[name]
	return s, ok
}

// Names returns the registered sink names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Deliver implements core.Sink by routing on dest.Sink.
func (r *Registry) Deliver(ctx context.Context, payload core.Output, dest core.Destination) error {
	s, ok := r.Get(dest.Sink)
	if !ok {
		return core.ErrFatal(core.CodeSinkFailed, fmt.Sprintf("sink %q is not configured", dest.Sink))
	}
	if err := s.Deliver(ctx, payload, dest); err != nil {
		return core.ErrFatal(core.CodeSinkFailed, fmt.Sprintf("delivering to %s", dest)).WithCause(err)
	}
	return nil
}

type targetKey struct{}

// Target carries the values a sink target template can reference.
type Target struct {
	RunID      core.RunID
	WorkflowID core.WorkflowID
	TaskID     core.TaskID
}

// WithTarget attaches delivery identifiers to ctx for target templating.
func WithTarget(ctx context.Context, t Target) context.Context {
	return context.WithValue(ctx, targetKey{}, t)
}

// TargetFrom returns the identifiers attached by WithTarget.
func TargetFrom(ctx context.Context) Target {
	t, _ := ctx.Value(targetKey{}).(Target)
	return t
}

func (t Target) fields() map[string]interface{} {
	return map[string]interface{}{
		"run_id":      string(t.RunID),
		"workflow_id": string(t.WorkflowID),
		"task_id":     string(t.TaskID),
	}
}
