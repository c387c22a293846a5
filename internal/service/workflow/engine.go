// Package workflow executes workflow runs. The engine schedules a workflow's
// task graph in waves, runs each task through its agent, then delivers the
// terminal outputs and sends the run's single notification.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/reqflow/internal/agentcontext"
	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/events"
	"github.com/hugo-lorenzo-mato/reqflow/internal/invoker"
	"github.com/hugo-lorenzo-mato/reqflow/internal/logging"
	"github.com/hugo-lorenzo-mato/reqflow/internal/memory"
	"github.com/hugo-lorenzo-mato/reqflow/internal/notify"
	"github.com/hugo-lorenzo-mato/reqflow/internal/service"
)

// Config holds engine tuning.
type Config struct {
	MaxParallel       int
	TaskTimeout       time.Duration
	ValidationRetries int
	Retry             *service.RetryPolicy
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxParallel:       core.DefaultMaxParallel,
		TaskTimeout:       5 * time.Minute,
		ValidationRetries: core.DefaultValidationRetries,
		Retry:             service.DefaultRetryPolicy(),
	}
}

// Deps are the collaborators of an Engine. Catalog and Invoker are required.
type Deps struct {
	Config   *Config
	Catalog  *core.Catalog
	Invoker  *invoker.Invoker
	Builder  *agentcontext.Builder
	Sinks    core.Sink
	Notifier *notify.Dispatcher
	Store    core.RunStore
	Bus      *events.EventBus
	Logger   *logging.Logger
}

// Engine runs workflows. One Engine serves any number of concurrent runs.
type Engine struct {
	cfg      *Config
	catalog  *core.Catalog
	invoker  *invoker.Invoker
	builder  *agentcontext.Builder
	sinks    core.Sink
	notifier *notify.Dispatcher
	store    core.RunStore
	bus      *events.EventBus
	logger   *logging.Logger

	mu     sync.Mutex
	active map[core.RunID]*activeRun
}

type activeRun struct {
	run    *core.RunContext
	cancel context.CancelFunc
}

// NewEngine creates an engine from deps.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Catalog == nil {
		return nil, errors.New("workflow engine: catalog is required")
	}
	if deps.Invoker == nil {
		return nil, errors.New("workflow engine: invoker is required")
	}
	if deps.Config == nil {
		deps.Config = DefaultConfig()
	}
	if deps.Config.Retry == nil {
		deps.Config.Retry = service.DefaultRetryPolicy()
	}
	if deps.Config.MaxParallel <= 0 {
		deps.Config.MaxParallel = core.DefaultMaxParallel
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Builder == nil {
		deps.Builder = agentcontext.NewBuilder(nil, deps.Logger)
	}

	return &Engine{
		cfg:      deps.Config,
		catalog:  deps.Catalog,
		invoker:  deps.Invoker,
		builder:  deps.Builder,
		sinks:    deps.Sinks,
		notifier: deps.Notifier,
		store:    deps.Store,
		bus:      deps.Bus,
		logger:   deps.Logger,
		active:   make(map[core.RunID]*activeRun),
	}, nil
}

// Catalog returns the definitions the engine runs.
func (e *Engine) Catalog() *core.Catalog {
	return e.catalog
}

type runOptions struct {
	runID   core.RunID
	metrics *service.MetricsCollector
}

// RunOption configures a single run.
type RunOption func(*runOptions)

// WithRunID fixes the id of the run instead of generating one.
func WithRunID(id core.RunID) RunOption {
	return func(o *runOptions) {
		o.runID = id
	}
}

// WithMetrics collects the run's token usage and timings into m.
func WithMetrics(m *service.MetricsCollector) RunOption {
	return func(o *runOptions) {
		o.metrics = m
	}
}

// Run executes wf once with the given trigger payload and returns the terminal run.
// Task failures are reported through the run status. The error is non-nil only
// when the definition was rejected before any agent was called; the run is
// still finalized as failed and its failure notification sent.
func (e *Engine) Run(ctx context.Context, wf *core.WorkflowDefinition, payload map[string]interface{}, opts ...RunOption) (*core.RunContext, error) {
	o := runOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = core.RunID(uuid.NewString())
	}
	if o.metrics == nil {
		o.metrics = service.NewMetricsCollector()
	}
	if wf == nil {
		return nil, core.ErrDefinition(core.CodeInvalidDefinition, "workflow definition is nil")
	}

	run := core.NewRunContext(o.runID, wf.ID, wf.TaskIDs(), payload)
	logger := e.logger.WithRun(string(run.ID), string(wf.ID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.track(run, cancel)
	defer e.untrack(run.ID)

	run.Start()
	o.metrics.StartRun()
	e.publish(events.NewRunStartedEvent(string(wf.ID), string(run.ID), len(wf.Tasks)))
	logger.Info("run started", "tasks", len(wf.Tasks))

	graph, err := CheckDefinition(e.catalog, wf)
	if err != nil {
		logger.Error("workflow definition rejected", "error", err, "error_kind", core.ErrorKind(err))
		run.SetFailure(err)
		for _, id := range wf.TaskIDs() {
			run.MarkSkipped(id, "workflow definition rejected")
		}
		e.finish(ctx, wf, run, core.RunStatusFailed, o.metrics, logger)
		return run, err
	}

	status := e.execute(runCtx, wf, graph, run, o.metrics, logger)
	e.finish(ctx, wf, run, status, o.metrics, logger)
	return run, nil
}

// execute runs ready tasks wave by wave until nothing is left to schedule.
func (e *Engine) execute(ctx context.Context, wf *core.WorkflowDefinition, graph *service.TaskGraph,
	run *core.RunContext, metrics *service.MetricsCollector, logger *logging.Logger) core.RunStatus {
	memories := memory.NewStore()

	for ctx.Err() == nil {
		ready := readyTasks(graph, run)
		if len(ready) == 0 {
			break
		}
		logger.Debug("scheduling wave", "ready", len(ready))

		var g errgroup.Group
		g.SetLimit(e.cfg.MaxParallel)
		for _, id := range ready {
			task, _ := graph.Task(id)
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				e.runTask(ctx, wf, task, run, memories, metrics, logger)
				return nil
			})
		}
		_ = g.Wait()

		for _, id := range ready {
			if run.TaskStatus(id) == core.TaskStatusFailed {
				e.skipDescendants(wf, graph, run, id, metrics)
			}
		}
	}

	// A cancellation that lands after the last wave changes nothing.
	if ctx.Err() != nil && hasPending(graph, run) {
		for _, id := range graph.Order() {
			if run.MarkSkipped(id, "run cancelled") {
				metrics.RecordSkipped(id)
				e.publish(events.NewTaskSkippedEvent(string(wf.ID), string(run.ID), string(id), "run cancelled"))
			}
		}
		run.SetFailure(core.ErrCancelled("run cancelled"))
		return core.RunStatusCancelled
	}

	if _, failure := run.Failure(); failure != nil {
		return core.RunStatusFailed
	}
	return core.RunStatusSucceeded
}

func hasPending(graph *service.TaskGraph, run *core.RunContext) bool {
	for _, id := range graph.Order() {
		if run.TaskStatus(id) == core.TaskStatusPending {
			return true
		}
	}
	return false
}

// readyTasks returns pending tasks whose dependencies have all succeeded, in execution order.
func readyTasks(graph *service.TaskGraph, run *core.RunContext) []core.TaskID {
	var ready []core.TaskID
	for _, id := range graph.Order() {
		if run.TaskStatus(id) != core.TaskStatusPending {
			continue
		}
		ok := true
		for _, dep := range graph.Dependencies(id) {
			if run.TaskStatus(dep) != core.TaskStatusSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

func (e *Engine) skipDescendants(wf *core.WorkflowDefinition, graph *service.TaskGraph, run *core.RunContext,
	failed core.TaskID, metrics *service.MetricsCollector) {
	reason := fmt.Sprintf("upstream task %s failed", failed)
	for _, id := range graph.Descendants(failed) {
		if run.MarkSkipped(id, reason) {
			metrics.RecordSkipped(id)
			e.publish(events.NewTaskSkippedEvent(string(wf.ID), string(run.ID), string(id), reason))
		}
	}
}

// finish delivers outputs, seals the run, notifies once and archives it.
// It runs even when ctx is cancelled so a cancelled run is still reported.
func (e *Engine) finish(ctx context.Context, wf *core.WorkflowDefinition, run *core.RunContext,
	status core.RunStatus, metrics *service.MetricsCollector, logger *logging.Logger) {
	ctx = context.WithoutCancel(ctx)

	e.deliver(ctx, wf, run, logger)
	run.Finish(status)
	metrics.EndRun()

	if e.notifier != nil {
		if rec := e.notifier.Dispatch(ctx, wf.Notification, run); rec != nil {
			eventType := events.TypeNotificationSent
			var err error
			if rec.Error != "" {
				eventType = events.TypeNotificationFailed
				err = errors.New(rec.Error)
			}
			e.publish(events.NewDeliveryEvent(eventType, string(wf.ID), string(run.ID), "", rec.Channel, err))
		}
	}

	snap := run.Snapshot()
	if e.store != nil {
		if err := e.store.Save(ctx, snap); err != nil {
			logger.Error("failed to archive run", "error", err)
		}
	}

	counts := run.Counts()
	finished := events.NewRunFinishedEvent(string(wf.ID), string(run.ID), string(status), run.Duration())
	finished.FailedTask = string(snap.FailedTask)
	finished.ErrorKind = snap.ErrorKind
	finished.Error = snap.Error
	finished.Succeeded = counts[core.TaskStatusSucceeded]
	finished.Failed = counts[core.TaskStatusFailed]
	finished.Skipped = counts[core.TaskStatusSkipped]
	e.publish(finished)

	rm := metrics.RunMetrics()
	logger.Info("run finished",
		"status", status,
		"duration", run.Duration(),
		"succeeded", finished.Succeeded,
		"failed", finished.Failed,
		"skipped", finished.Skipped,
		"tokens_in", rm.TotalTokensIn,
		"tokens_out", rm.TotalTokensOut,
	)
}

// Cancel stops scheduling new tasks of an active run. In-flight attempts finish.
func (e *Engine) Cancel(id core.RunID) error {
	e.mu.Lock()
	ar, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return &core.DomainError{
			Category: core.ErrCatNotFound,
			Code:     core.CodeRunNotFound,
			Message:  "no active run " + string(id),
		}
	}
	e.logger.Info("cancelling run", "run_id", id)
	ar.cancel()
	return nil
}

// Active returns snapshots of the runs in progress, oldest first.
func (e *Engine) Active() []*core.RunSnapshot {
	e.mu.Lock()
	runs := make([]*core.RunContext, 0, len(e.active))
	for _, ar := range e.active {
		runs = append(runs, ar.run)
	}
	e.mu.Unlock()

	out := make([]*core.RunSnapshot, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Lookup returns the live snapshot of an active run.
func (e *Engine) Lookup(id core.RunID) (*core.RunSnapshot, bool) {
	e.mu.Lock()
	ar, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	return ar.run.Snapshot(), true
}

func (e *Engine) track(run *core.RunContext, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[run.ID] = &activeRun{run: run, cancel: cancel}
}

func (e *Engine) untrack(id core.RunID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, id)
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
