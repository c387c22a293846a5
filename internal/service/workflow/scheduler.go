package workflow

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/logging"
	"github.com/hugo-lorenzo-mato/reqflow/internal/trigger"
)

// Scheduler turns queued run requests into engine runs, at most
// maxRuns at a time.
type Scheduler struct {
	engine   *Engine
	requests <-chan trigger.RunRequest
	maxRuns  int
	onFinish func(trigger.RunRequest, *core.RunContext)
	logger   *logging.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRunFinished registers a callback invoked after every run completes.
func WithRunFinished(fn func(trigger.RunRequest, *core.RunContext)) SchedulerOption {
	return func(s *Scheduler) {
		s.onFinish = fn
	}
}

// NewScheduler creates a scheduler reading from requests.
func NewScheduler(engine *Engine, requests <-chan trigger.RunRequest, maxRuns int, logger *logging.Logger, opts ...SchedulerOption) *Scheduler {
	if maxRuns <= 0 {
		maxRuns = core.DefaultMaxConcurrentRuns
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Scheduler{
		engine:   engine,
		requests: requests,
		maxRuns:  maxRuns,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run consumes requests until ctx is done or the queue is closed, then waits
// for the runs in flight. Cancelling ctx cancels those runs.
func (s *Scheduler) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(s.maxRuns)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-s.requests:
			if !ok {
				return nil
			}
			wf, err := s.engine.Catalog().Workflow(req.WorkflowID)
			if err != nil {
				s.logger.Error("dropping run request", "workflow_id", req.WorkflowID, "key", req.Key, "error", err)
				continue
			}
			runID := core.RunID(uuid.NewString())
			s.logger.Info("starting run", "workflow_id", wf.ID, "run_id", runID, "key", req.Key, "source", req.Event.Source)

			// Blocks while maxRuns runs are in flight, which backs pressure onto the listener queue.
			g.Go(func() error {
				run, err := s.engine.Run(ctx, wf, req.Payload, WithRunID(runID))
				if err != nil {
					s.logger.Error("run rejected", "workflow_id", wf.ID, "run_id", runID, "error", err)
				}
				if s.onFinish != nil && run != nil {
					s.onFinish(req, run)
				}
				return nil
			})
		}
	}
}
