package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/events"
	"github.com/hugo-lorenzo-mato/reqflow/internal/invoker"
	"github.com/hugo-lorenzo-mato/reqflow/internal/logging"
	"github.com/hugo-lorenzo-mato/reqflow/internal/memory"
	"github.com/hugo-lorenzo-mato/reqflow/internal/service"
	"github.com/hugo-lorenzo-mato/reqflow/internal/validation"
)

// taskRun is the state of one task execution across its attempts.
// It is only touched by the goroutine running the task.
type taskRun struct {
	task    *core.TaskDefinition
	agent   *core.AgentDefinition
	input   string
	mem     *memory.Buffer
	timeout time.Duration

	corrections     []core.Turn
	transientUsed   int
	validationUsed  int
	usage           service.Usage
	lastResponseRaw string
}

// runTask executes one task to a terminal status. It never returns an error:
// the outcome is recorded on run.
func (e *Engine) runTask(ctx context.Context, wf *core.WorkflowDefinition, task *core.TaskDefinition,
	run *core.RunContext, memories *memory.Store, metrics *service.MetricsCollector, logger *logging.Logger) {
	logger = logger.WithTask(string(task.ID)).WithAgent(string(task.Agent))

	if err := run.MarkRunning(task.ID); err != nil {
		logger.Error("task not startable", "error", err)
		return
	}
	metrics.StartTask(task.ID, task.Agent)
	started := time.Now()

	agent, err := e.catalog.Agent(task.Agent)
	if err != nil {
		e.failTask(wf, run, task, err, metrics, nil, logger)
		return
	}
	input, err := ResolveInput(task, run)
	if err != nil {
		e.failTask(wf, run, task, err, metrics, nil, logger)
		return
	}

	tr := &taskRun{
		task:    task,
		agent:   agent,
		input:   input,
		mem:     memories.For(agent),
		timeout: task.Timeout,
	}
	if tr.timeout <= 0 {
		tr.timeout = e.cfg.TaskTimeout
	}

	policy := e.cfg.Retry.Override(task.Retry)
	validationRetries := e.cfg.ValidationRetries
	var output core.Output

	attempt := func(ctx context.Context, _ int) error {
		n := run.RecordAttempt(task.ID)
		e.publish(events.NewTaskStartedEvent(string(wf.ID), string(run.ID), string(task.ID), string(task.Agent), n))
		logger.Debug("task attempt", "attempt", n)

		out, err := e.attempt(ctx, tr)
		if err != nil {
			return err
		}
		output = out
		return nil
	}

	hooks := service.RetryHooks{
		MaxAttempts: 1 + policy.MaxRetries + validationRetries,
		ShouldRetry: func(_ int, err error) bool {
			if ctx.Err() != nil || !core.IsRetryable(err) {
				return false
			}
			if core.IsValidationError(err) {
				if tr.validationUsed >= validationRetries {
					return false
				}
				tr.validationUsed++
				tr.addCorrection(err)
				return true
			}
			if tr.transientUsed >= policy.MaxRetries {
				return false
			}
			tr.transientUsed++
			return true
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			metrics.RecordRetry(task.ID)
			corrective := core.IsValidationError(err)
			logger.Warn("retrying task",
				"attempt", attempt,
				"error", err,
				"error_kind", core.ErrorKind(err),
				"delay", delay,
				"corrective", corrective,
			)
			e.publish(events.NewTaskRetryEvent(string(wf.ID), string(run.ID), string(task.ID),
				attempt, err, core.ErrorKind(err), delay, corrective))
		},
	}

	if err := policy.ExecuteWithHooks(ctx, attempt, hooks); err != nil {
		if errors.Is(err, context.Canceled) {
			err = core.ErrCancelled("run cancelled before task " + string(task.ID) + " finished").WithCause(err)
		}
		e.failTask(wf, run, task, err, metrics, &tr.usage, logger)
		return
	}

	if err := run.MarkSucceeded(task.ID, output); err != nil {
		logger.Error("failed to record task output", "error", err)
		return
	}
	if tr.mem != nil {
		tr.mem.AppendExchange(input, output.Raw())
	}
	metrics.EndTask(task.ID, &tr.usage, nil)

	state, _ := run.Task(task.ID)
	e.publish(events.NewTaskCompletedEvent(string(wf.ID), string(run.ID), string(task.ID),
		state.Attempts, time.Since(started), tr.usage.TokensIn, tr.usage.TokensOut))
	logger.Info("task succeeded", "attempts", state.Attempts, "duration", time.Since(started))
}

// attempt builds the context, invokes the agent and validates its answer.
// The attempt runs detached from run cancellation and bounded by the task timeout.
func (e *Engine) attempt(ctx context.Context, tr *taskRun) (core.Output, error) {
	actx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if tr.timeout > 0 {
		actx, cancel = context.WithTimeout(actx, tr.timeout)
	}
	defer cancel()

	built, err := e.builder.Build(actx, tr.agent, tr.input, tr.mem, tr.corrections...)
	if err != nil {
		return core.Output{}, tr.timeoutError(actx, err)
	}

	res, err := e.invoker.Invoke(actx, tr.agent, built.System.Content, built.Conversation())
	if res != nil {
		tr.record(res)
	}
	if err != nil {
		return core.Output{}, tr.timeoutError(actx, err)
	}

	tr.lastResponseRaw = res.Text
	return validation.Validate(res.Text, tr.agent.Output)
}

func (tr *taskRun) record(res *invoker.Result) {
	tr.usage.TokensIn += res.TokensIn
	tr.usage.TokensOut += res.TokensOut
	tr.usage.ToolCalls += res.ToolCalls
}

// addCorrection replays the rejected answer followed by a user turn naming what was wrong.
func (tr *taskRun) addCorrection(err error) {
	if tr.lastResponseRaw != "" {
		tr.corrections = append(tr.corrections, core.Turn{
			Role:    core.RoleAssistant,
			Kind:    core.TurnCorrect,
			Content: tr.lastResponseRaw,
		})
	}
	tr.corrections = append(tr.corrections, core.Turn{
		Role:    core.RoleUser,
		Kind:    core.TurnCorrect,
		Content: validation.CorrectionPrompt(err),
	})
}

// timeoutError maps an attempt that ran out of time to a task timeout.
func (tr *taskRun) timeoutError(actx context.Context, err error) error {
	if tr.timeout > 0 && errors.Is(actx.Err(), context.DeadlineExceeded) {
		var retrievalTimeout *core.RetrievalTimeoutError
		if errors.As(err, &retrievalTimeout) {
			return err
		}
		return &core.TaskTimeoutError{Task: tr.task.ID, Timeout: tr.timeout}
	}
	return err
}

func (e *Engine) failTask(wf *core.WorkflowDefinition, run *core.RunContext, task *core.TaskDefinition,
	err error, metrics *service.MetricsCollector, usage *service.Usage, logger *logging.Logger) {
	run.MarkFailed(task.ID, err)
	metrics.EndTask(task.ID, usage, err)

	state, _ := run.Task(task.ID)
	e.publish(events.NewTaskFailedEvent(string(wf.ID), string(run.ID), string(task.ID),
		core.ErrorKind(err), err, state.Attempts))
	logger.Error("task failed", "error", err, "error_kind", core.ErrorKind(err), "attempts", state.Attempts)
}
