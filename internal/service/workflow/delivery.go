package workflow

import (
	"context"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/events"
	"github.com/hugo-lorenzo-mato/reqflow/internal/logging"
	"github.com/hugo-lorenzo-mato/reqflow/internal/sink"
)

// deliver sends each succeeded task's output to its sink destinations, once
// per distinct destination. Failures are recorded on the run and never change its status.
func (e *Engine) deliver(ctx context.Context, wf *core.WorkflowDefinition, run *core.RunContext, logger *logging.Logger) {
	for i := range wf.Tasks {
		task := &wf.Tasks[i]
		dests := task.Sinks()
		if len(dests) == 0 {
			continue
		}
		out, ok := run.Output(task.ID)
		if !ok {
			continue
		}

		seen := make(map[string]bool, len(dests))
		for _, dest := range dests {
			key := dest.String()
			if seen[key] {
				continue
			}
			seen[key] = true

			rec := core.DeliveryRecord{Task: task.ID, Destination: key}
			err := e.deliverOne(ctx, wf, run, task, out, dest)
			rec.DeliveredAt = time.Now()
			if err != nil {
				rec.Error = err.Error()
				logger.Error("sink delivery failed", "task_id", task.ID, "destination", key, "error", err)
				e.publish(events.NewDeliveryEvent(events.TypeSinkFailed, string(wf.ID), string(run.ID), string(task.ID), key, err))
			} else {
				logger.Info("output delivered", "task_id", task.ID, "destination", key)
				e.publish(events.NewDeliveryEvent(events.TypeSinkDelivered, string(wf.ID), string(run.ID), string(task.ID), key, nil))
			}
			run.AddDelivery(rec)
		}
	}
}

func (e *Engine) deliverOne(ctx context.Context, wf *core.WorkflowDefinition, run *core.RunContext,
	task *core.TaskDefinition, out core.Output, dest core.Destination) error {
	if e.sinks == nil {
		return core.ErrFatal(core.CodeSinkFailed, "no sinks configured")
	}
	ctx = sink.WithTarget(ctx, sink.Target{RunID: run.ID, WorkflowID: wf.ID, TaskID: task.ID})
	return e.sinks.Deliver(ctx, out, dest)
}
