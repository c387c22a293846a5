// Package notify renders and sends the single notification each run produces.
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/logging"
	"github.com/hugo-lorenzo-mato/reqflow/internal/render"
)

// Dispatcher routes messages to notifiers by channel name.
type Dispatcher struct {
	channels map[string]core.Notifier
	logger   *logging.Logger
	mu       sync.RWMutex
}

// NewDispatcher creates a dispatcher with no channels.
func NewDispatcher(logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{channels: make(map[string]core.Notifier), logger: logger}
}

// Register binds a channel name to a notifier, replacing any previous binding.
func (d *Dispatcher) Register(channel string, n core.Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[channel] = n
}

// Channels returns the registered channel names, sorted.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Notify implements core.Notifier by forwarding to the channel's notifier.
func (d *Dispatcher) Notify(ctx context.Context, channel string, recipients []string, message string) error {
	d.mu.RLock()
	n, ok := d.channels[channel]
	d.mu.RUnlock()
	if !ok {
		return core.ErrNotification(channel, fmt.Errorf("channel not configured"))
	}
	if err := n.Notify(ctx, channel, recipients, message); err != nil {
		return core.ErrNotification(channel, err)
	}
	return nil
}

// Dispatch renders the run's outcome with spec and sends it. At most one
// notification is recorded per run; failures are logged and recorded, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, spec core.NotificationSpec, run *core.RunContext) *core.NotificationRecord {
	if !spec.Enabled() || run.Notification() != nil {
		return nil
	}

	snap := run.Snapshot()
	message := Message(spec, snap)
	rec := core.NotificationRecord{Channel: spec.Channel, Message: message, SentAt: time.Now()}

	if err := d.Notify(ctx, spec.Channel, spec.Recipients, message); err != nil {
		rec.Error = err.Error()
		d.logger.Error("notification failed",
			"run_id", snap.ID, "workflow_id", snap.WorkflowID, "channel", spec.Channel, "error", err)
	} else {
		d.logger.Info("notification sent",
			"run_id", snap.ID, "workflow_id", snap.WorkflowID, "channel", spec.Channel, "status", snap.Status)
	}

	if !run.SetNotification(rec) {
		return nil
	}
	return &rec
}

// Message renders the template matching the run's status.
func Message(spec core.NotificationSpec, snap *core.RunSnapshot) string {
	return render.Render(templateFor(spec, snap.Status), Fields(snap))
}

func templateFor(spec core.NotificationSpec, status core.RunStatus) string {
	switch status {
	case core.RunStatusSucceeded:
		if spec.Success != "" {
			return spec.Success
		}
		return core.DefaultSuccessMessage
	case core.RunStatusCancelled:
		if spec.Cancelled != "" {
			return spec.Cancelled
		}
		return core.DefaultCancelledMessage
	default:
		if spec.Failure != "" {
			return spec.Failure
		}
		return core.DefaultFailureMessage
	}
}

// Fields are the values notification templates can reference.
// Trigger payload fields are available as trigger.<field>.
func Fields(snap *core.RunSnapshot) map[string]interface{} {
	counts := make(map[core.TaskStatus]int)
	for _, st := range snap.Tasks {
		counts[st.Status]++
	}
	duration := time.Duration(0)
	if !snap.EndedAt.IsZero() && !snap.StartedAt.IsZero() {
		duration = snap.EndedAt.Sub(snap.StartedAt).Round(time.Millisecond)
	}

	failedTask := string(snap.FailedTask)
	if failedTask == "" {
		failedTask = "none"
	}
	trigger := make(map[string]interface{}, len(snap.Payload))
	for k, v := range snap.Payload {
		trigger[k] = v
	}

	return map[string]interface{}{
		"run_id":          string(snap.ID),
		"workflow_id":     string(snap.WorkflowID),
		"status":          string(snap.Status),
		"failed_task":     failedTask,
		"error_kind":      snap.ErrorKind,
		"error":           snap.Error,
		"duration":        duration.String(),
		"task_count":      len(snap.Tasks),
		"succeeded_count": counts[core.TaskStatusSucceeded],
		"failed_count":    counts[core.TaskStatusFailed],
		"skipped_count":   counts[core.TaskStatusSkipped],
		"trigger":         trigger,
	}
}
