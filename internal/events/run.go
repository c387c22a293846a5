package events

import "time"

// Event type constants for run events.
const (
	TypeRunStarted   = "run_started"
	TypeRunCompleted = "run_completed"
	TypeRunFailed    = "run_failed"
	TypeRunCancelled = "run_cancelled"
)

// RunStartedEvent is emitted when a run begins executing tasks.
type RunStartedEvent struct {
	BaseEvent
	TaskCount int `json:"task_count"`
}

// NewRunStartedEvent creates a new run started event.
func NewRunStartedEvent(workflowID, runID string, taskCount int) RunStartedEvent {
	return RunStartedEvent{
		BaseEvent: NewBaseEvent(TypeRunStarted, workflowID, runID),
		TaskCount: taskCount,
	}
}

// RunFinishedEvent is emitted once per run when it reaches a terminal state.
// Its type is one of run_completed, run_failed or run_cancelled.
type RunFinishedEvent struct {
	BaseEvent
	Status     string        `json:"status"`
	Duration   time.Duration `json:"duration"`
	FailedTask string        `json:"failed_task,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
}

// NewRunFinishedEvent creates the terminal event for a run with the given status.
func NewRunFinishedEvent(workflowID, runID, status string, duration time.Duration) RunFinishedEvent {
	eventType := TypeRunCompleted
	switch status {
	case "failed":
		eventType = TypeRunFailed
	case "cancelled":
		eventType = TypeRunCancelled
	}
	return RunFinishedEvent{
		BaseEvent: NewBaseEvent(eventType, workflowID, runID),
		Status:    status,
		Duration:  duration,
	}
}

// Event type constants for delivery events.
const (
	TypeSinkDelivered      = "sink_delivered"
	TypeSinkFailed         = "sink_failed"
	TypeNotificationSent   = "notification_sent"
	TypeNotificationFailed = "notification_failed"
)

// DeliveryEvent reports a sink delivery or notification dispatch.
type DeliveryEvent struct {
	BaseEvent
	TaskID      string `json:"task_id,omitempty"`
	Destination string `json:"destination"`
	Error       string `json:"error,omitempty"`
}

// NewDeliveryEvent creates a new delivery event.
func NewDeliveryEvent(eventType, workflowID, runID, taskID, destination string, err error) DeliveryEvent {
	e := DeliveryEvent{
		BaseEvent:   NewBaseEvent(eventType, workflowID, runID),
		TaskID:      taskID,
		Destination: destination,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
