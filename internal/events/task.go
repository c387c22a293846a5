package events

import "time"

// Event type constants for task events.
const (
	TypeTaskStarted   = "task_started"
	TypeTaskCompleted = "task_completed"
	TypeTaskFailed    = "task_failed"
	TypeTaskSkipped   = "task_skipped"
	TypeTaskRetry     = "task_retry"
)

// TaskStartedEvent is emitted when a task attempt begins.
type TaskStartedEvent struct {
	BaseEvent
	TaskID  string `json:"task_id"`
	Agent   string `json:"agent"`
	Attempt int    `json:"attempt"`
}

// NewTaskStartedEvent creates a new task started event.
func NewTaskStartedEvent(workflowID, runID, taskID, agent string, attempt int) TaskStartedEvent {
	return TaskStartedEvent{
		BaseEvent: NewBaseEvent(TypeTaskStarted, workflowID, runID),
		TaskID:    taskID,
		Agent:     agent,
		Attempt:   attempt,
	}
}

// TaskCompletedEvent is emitted when a task's output passes validation.
type TaskCompletedEvent struct {
	BaseEvent
	TaskID    string        `json:"task_id"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	TokensIn  int           `json:"tokens_in"`
	TokensOut int           `json:"tokens_out"`
}

// NewTaskCompletedEvent creates a new task completed event.
func NewTaskCompletedEvent(workflowID, runID, taskID string, attempts int, duration time.Duration, tokensIn, tokensOut int) TaskCompletedEvent {
	return TaskCompletedEvent{
		BaseEvent: NewBaseEvent(TypeTaskCompleted, workflowID, runID),
		TaskID:    taskID,
		Attempts:  attempts,
		Duration:  duration,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	}
}

// TaskFailedEvent is emitted when a task fails permanently.
type TaskFailedEvent struct {
	BaseEvent
	TaskID    string `json:"task_id"`
	ErrorKind string `json:"error_kind"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
}

// NewTaskFailedEvent creates a new task failed event.
func NewTaskFailedEvent(workflowID, runID, taskID, errorKind string, err error, attempts int) TaskFailedEvent {
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	return TaskFailedEvent{
		BaseEvent: NewBaseEvent(TypeTaskFailed, workflowID, runID),
		TaskID:    taskID,
		ErrorKind: errorKind,
		Error:     errStr,
		Attempts:  attempts,
	}
}

// TaskSkippedEvent is emitted when a task will not run.
type TaskSkippedEvent struct {
	BaseEvent
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// NewTaskSkippedEvent creates a new task skipped event.
func NewTaskSkippedEvent(workflowID, runID, taskID, reason string) TaskSkippedEvent {
	return TaskSkippedEvent{
		BaseEvent: NewBaseEvent(TypeTaskSkipped, workflowID, runID),
		TaskID:    taskID,
		Reason:    reason,
	}
}

// TaskRetryEvent is emitted before a failed attempt is retried.
type TaskRetryEvent struct {
	BaseEvent
	TaskID     string        `json:"task_id"`
	Attempt    int           `json:"attempt"`
	ErrorKind  string        `json:"error_kind"`
	Error      string        `json:"error"`
	Delay      time.Duration `json:"delay"`
	Corrective bool          `json:"corrective"`
}

// NewTaskRetryEvent creates a new task retry event.
func NewTaskRetryEvent(workflowID, runID, taskID string, attempt int, err error, errorKind string, delay time.Duration, corrective bool) TaskRetryEvent {
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	return TaskRetryEvent{
		BaseEvent:  NewBaseEvent(TypeTaskRetry, workflowID, runID),
		TaskID:     taskID,
		Attempt:    attempt,
		ErrorKind:  errorKind,
		Error:      errStr,
		Delay:      delay,
		Corrective: corrective,
	}
}
