package core

import (
	"fmt"
	"sync"
	"time"
)

// RunID uniquely identifies one workflow execution.
type RunID string

// RunStatus represents the overall state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// TaskState is the per-run record of one task.
type TaskState struct {
	Status    TaskStatus `json:"status"`
	Output    Output     `json:"output,omitempty"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error,omitempty"`
	ErrorKind string     `json:"error_kind,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// DeliveryRecord notes one terminal sink delivery.
type DeliveryRecord struct {
	Task        TaskID    `json:"task"`
	Destination string    `json:"destination"`
	Error       string    `json:"error,omitempty"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// NotificationRecord notes the single notification dispatched for a run.
type NotificationRecord struct {
	Channel string    `json:"channel"`
	Message string    `json:"message"`
	Error   string    `json:"error,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// RunContext is the mutable state of one workflow execution.
// Each task slot is written only by the goroutine executing that task.
type RunContext struct {
	ID         RunID
	WorkflowID WorkflowID
	Payload    map[string]interface{}

	mu           sync.RWMutex
	status       RunStatus
	order        []TaskID
	tasks        map[TaskID]*TaskState
	failedTask   TaskID
	failure      error
	deliveries   []DeliveryRecord
	notification *NotificationRecord
	startedAt    time.Time
	endedAt      time.Time
}

// NewRunContext creates a pending run with every task pending.
func NewRunContext(id RunID, workflowID WorkflowID, tasks []TaskID, payload map[string]interface{}) *RunContext {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	rc := &RunContext{
		ID:         id,
		WorkflowID: workflowID,
		Payload:    payload,
		status:     RunStatusPending,
		order:      append([]TaskID(nil), tasks...),
		tasks:      make(map[TaskID]*TaskState, len(tasks)),
	}
	for _, t := range tasks {
		rc.tasks[t] = &TaskState{Status: TaskStatusPending}
	}
	return rc
}

// Status returns the run status.
func (r *RunContext) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Start marks the run running.
func (r *RunContext) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = RunStatusRunning
	r.startedAt = time.Now()
}

// Finish sets the terminal status and end time.
func (r *RunContext) Finish(status RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.endedAt = time.Now()
	if r.startedAt.IsZero() {
		r.startedAt = r.endedAt
	}
}

// Duration returns how long the run took, or has taken so far.
func (r *RunContext) Duration() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.startedAt.IsZero() {
		return 0
	}
	if r.endedAt.IsZero() {
		return time.Since(r.startedAt)
	}
	return r.endedAt.Sub(r.startedAt)
}

// TaskStatus returns the status of a task.
func (r *RunContext) TaskStatus(id TaskID) TaskStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.tasks[id]; ok {
		return st.Status
	}
	return ""
}

// Task returns a copy of the state of a task.
func (r *RunContext) Task(id TaskID) (TaskState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *st, true
}

// MarkRunning transitions a pending task to running.
func (r *RunContext) MarkRunning(id TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tasks[id]
	if !ok {
		return ErrNotFound("task", string(id))
	}
	if st.Status != TaskStatusPending {
		return ErrState(CodeInvalidState, fmt.Sprintf("cannot start task %s in %s state", id, st.Status))
	}
	st.Status = TaskStatusRunning
	now := time.Now()
	st.StartedAt = &now
	return nil
}

// RecordAttempt increments the attempt counter of a task.
func (r *RunContext) RecordAttempt(id TaskID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.tasks[id]
	st.Attempts++
	return st.Attempts
}

// MarkSucceeded stores the validated output of a running task.
func (r *RunContext) MarkSucceeded(id TaskID, out Output) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tasks[id]
	if !ok {
		return ErrNotFound("task", string(id))
	}
	if st.Status != TaskStatusRunning {
		return ErrState(CodeInvalidState, fmt.Sprintf("cannot complete task %s in %s state", id, st.Status))
	}
	st.Status = TaskStatusSucceeded
	st.Output = out
	st.Error = ""
	st.ErrorKind = ""
	now := time.Now()
	st.EndedAt = &now
	return nil
}

// MarkFailed records a task failure. The first failure of the run is kept for notification.
func (r *RunContext) MarkFailed(id TaskID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tasks[id]
	if !ok {
		return
	}
	st.Status = TaskStatusFailed
	if err != nil {
		st.Error = err.Error()
		st.ErrorKind = ErrorKind(err)
	}
	now := time.Now()
	st.EndedAt = &now
	if r.failedTask == "" {
		r.failedTask = id
		r.failure = err
	}
}

// MarkSkipped records that a pending task will never run.
func (r *RunContext) MarkSkipped(id TaskID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tasks[id]
	if !ok || st.Status != TaskStatusPending {
		return false
	}
	st.Status = TaskStatusSkipped
	st.Error = reason
	return true
}

// SetFailure records a run-level failure not attributable to a single task.
func (r *RunContext) SetFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure == nil {
		r.failure = err
	}
}

// Failure returns the first failed task (if any) and the error that caused the run to fail.
func (r *RunContext) Failure() (TaskID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failedTask, r.failure
}

// Output returns the recorded output of a succeeded task.
func (r *RunContext) Output(id TaskID) (Output, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.tasks[id]
	if !ok || st.Status != TaskStatusSucceeded {
		return Output{}, false
	}
	return st.Output, true
}

// Counts returns the number of tasks in each status.
func (r *RunContext) Counts() map[TaskStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[TaskStatus]int)
	for _, st := range r.tasks {
		counts[st.Status]++
	}
	return counts
}

// AddDelivery records a sink delivery.
func (r *RunContext) AddDelivery(rec DeliveryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, rec)
}

// Deliveries returns the sink deliveries made for the run.
func (r *RunContext) Deliveries() []DeliveryRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]DeliveryRecord(nil), r.deliveries...)
}

// SetNotification records the notification; only the first call has effect.
func (r *RunContext) SetNotification(rec NotificationRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notification != nil {
		return false
	}
	r.notification = &rec
	return true
}

// Notification returns the notification record, if one was dispatched.
func (r *RunContext) Notification() *NotificationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.notification == nil {
		return nil
	}
	n := *r.notification
	return &n
}

// RunSnapshot is a point-in-time, serializable copy of a run.
type RunSnapshot struct {
	ID           RunID                  `json:"id"`
	WorkflowID   WorkflowID             `json:"workflow_id"`
	Status       RunStatus              `json:"status"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	TaskOrder    []TaskID               `json:"task_order"`
	Tasks        map[TaskID]TaskState   `json:"tasks"`
	FailedTask   TaskID                 `json:"failed_task,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ErrorKind    string                 `json:"error_kind,omitempty"`
	Deliveries   []DeliveryRecord       `json:"deliveries,omitempty"`
	Notification *NotificationRecord    `json:"notification,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	EndedAt      time.Time              `json:"ended_at,omitempty"`
}

// Snapshot copies the run state.
func (r *RunContext) Snapshot() *RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := &RunSnapshot{
		ID:         r.ID,
		WorkflowID: r.WorkflowID,
		Status:     r.status,
		Payload:    r.Payload,
		TaskOrder:  append([]TaskID(nil), r.order...),
		Tasks:      make(map[TaskID]TaskState, len(r.tasks)),
		FailedTask: r.failedTask,
		Deliveries: append([]DeliveryRecord(nil), r.deliveries...),
		StartedAt:  r.startedAt,
		EndedAt:    r.endedAt,
	}
	for id, st := range r.tasks {
		snap.Tasks[id] = *st
	}
	if r.failure != nil {
		snap.Error = r.failure.Error()
		snap.ErrorKind = ErrorKind(r.failure)
	}
	if r.notification != nil {
		n := *r.notification
		snap.Notification = &n
	}
	return snap
}

// CodeInvalidState reports an illegal state transition.
const CodeInvalidState = "INVALID_STATE"
