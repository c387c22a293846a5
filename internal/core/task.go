package core

import (
	"fmt"
	"sort"
	"time"
)

// TaskID uniquely identifies a task within a workflow.
type TaskID string

// TaskStatus represents the current state of a task within a run.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// IsTerminal reports whether the status can no longer change.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusSkipped
}

// Input source kinds.
const (
	InputLiteral = "literal"
	InputTrigger = "trigger"
	InputTask    = "task"
)

// InputSource describes where a task's input comes from.
type InputSource struct {
	Kind  string `yaml:"from" json:"from"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	Task  TaskID `yaml:"task,omitempty" json:"task,omitempty"`
	// Include appends the outputs of further dependency tasks after the primary input.
	Include []TaskID `yaml:"include,omitempty" json:"include,omitempty"`
}

// String describes the source for error messages.
func (s InputSource) String() string {
	switch s.Kind {
	case InputLiteral:
		return "literal"
	case InputTrigger:
		return fmt.Sprintf("trigger.%s", s.Field)
	case InputTask:
		return fmt.Sprintf("task %s", s.Task)
	default:
		return s.Kind
	}
}

// ReferencedTasks returns every task whose output the source reads.
func (s InputSource) ReferencedTasks() []TaskID {
	var refs []TaskID
	if s.Kind == InputTask && s.Task != "" {
		refs = append(refs, s.Task)
	}
	return append(refs, s.Include...)
}

// Destination kinds.
const (
	DestinationTask = "task"
	DestinationSink = "sink"
)

// Destination is where a task's output goes: another task or a terminal sink.
type Destination struct {
	Kind   string `yaml:"kind" json:"kind"`
	Sink   string `yaml:"sink,omitempty" json:"sink,omitempty"`
	Target string `yaml:"target,omitempty" json:"target,omitempty"`
}

// IsTerminal reports whether the destination is a sink outside the workflow.
func (d Destination) IsTerminal() bool {
	return d.Kind == DestinationSink
}

// String identifies the destination for logs and delivery records.
func (d Destination) String() string {
	if d.IsTerminal() {
		if d.Target == "" {
			return d.Sink
		}
		return d.Sink + ":" + d.Target
	}
	return "task:" + d.Target
}

// RetryConfig overrides the engine retry policy for one task.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
}

// TaskDefinition is one scheduled invocation of an agent within a workflow.
type TaskDefinition struct {
	ID          TaskID        `yaml:"id" json:"id"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Agent       AgentID       `yaml:"agent" json:"agent"`
	DependsOn   []TaskID      `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Input       InputSource   `yaml:"input" json:"input"`
	Outputs     []Destination `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Retry       *RetryConfig  `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// DependsOnTask reports whether id is a declared dependency.
func (t *TaskDefinition) DependsOnTask(id TaskID) bool {
	for _, dep := range t.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

// Sinks returns the terminal destinations of the task.
func (t *TaskDefinition) Sinks() []Destination {
	var sinks []Destination
	for _, d := range t.Outputs {
		if d.IsTerminal() {
			sinks = append(sinks, d)
		}
	}
	return sinks
}

func sortStrings(s []string) {
	sort.Strings(s)
}
