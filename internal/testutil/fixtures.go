package testutil

import (
	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// NewTestAgent creates an agent definition with sensible defaults for tests.
// The role doubles as the routing key for MockModel.On.
func NewTestAgent(id string, opts ...func(*core.AgentDefinition)) *core.AgentDefinition {
	a := &core.AgentDefinition{
		ID:    core.AgentID(id),
		Role:  "agent-" + id,
		Goal:  "process the input",
		Model: core.ModelParams{Name: "test-model", ContextTokens: 8000},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Task builds a task definition for tests. The first dependency, if any,
// feeds the task's input; without dependencies the trigger document does.
func Task(id, agent string, deps ...string) core.TaskDefinition {
	t := core.TaskDefinition{
		ID:    core.TaskID(id),
		Agent: core.AgentID(agent),
		Input: core.InputSource{Kind: core.InputTrigger, Field: "document"},
	}
	for _, d := range deps {
		t.DependsOn = append(t.DependsOn, core.TaskID(d))
	}
	if len(deps) > 0 {
		t.Input = core.InputSource{Kind: core.InputTask, Task: core.TaskID(deps[0])}
	}
	return t
}

// NewTestWorkflow creates a manually triggered workflow over tasks.
func NewTestWorkflow(id string, tasks ...core.TaskDefinition) *core.WorkflowDefinition {
	return &core.WorkflowDefinition{
		ID:      core.WorkflowID(id),
		Tasks:   tasks,
		Trigger: core.TriggerSpec{Source: core.SourceManual},
	}
}
