package workflow

import (
	"fmt"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/service"
)

// CheckDefinition verifies that wf can be scheduled against catalog and
// returns its task graph. Every error it returns is a definition error.
func CheckDefinition(catalog *core.Catalog, wf *core.WorkflowDefinition) (*service.TaskGraph, error) {
	if wf == nil {
		return nil, core.ErrDefinition(core.CodeInvalidDefinition, "workflow definition is nil")
	}
	graph, err := service.BuildTaskGraph(wf.Tasks)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", wf.ID, err)
	}

	for _, id := range graph.Order() {
		task, _ := graph.Task(id)
		if catalog != nil {
			if _, err := catalog.Agent(task.Agent); err != nil {
				return nil, core.ErrDefinition(core.CodeUnknownAgent,
					fmt.Sprintf("task %s references unknown agent %q", task.ID, task.Agent))
			}
		}
		if err := checkInput(graph, task); err != nil {
			return nil, err
		}
		if err := checkOutputs(graph, task); err != nil {
			return nil, err
		}
	}
	return graph, nil
}

func checkInput(graph *service.TaskGraph, task *core.TaskDefinition) error {
	in := task.Input
	switch in.Kind {
	case core.InputLiteral:
	case core.InputTrigger:
		if in.Field == "" {
			return &core.UnresolvedInputError{Task: task.ID, Source: in.String(), Reason: "no trigger field named"}
		}
	case core.InputTask:
		if in.Task == "" {
			return &core.UnresolvedInputError{Task: task.ID, Source: in.String(), Reason: "no task named"}
		}
	default:
		return core.ErrDefinition(core.CodeInvalidDefinition,
			fmt.Sprintf("task %s: unknown input source %q", task.ID, in.Kind))
	}

	for _, ref := range in.ReferencedTasks() {
		if _, ok := graph.Task(ref); !ok {
			return &core.UnresolvedInputError{
				Task:   task.ID,
				Source: fmt.Sprintf("task %s", ref),
				Reason: "no such task in the workflow",
			}
		}
		if !graph.IsAncestor(ref, task.ID) {
			return &core.UnresolvedInputError{
				Task:   task.ID,
				Source: fmt.Sprintf("task %s", ref),
				Reason: "task is not an upstream dependency, so its output may not exist yet",
			}
		}
	}
	return nil
}

func checkOutputs(graph *service.TaskGraph, task *core.TaskDefinition) error {
	for _, dest := range task.Outputs {
		switch dest.Kind {
		case core.DestinationSink:
			if dest.Sink == "" {
				return core.ErrDefinition(core.CodeInvalidDefinition,
					fmt.Sprintf("task %s: sink destination has no sink name", task.ID))
			}
		case core.DestinationTask:
			target := core.TaskID(dest.Target)
			if _, ok := graph.Task(target); !ok {
				return core.ErrDefinition(core.CodeInvalidDefinition,
					fmt.Sprintf("task %s sends output to unknown task %s", task.ID, target))
			}
			if !graph.IsAncestor(task.ID, target) {
				return core.ErrDefinition(core.CodeInvalidDefinition,
					fmt.Sprintf("task %s sends output to %s, which does not depend on it", task.ID, target))
			}
		default:
			return core.ErrDefinition(core.CodeInvalidDefinition,
				fmt.Sprintf("task %s: unknown destination kind %q", task.ID, dest.Kind))
		}
	}
	return nil
}
