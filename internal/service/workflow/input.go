package workflow

import (
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/render"
)

// ResolveInput produces the user turn content of a task from the run state.
// Included dependency outputs follow the primary input, each under a heading.
func ResolveInput(task *core.TaskDefinition, run *core.RunContext) (string, error) {
	primary, err := resolvePrimary(task, run)
	if err != nil {
		return "", err
	}
	if len(task.Input.Include) == 0 {
		return primary, nil
	}

	parts := []string{primary}
	for _, id := range task.Input.Include {
		out, ok := run.Output(id)
		if !ok {
			return "", &core.UnresolvedInputError{
				Task:   task.ID,
				Source: fmt.Sprintf("task %s", id),
				Reason: "task has no output",
			}
		}
		parts = append(parts, fmt.Sprintf("Output of task %s:\n%s", id, out.String()))
	}
	return strings.Join(parts, "\n\n"), nil
}

func resolvePrimary(task *core.TaskDefinition, run *core.RunContext) (string, error) {
	in := task.Input
	switch in.Kind {
	case core.InputLiteral:
		return in.Value, nil

	case core.InputTrigger:
		v, ok := render.Lookup(run.Payload, in.Field)
		if !ok || v == nil {
			return "", &core.UnresolvedInputError{Task: task.ID, Source: in.String(), Reason: "trigger payload has no such field"}
		}
		return render.FormatValue(v), nil

	case core.InputTask:
		out, ok := run.Output(in.Task)
		if !ok {
			return "", &core.UnresolvedInputError{Task: task.ID, Source: in.String(), Reason: "task has no output"}
		}
		if in.Field == "" {
			return out.String(), nil
		}
		v, ok := render.Lookup(out.Data, in.Field)
		if !ok {
			return "", &core.UnresolvedInputError{
				Task:   task.ID,
				Source: fmt.Sprintf("%s.%s", in.String(), in.Field),
				Reason: "output has no such field",
			}
		}
		return render.FormatValue(v), nil
	}
	return "", core.ErrDefinition(core.CodeInvalidDefinition,
		fmt.Sprintf("task %s: unknown input source %q", task.ID, in.Kind))
}
