package trigger

import (
	"fmt"
	"path"
	"strings"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/render"
)

// Matches reports whether e satisfies the workflow's trigger: same source and
// every clause of the condition true. Manual triggers never match published events.
func Matches(spec core.TriggerSpec, e Event) bool {
	if spec.Source == "" || spec.Source == core.SourceManual || spec.Source != e.Source {
		return false
	}
	for _, c := range spec.Condition.All {
		if !EvalClause(c, e) {
			return false
		}
	}
	return true
}

// EvalClause evaluates one clause against the event's metadata, falling back
// to its payload for fields the metadata lacks.
func EvalClause(c core.Clause, e Event) bool {
	value, present := field(e, c.Field)

	switch c.Op {
	case core.OpExists:
		return present
	case core.OpNe:
		return !present || value != c.Value
	}
	if !present {
		return false
	}

	switch c.Op {
	case core.OpEq:
		return value == c.Value
	case core.OpIn:
		for _, v := range c.Values {
			if value == v {
				return true
			}
		}
		return false
	case core.OpPrefix:
		return strings.HasPrefix(value, c.Value)
	case core.OpSuffix:
		return strings.HasSuffix(value, c.Value)
	case core.OpContains:
		return strings.Contains(value, c.Value)
	case core.OpGlob:
		ok, err := path.Match(c.Value, value)
		return err == nil && ok
	}
	return false
}

func field(e Event, name string) (string, bool) {
	if v, ok := e.Metadata[name]; ok {
		return v, true
	}
	if v, ok := render.Lookup(e.Payload, name); ok && v != nil {
		return render.FormatValue(v), true
	}
	return "", false
}

// ValidateCondition checks that every clause is well formed.
func ValidateCondition(cond core.Condition) error {
	for i, c := range cond.All {
		if c.Field == "" {
			return fmt.Errorf("clause %d: field is required", i)
		}
		if !core.IsValidClauseOp(c.Op) {
			return fmt.Errorf("clause %d: unknown op %q (valid: %s)", i, c.Op, strings.Join(core.ClauseOps, ", "))
		}
		switch c.Op {
		case core.OpIn:
			if len(c.Values) == 0 {
				return fmt.Errorf("clause %d: op in needs values", i)
			}
		case core.OpGlob:
			if _, err := path.Match(c.Value, ""); err != nil {
				return fmt.Errorf("clause %d: bad glob %q: %w", i, c.Value, err)
			}
		}
	}
	return nil
}
