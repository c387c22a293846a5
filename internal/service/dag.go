package service

import (
	"fmt"

	"github.com/sahilm/fuzzy"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// TaskGraph is a validated task dependency graph with a deterministic execution order.
// It is immutable once built.
type TaskGraph struct {
	tasks   map[core.TaskID]*core.TaskDefinition
	decl    []core.TaskID                 // declaration order
	index   map[core.TaskID]int           // declaration index
	edges   map[core.TaskID][]core.TaskID // task -> dependencies
	reverse map[core.TaskID][]core.TaskID // task -> dependents
	order   []core.TaskID
	levels  [][]core.TaskID
}

// BuildTaskGraph validates the tasks and computes their topological order.
// Among tasks that become ready together, declaration order wins.
func BuildTaskGraph(tasks []core.TaskDefinition) (*TaskGraph, error) {
	if len(tasks) == 0 {
		return nil, core.ErrDefinition(core.CodeEmptyWorkflow, "workflow declares no tasks")
	}

	g := &TaskGraph{
		tasks:   make(map[core.TaskID]*core.TaskDefinition, len(tasks)),
		index:   make(map[core.TaskID]int, len(tasks)),
		edges:   make(map[core.TaskID][]core.TaskID, len(tasks)),
		reverse: make(map[core.TaskID][]core.TaskID, len(tasks)),
	}

	for i := range tasks {
		task := &tasks[i]
		if task.ID == "" {
			return nil, core.ErrDefinition(core.CodeInvalidDefinition, fmt.Sprintf("task #%d has no id", i+1))
		}
		if _, exists := g.tasks[task.ID]; exists {
			return nil, core.ErrDefinition(core.CodeDuplicateTask, fmt.Sprintf("task %s declared more than once", task.ID))
		}
		g.tasks[task.ID] = task
		g.index[task.ID] = i
		g.decl = append(g.decl, task.ID)
		g.edges[task.ID] = make([]core.TaskID, 0, len(task.DependsOn))
		g.reverse[task.ID] = make([]core.TaskID, 0)
	}

	for _, id := range g.decl {
		for _, dep := range g.tasks[id].DependsOn {
			if _, exists := g.tasks[dep]; !exists {
				return nil, &core.UnknownDependencyError{
					Task:       id,
					Dependency: dep,
					Suggestion: g.suggest(dep),
				}
			}
			if containsTask(g.edges[id], dep) {
				continue
			}
			g.edges[id] = append(g.edges[id], dep)
			g.reverse[dep] = append(g.reverse[dep], id)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &core.CycleError{Tasks: cycle}
	}

	g.order = g.topologicalSort()
	g.levels = g.calculateLevels()

	if err := g.checkConnected(); err != nil {
		return nil, err
	}
	return g, nil
}

// topologicalSort returns tasks in dependency order using Kahn's algorithm.
// The ready set is kept ordered by declaration index so the result is stable.
func (g *TaskGraph) topologicalSort() []core.TaskID {
	inDegree := make(map[core.TaskID]int, len(g.tasks))
	for id := range g.tasks {
		inDegree[id] = len(g.edges[id])
	}

	ready := make([]core.TaskID, 0)
	for _, id := range g.decl {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	result := make([]core.TaskID, 0, len(g.tasks))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		result = append(result, current)

		for _, dependent := range g.reverse[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = g.insertByDeclaration(ready, dependent)
			}
		}
	}
	return result
}

func (g *TaskGraph) insertByDeclaration(ready []core.TaskID, id core.TaskID) []core.TaskID {
	pos := len(ready)
	for i, other := range ready {
		if g.index[id] < g.index[other] {
			pos = i
			break
		}
	}
	ready = append(ready, "")
	copy(ready[pos+1:], ready[pos:])
	ready[pos] = id
	return ready
}

// findCycle returns the tasks on the first cycle found by DFS, or nil.
func (g *TaskGraph) findCycle() []core.TaskID {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[core.TaskID]int, len(g.tasks))
	stack := make([]core.TaskID, 0)

	var cycle []core.TaskID
	var dfs func(id core.TaskID) bool
	dfs = func(id core.TaskID) bool {
		state[id] = visiting
		stack = append(stack, id)

		for _, dep := range g.edges[id] {
			switch state[dep] {
			case unvisited:
				if dfs(dep) {
					return true
				}
			case visiting:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle = append([]core.TaskID(nil), stack[start:]...)
				cycle = append(cycle, dep)
				return true
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, id := range g.decl {
		if state[id] == unvisited && dfs(id) {
			return cycle
		}
	}
	return nil
}

// calculateLevels groups tasks into waves whose members are mutual non-ancestors.
func (g *TaskGraph) calculateLevels() [][]core.TaskID {
	depth := make(map[core.TaskID]int, len(g.tasks))
	maxDepth := 0
	for _, id := range g.order {
		d := 0
		for _, dep := range g.edges[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]core.TaskID, maxDepth+1)
	for _, id := range g.order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// checkConnected enforces a single weakly-connected component.
func (g *TaskGraph) checkConnected() error {
	seen := make(map[core.TaskID]bool, len(g.tasks))
	queue := []core.TaskID{g.decl[0]}
	seen[g.decl[0]] = true
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		neighbours := append(append([]core.TaskID{}, g.edges[current]...), g.reverse[current]...)
		for _, n := range neighbours {
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	if len(seen) == len(g.tasks) {
		return nil
	}
	for _, id := range g.decl {
		if !seen[id] {
			return core.ErrDefinition(core.CodeDisconnectedGraph,
				fmt.Sprintf("task %s is not connected to task %s; a workflow must form a single graph", id, g.decl[0]))
		}
	}
	return nil
}

func (g *TaskGraph) suggest(missing core.TaskID) core.TaskID {
	names := make([]string, len(g.decl))
	for i, id := range g.decl {
		names[i] = string(id)
	}
	matches := fuzzy.Find(string(missing), names)
	if len(matches) == 0 {
		return ""
	}
	return core.TaskID(matches[0].Str)
}

// Order returns the execution order.
func (g *TaskGraph) Order() []core.TaskID {
	return append([]core.TaskID(nil), g.order...)
}

// Levels returns the parallel execution waves.
func (g *TaskGraph) Levels() [][]core.TaskID {
	out := make([][]core.TaskID, len(g.levels))
	for i, level := range g.levels {
		out[i] = append([]core.TaskID(nil), level...)
	}
	return out
}

// Task returns a task by ID.
func (g *TaskGraph) Task(id core.TaskID) (*core.TaskDefinition, bool) {
	task, ok := g.tasks[id]
	return task, ok
}

// Dependencies returns task dependencies.
func (g *TaskGraph) Dependencies(id core.TaskID) []core.TaskID {
	return append([]core.TaskID(nil), g.edges[id]...)
}

// Dependents returns tasks that depend directly on the given task.
func (g *TaskGraph) Dependents(id core.TaskID) []core.TaskID {
	return append([]core.TaskID(nil), g.reverse[id]...)
}

// Descendants returns every task that transitively depends on id, in execution order.
func (g *TaskGraph) Descendants(id core.TaskID) []core.TaskID {
	seen := make(map[core.TaskID]bool)
	queue := append([]core.TaskID(nil), g.reverse[id]...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true
		queue = append(queue, g.reverse[current]...)
	}
	out := make([]core.TaskID, 0, len(seen))
	for _, t := range g.order {
		if seen[t] {
			out = append(out, t)
		}
	}
	return out
}

// IsAncestor reports whether task a must finish before task b can start.
func (g *TaskGraph) IsAncestor(a, b core.TaskID) bool {
	for _, d := range g.Descendants(a) {
		if d == b {
			return true
		}
	}
	return false
}

// Roots returns tasks without dependencies, in declaration order.
func (g *TaskGraph) Roots() []core.TaskID {
	var roots []core.TaskID
	for _, id := range g.decl {
		if len(g.edges[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Leaves returns tasks nothing depends on, in execution order.
func (g *TaskGraph) Leaves() []core.TaskID {
	var leaves []core.TaskID
	for _, id := range g.order {
		if len(g.reverse[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// TaskCount returns the number of tasks in the graph.
func (g *TaskGraph) TaskCount() int {
	return len(g.tasks)
}

func containsTask(ids []core.TaskID, id core.TaskID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
