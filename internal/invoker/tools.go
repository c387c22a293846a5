package invoker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/retrieval"
)

// Registry resolves the tools an agent binds by name.
// Function tools are registered explicitly; retrieval tools are built from the
// agent's binding against the shared knowledge store.
type Registry struct {
	tools     map[string]core.Tool
	retriever core.RetrievalClient
	mu        sync.RWMutex
}

// NewRegistry creates a tool registry. retriever may be nil.
func NewRegistry(retriever core.RetrievalClient) *Registry {
	return &Registry{
		tools:     make(map[string]core.Tool),
		retriever: retriever,
	}
}

// Register adds a function tool. Names must be unique.
func (r *Registry) Register(tool core.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("tool %q already registered", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Resolve returns a registered function tool.
func (r *Registry) Resolve(name string) (core.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered function tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveBinding returns the tool agent binds under name.
func (r *Registry) ResolveBinding(agent *core.AgentDefinition, name string) (core.Tool, error) {
	binding, declared := agent.Tools[name]
	if !declared {
		return nil, core.ErrFatal(core.CodeToolNotDeclared,
			fmt.Sprintf("agent %s called undeclared tool %q", agent.ID, name))
	}

	if binding.IsRetrieval() {
		if r.retriever == nil {
			return nil, core.ErrFatal(core.CodeToolNotFound,
				fmt.Sprintf("tool %q needs a knowledge store but none is configured", name))
		}
		return NewRetrievalTool(name, binding, r.retriever), nil
	}

	tool, ok := r.Resolve(name)
	if !ok {
		return nil, core.ErrFatal(core.CodeToolNotFound, fmt.Sprintf("tool %q is not registered", name))
	}
	return tool, nil
}

// Specs advertises the agent's resolvable tools to the model, in name order.
func (r *Registry) Specs(agent *core.AgentDefinition) []core.ToolSpec {
	names := make([]string, 0, len(agent.Tools))
	for name := range agent.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]core.ToolSpec, 0, len(names))
	for _, name := range names {
		tool, err := r.ResolveBinding(agent, name)
		if err != nil {
			continue
		}
		specs = append(specs, core.ToolSpec{Name: tool.Name(), Description: tool.Description()})
	}
	return specs
}

// RetrievalTool exposes a knowledge collection as a callable tool.
type RetrievalTool struct {
	name      string
	binding   core.ToolBinding
	retriever core.RetrievalClient
}

// NewRetrievalTool binds a collection, threshold and top-k to client.
func NewRetrievalTool(name string, binding core.ToolBinding, client core.RetrievalClient) *RetrievalTool {
	if binding.Threshold <= 0 {
		binding.Threshold = core.DefaultRetrievalThresh
	}
	if binding.TopK <= 0 {
		binding.TopK = core.DefaultRetrievalTopK
	}
	return &RetrievalTool{name: name, binding: binding, retriever: client}
}

func (t *RetrievalTool) Name() string { return t.name }

func (t *RetrievalTool) Description() string {
	if t.binding.Description != "" {
		return t.binding.Description
	}
	return fmt.Sprintf("Search the %s knowledge base for passages relevant to a query.", t.binding.Collection)
}

// Call searches the collection and formats the best passages as one reply.
func (t *RetrievalTool) Call(ctx context.Context, query string) (string, error) {
	passages, err := t.retriever.Search(ctx, t.binding.Collection, query, t.binding.Threshold)
	if err != nil {
		return "", err
	}
	passages = retrieval.Limit(passages, t.binding.TopK)
	if len(passages) == 0 {
		return "No relevant passages found.", nil
	}
	parts := make([]string, len(passages))
	for i, p := range passages {
		parts[i] = core.FormatPassage(p)
	}
	return strings.Join(parts, "\n\n"), nil
}
