package core

import (
	"fmt"
	"strings"
)

// AgentID uniquely identifies an agent definition.
type AgentID string

// Memory policy kinds.
const (
	MemoryNone   = "none"
	MemoryBuffer = "buffer"
)

// Tool binding kinds.
const (
	ToolKindRetrieval = "retrieval"
	ToolKindFunction  = "function"
)

// Output contract kinds.
const (
	ContractNone     = "none"
	ContractSchema   = "schema"
	ContractTemplate = "template"
)

// DefaultContextTokens is the context budget used when an agent declares none.
const DefaultContextTokens = 8000

// ModelParams configures generation for one agent.
type ModelParams struct {
	Name          string  `yaml:"name" json:"name"`
	Temperature   float64 `yaml:"temperature" json:"temperature"`
	MaxTokens     int     `yaml:"max_tokens" json:"max_tokens"`
	ContextTokens int     `yaml:"context_tokens" json:"context_tokens"`
}

// ContextBudget returns the token budget for the assembled prompt context.
func (p ModelParams) ContextBudget() int {
	if p.ContextTokens <= 0 {
		return DefaultContextTokens
	}
	return p.ContextTokens
}

// MemoryPolicy bounds the conversation memory kept for an agent within a run.
type MemoryPolicy struct {
	Kind      string `yaml:"kind" json:"kind"`
	MaxTokens int    `yaml:"max_tokens" json:"max_tokens"`
}

// Enabled reports whether the agent keeps memory between tasks.
func (p MemoryPolicy) Enabled() bool {
	return p.Kind == MemoryBuffer && p.MaxTokens > 0
}

// ToolBinding describes a capability an agent may use, resolved by name at invocation time.
type ToolBinding struct {
	Kind        string  `yaml:"kind" json:"kind"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Collection  string  `yaml:"collection,omitempty" json:"collection,omitempty"`
	Threshold   float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	TopK        int     `yaml:"top_k,omitempty" json:"top_k,omitempty"`
}

// IsRetrieval reports whether the binding queries the knowledge store.
func (b ToolBinding) IsRetrieval() bool {
	return b.Kind == ToolKindRetrieval
}

// Schema is the subset of JSON Schema used by output contracts.
type Schema struct {
	Type                 string             `yaml:"type,omitempty" json:"type,omitempty"`
	Description          string             `yaml:"description,omitempty" json:"description,omitempty"`
	Properties           map[string]*Schema `yaml:"properties,omitempty" json:"properties,omitempty"`
	Required             []string           `yaml:"required,omitempty" json:"required,omitempty"`
	Enum                 []interface{}      `yaml:"enum,omitempty" json:"enum,omitempty"`
	Items                *Schema            `yaml:"items,omitempty" json:"items,omitempty"`
	AdditionalProperties *bool              `yaml:"additional_properties,omitempty" json:"additionalProperties,omitempty"`
}

// OutputContract is the shape an agent's raw response must satisfy.
type OutputContract struct {
	Kind     string  `yaml:"kind" json:"kind"`
	Schema   *Schema `yaml:"schema,omitempty" json:"schema,omitempty"`
	Template string  `yaml:"template,omitempty" json:"template,omitempty"`
}

// EffectiveKind returns the contract kind, treating an empty kind as none.
func (c OutputContract) EffectiveKind() string {
	if c.Kind == "" {
		return ContractNone
	}
	return c.Kind
}

// AgentDefinition pairs a role/goal/backstory with a model, tools, memory and output contract.
// Definitions are immutable once loaded and shared by all runs.
type AgentDefinition struct {
	ID        AgentID                `yaml:"id" json:"id"`
	Role      string                 `yaml:"role" json:"role"`
	Goal      string                 `yaml:"goal" json:"goal"`
	Backstory string                 `yaml:"backstory" json:"backstory"`
	Model     ModelParams            `yaml:"model" json:"model"`
	Memory    MemoryPolicy           `yaml:"memory" json:"memory"`
	Tools     map[string]ToolBinding `yaml:"tools,omitempty" json:"tools,omitempty"`
	Output    OutputContract         `yaml:"output" json:"output"`
}

// SystemPrompt renders the role, goal and backstory as the system turn.
func (a *AgentDefinition) SystemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", strings.TrimSpace(a.Role))
	if goal := strings.TrimSpace(a.Goal); goal != "" {
		fmt.Fprintf(&b, "\n\nGoal: %s", goal)
	}
	if backstory := strings.TrimSpace(a.Backstory); backstory != "" {
		fmt.Fprintf(&b, "\n\nBackground: %s", backstory)
	}
	return b.String()
}

// RetrievalTools returns the names of retrieval bindings in sorted order.
func (a *AgentDefinition) RetrievalTools() []string {
	names := make([]string, 0, len(a.Tools))
	for name, binding := range a.Tools {
		if binding.IsRetrieval() {
			names = append(names, name)
		}
	}
	sortStrings(names)
	return names
}

// DeclaresTool reports whether name is one of the agent's tool bindings.
func (a *AgentDefinition) DeclaresTool(name string) bool {
	_, ok := a.Tools[name]
	return ok
}
