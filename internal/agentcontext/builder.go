// Package agentcontext assembles the bounded conversation an agent sees for one task.
package agentcontext

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/logging"
	"github.com/hugo-lorenzo-mato/reqflow/internal/memory"
	"github.com/hugo-lorenzo-mato/reqflow/internal/retrieval"
	"github.com/hugo-lorenzo-mato/reqflow/internal/validation"
)

// ErrContextOverflow means the system and input turns alone exceed the agent's budget.
// Retrying cannot help, so it is not retryable.
var ErrContextOverflow = core.ErrValidation(core.CodeContextOverflow, "system and input turns exceed the context budget")

// Context is the assembled prompt context for one agent invocation.
type Context struct {
	System    core.Turn
	Memory    []core.Turn
	Retrieval []core.Turn
	// Corrections carries the rejected answers and correction prompts of earlier attempts.
	Corrections []core.Turn
	Input       core.Turn

	Budget             int
	EvictedMemory      int
	EvictedPassage     int
	TrimmedCorrections int
}

// Turns returns the full ordered context: system, memory, retrieval, corrections, input.
func (c *Context) Turns() []core.Turn {
	turns := make([]core.Turn, 0, len(c.Memory)+len(c.Retrieval)+len(c.Corrections)+2)
	turns = append(turns, c.System)
	return append(turns, c.Conversation()...)
}

// Conversation returns every turn after the system turn.
func (c *Context) Conversation() []core.Turn {
	turns := make([]core.Turn, 0, len(c.Memory)+len(c.Retrieval)+len(c.Corrections)+1)
	turns = append(turns, c.Memory...)
	turns = append(turns, c.Retrieval...)
	turns = append(turns, c.Corrections...)
	return append(turns, c.Input)
}

// Tokens estimates the size of the assembled context.
func (c *Context) Tokens() int {
	return memory.TurnTokens(c.System) + memory.TurnsTokens(c.Memory) +
		memory.TurnsTokens(c.Retrieval) + memory.TurnsTokens(c.Corrections) + memory.TurnTokens(c.Input)
}

// Builder assembles contexts. It is safe for concurrent use.
type Builder struct {
	retriever core.RetrievalClient
	logger    *logging.Logger
}

// NewBuilder creates a builder. A nil retriever disables retrieval.
func NewBuilder(retriever core.RetrievalClient, logger *logging.Logger) *Builder {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Builder{retriever: retriever, logger: logger}
}

// Build assembles the context for agent with the given input.
// mem may be nil when the agent keeps no memory. corrections are the turns a
// validation retry adds; they are budgeted like everything else.
func (b *Builder) Build(ctx context.Context, agent *core.AgentDefinition, input string, mem *memory.Buffer,
	corrections ...core.Turn) (*Context, error) {
	if agent == nil {
		return nil, core.ErrDefinition(core.CodeUnknownAgent, "no agent definition")
	}

	system := agent.SystemPrompt()
	if instructions := validation.Instructions(agent.Output); instructions != "" {
		system += "\n\n" + instructions
	}

	c := &Context{
		System:      core.Turn{Role: core.RoleSystem, Kind: core.TurnSystem, Content: system},
		Memory:      mem.History(),
		Corrections: append([]core.Turn(nil), corrections...),
		Input:       core.Turn{Role: core.RoleUser, Kind: core.TurnInput, Content: input},
		Budget:      agent.Model.ContextBudget(),
	}

	fixed := memory.TurnTokens(c.System) + memory.TurnTokens(c.Input)
	if fixed > c.Budget {
		return nil, fmt.Errorf("agent %s: %w (%d > %d tokens)", agent.ID, ErrContextOverflow, fixed, c.Budget)
	}

	passages, err := b.retrieve(ctx, agent, input)
	if err != nil {
		return nil, err
	}
	for _, p := range passages {
		c.Retrieval = append(c.Retrieval, core.Turn{
			Role:    core.RoleUser,
			Kind:    core.TurnRetrieval,
			Content: core.FormatPassage(p),
			Score:   p.Score,
			Source:  p.SourceID,
		})
	}

	b.fit(c)
	if c.EvictedMemory > 0 || c.EvictedPassage > 0 || c.TrimmedCorrections > 0 {
		b.logger.Debug("context trimmed to budget",
			"agent", agent.ID,
			"budget", c.Budget,
			"evicted_memory", c.EvictedMemory,
			"evicted_passages", c.EvictedPassage,
			"trimmed_corrections", c.TrimmedCorrections)
	}
	return c, nil
}

// retrieve runs one search per retrieval binding, in binding name order.
func (b *Builder) retrieve(ctx context.Context, agent *core.AgentDefinition, query string) ([]core.RetrievedPassage, error) {
	names := agent.RetrievalTools()
	if len(names) == 0 {
		return nil, nil
	}
	if b.retriever == nil {
		b.logger.Warn("agent declares retrieval tools but no knowledge store is configured",
			"agent", agent.ID, "tools", names)
		return nil, nil
	}

	var all []core.RetrievedPassage
	for _, name := range names {
		binding := agent.Tools[name]
		threshold := binding.Threshold
		if threshold <= 0 {
			threshold = core.DefaultRetrievalThresh
		}
		topK := binding.TopK
		if topK <= 0 {
			topK = core.DefaultRetrievalTopK
		}

		found, err := b.retriever.Search(ctx, binding.Collection, query, threshold)
		if err != nil {
			return nil, fmt.Errorf("retrieval tool %s: %w", name, err)
		}

		kept := found[:0:0]
		for _, p := range found {
			if p.Score >= threshold {
				kept = append(kept, p)
			}
		}
		core.SortPassages(kept)
		all = append(all, retrieval.Limit(kept, topK)...)
	}
	return all, nil
}

// fit evicts oldest memory turns, then lowest-scored passages, then trims
// corrections, until the context fits.
func (b *Builder) fit(c *Context) {
	for c.Tokens() > c.Budget && len(c.Memory) > 0 {
		c.Memory = c.Memory[1:]
		c.EvictedMemory++
		// an answer without its question goes with it
		if len(c.Memory) > 0 && c.Memory[0].Role == core.RoleAssistant {
			c.Memory = c.Memory[1:]
			c.EvictedMemory++
		}
	}
	for c.Tokens() > c.Budget && len(c.Retrieval) > 0 {
		lowest := 0
		for i, t := range c.Retrieval {
			if t.Score <= c.Retrieval[lowest].Score {
				lowest = i
			}
		}
		c.Retrieval = append(c.Retrieval[:lowest:lowest], c.Retrieval[lowest+1:]...)
		c.EvictedPassage++
	}
	fitCorrections(c)
}

// fitCorrections shortens replayed answers, oldest first, then drops
// correction turns, oldest first. The newest correction prompt goes last.
func fitCorrections(c *Context) {
	for c.Tokens() > c.Budget && len(c.Corrections) > 0 {
		c.TrimmedCorrections++
		i := oldestReplay(c.Corrections)
		if i < 0 {
			c.Corrections = c.Corrections[1:]
			continue
		}
		over := c.Tokens() - c.Budget
		keep := memory.EstimateTokens(c.Corrections[i].Content) - over
		if keep > 0 {
			c.Corrections[i].Content = memory.TruncateToTokens(c.Corrections[i].Content, keep)
			continue
		}
		c.Corrections = append(c.Corrections[:i:i], c.Corrections[i+1:]...)
	}
}

func oldestReplay(turns []core.Turn) int {
	for i, t := range turns {
		if t.Role == core.RoleAssistant {
			return i
		}
	}
	return -1
}
