package agentcontext

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/memory"
)

type fakeRetriever struct {
	passages map[string][]core.RetrievedPassage
	err      error
	calls    []string
}

func (f *fakeRetriever) Search(_ context.Context, collection, query string, threshold float64) ([]core.RetrievedPassage, error) {
	f.calls = append(f.calls, collection+"|"+query)
	if f.err != nil {
		return nil, f.err
	}
	var out []core.RetrievedPassage
	for _, p := range f.passages[collection] {
		if p.Score >= threshold {
			out = append(out, p)
		}
	}
	return out, nil
}

func analyst(budget int) *core.AgentDefinition {
	return &core.AgentDefinition{
		ID:     "analyst",
		Role:   "a requirements analyst",
		Goal:   "extract requirement changes",
		Model:  core.ModelParams{Name: "gpt-4o", ContextTokens: budget},
		Memory: core.MemoryPolicy{Kind: core.MemoryBuffer, MaxTokens: 10000},
		Tools: map[string]core.ToolBinding{
			"confluence": {Kind: core.ToolKindRetrieval, Collection: "confluence", Threshold: 0.7, TopK: 2},
		},
	}
}

func passage(id string, score float64, words int) core.RetrievedPassage {
	return core.RetrievedPassage{
		Collection: "confluence",
		SourceID:   id,
		Score:      score,
		Text:       strings.Repeat("word ", words),
	}
}

func TestBuild_OrdersTurns(t *testing.T) {
	retriever := &fakeRetriever{passages: map[string][]core.RetrievedPassage{
		"confluence": {passage("low", 0.71, 5), passage("high", 0.95, 5), passage("below", 0.5, 5), passage("mid", 0.8, 5)},
	}}
	mem := memory.NewBuffer(10000)
	mem.AppendExchange("earlier input", "earlier output")

	c, err := NewBuilder(retriever, nil).Build(context.Background(), analyst(8000), "CME notice", mem)
	require.NoError(t, err)

	turns := c.Turns()
	require.Len(t, turns, 6)
	assert.Equal(t, core.TurnSystem, turns[0].Kind)
	assert.Contains(t, turns[0].Content, "requirements analyst")
	assert.Equal(t, core.TurnMemory, turns[1].Kind)
	assert.Equal(t, core.TurnMemory, turns[2].Kind)
	assert.Equal(t, "high", turns[3].Source)
	assert.Equal(t, "mid", turns[4].Source, "top_k keeps the best two")
	assert.Equal(t, core.TurnInput, turns[5].Kind)
	assert.Equal(t, "CME notice", turns[5].Content)

	assert.Equal(t, []string{"confluence|CME notice"}, retriever.calls)
	assert.Len(t, c.Conversation(), 5)
}

func TestBuild_ZeroPassagesStillProducesContext(t *testing.T) {
	c, err := NewBuilder(&fakeRetriever{}, nil).Build(context.Background(), analyst(8000), "input", nil)
	require.NoError(t, err)
	assert.Empty(t, c.Retrieval)
	assert.Len(t, c.Turns(), 2)
}

func TestBuild_NoRetrieverSkipsRetrieval(t *testing.T) {
	c, err := NewBuilder(nil, nil).Build(context.Background(), analyst(8000), "input", nil)
	require.NoError(t, err)
	assert.Empty(t, c.Retrieval)
}

func TestBuild_IncludesContractInstructions(t *testing.T) {
	agent := analyst(8000)
	agent.Output = core.OutputContract{Kind: core.ContractTemplate, Template: "{{summary}}"}

	c, err := NewBuilder(nil, nil).Build(context.Background(), agent, "input", nil)
	require.NoError(t, err)
	assert.Contains(t, c.System.Content, "summary")
}

func TestBuild_Overflow(t *testing.T) {
	agent := analyst(50)

	_, err := NewBuilder(nil, nil).Build(context.Background(), agent, strings.Repeat("x", 400), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContextOverflow))
	assert.False(t, core.IsRetryable(err))
	assert.Equal(t, core.CodeContextOverflow, core.ErrorKind(err))
}

func TestBuild_RetrievalErrorPropagates(t *testing.T) {
	retriever := &fakeRetriever{err: &core.RetrievalTimeoutError{Collection: "confluence"}}

	_, err := NewBuilder(retriever, nil).Build(context.Background(), analyst(8000), "input", nil)
	var timeout *core.RetrievalTimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.True(t, core.IsRetryable(err))
}

func TestBuild_EvictsMemoryBeforePassages(t *testing.T) {
	retriever := &fakeRetriever{passages: map[string][]core.RetrievedPassage{
		"confluence": {passage("a", 0.9, 40), passage("b", 0.8, 40)},
	}}
	mem := memory.NewBuffer(100000)
	for i := 0; i < 5; i++ {
		mem.AppendExchange(fmt.Sprintf("input %d %s", i, strings.Repeat("m", 200)), "ok")
	}
	agent := analyst(0)
	probe, err := NewBuilder(retriever, nil).Build(context.Background(), agent, "input", nil)
	require.NoError(t, err)

	// Room for both passages and little else.
	agent.Model.ContextTokens = probe.Tokens() + 10
	c, err := NewBuilder(retriever, nil).Build(context.Background(), agent, "input", mem)
	require.NoError(t, err)

	assert.LessOrEqual(t, c.Tokens(), c.Budget)
	assert.Len(t, c.Retrieval, 2)
	assert.Greater(t, c.EvictedMemory, 0)
	assert.Zero(t, c.EvictedPassage)
	if len(c.Memory) > 0 {
		history := mem.History()
		assert.Equal(t, history[len(history)-1], c.Memory[len(c.Memory)-1], "newest memory survives")
	}
}

// For any mix of memory and passages the assembled context stays within
// budget and always keeps the system and input turns.
func TestBuild_BudgetProperty(t *testing.T) {
	for budget := 60; budget <= 600; budget += 45 {
		for memTurns := 0; memTurns <= 6; memTurns += 2 {
			for nPassages := 0; nPassages <= 4; nPassages++ {
				name := fmt.Sprintf("budget%d/mem%d/passages%d", budget, memTurns, nPassages)
				t.Run(name, func(t *testing.T) {
					var passages []core.RetrievedPassage
					for i := 0; i < nPassages; i++ {
						passages = append(passages, passage(fmt.Sprintf("p%d", i), 0.7+float64(i)*0.05, 10+i*7))
					}
					mem := memory.NewBuffer(100000)
					for i := 0; i < memTurns; i++ {
						mem.Append(core.RoleUser, strings.Repeat("memory ", 5+i*3))
					}
					agent := analyst(budget)
					agent.Tools["confluence"] = core.ToolBinding{Kind: core.ToolKindRetrieval, Collection: "confluence", TopK: 10}

					c, err := NewBuilder(&fakeRetriever{passages: map[string][]core.RetrievedPassage{"confluence": passages}}, nil).
						Build(context.Background(), agent, "the input document", mem)
					if err != nil {
						assert.True(t, errors.Is(err, ErrContextOverflow))
						return
					}
					assert.LessOrEqual(t, c.Tokens(), budget)
					assert.Equal(t, core.TurnSystem, c.Turns()[0].Kind)
					assert.Equal(t, "the input document", c.Input.Content)
					if c.EvictedPassage > 0 {
						assert.Empty(t, c.Memory, "passages are evicted only after memory is exhausted")
					}
					kept := make(map[string]float64, len(c.Retrieval))
					for _, turn := range c.Retrieval {
						kept[turn.Source] = turn.Score
					}
					for _, p := range passages {
						if _, ok := kept[p.SourceID]; ok {
							continue
						}
						for source, score := range kept {
							assert.LessOrEqual(t, p.Score, score, "%s evicted while lower-scored %s kept", p.SourceID, source)
						}
					}
				})
			}
		}
	}
}

func TestBuild_CorrectionsCountAgainstBudget(t *testing.T) {
	mem := memory.NewBuffer(100000)
	mem.AppendExchange("earlier notice "+strings.Repeat("m", 200), "earlier answer")
	agent := analyst(200)
	agent.Tools = nil

	replay := core.Turn{Role: core.RoleAssistant, Kind: core.TurnCorrect, Content: strings.Repeat("r", 3200)}
	prompt := core.Turn{Role: core.RoleUser, Kind: core.TurnCorrect, Content: "Your previous response was rejected."}

	c, err := NewBuilder(nil, nil).Build(context.Background(), agent, "input", mem, replay, prompt)
	require.NoError(t, err)

	assert.LessOrEqual(t, c.Tokens(), c.Budget)
	assert.Empty(t, c.Memory, "memory is evicted before corrections are trimmed")
	require.Len(t, c.Corrections, 2)
	assert.Equal(t, core.RoleAssistant, c.Corrections[0].Role)
	assert.Less(t, len(c.Corrections[0].Content), 3200)
	assert.Equal(t, prompt, c.Corrections[1])
	assert.Greater(t, c.TrimmedCorrections, 0)
	assert.Equal(t, 3200, len(replay.Content), "caller turns are not modified")

	turns := c.Turns()
	assert.Equal(t, core.TurnInput, turns[len(turns)-1].Kind)
	assert.Equal(t, prompt, turns[len(turns)-2])
}

func TestBuild_CorrectionsDroppedWhenNothingFits(t *testing.T) {
	agent := analyst(0)
	agent.Tools = nil
	base, err := NewBuilder(nil, nil).Build(context.Background(), agent, "input", nil)
	require.NoError(t, err)

	agent.Model.ContextTokens = base.Tokens() + 2
	c, err := NewBuilder(nil, nil).Build(context.Background(), agent, "input", nil,
		core.Turn{Role: core.RoleAssistant, Kind: core.TurnCorrect, Content: "rejected"},
		core.Turn{Role: core.RoleUser, Kind: core.TurnCorrect, Content: "Your previous response was rejected."})
	require.NoError(t, err)
	assert.Empty(t, c.Corrections)
	assert.LessOrEqual(t, c.Tokens(), c.Budget)
}
