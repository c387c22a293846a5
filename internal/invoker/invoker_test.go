package invoker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/memory"
	"github.com/hugo-lorenzo-mato/reqflow/internal/service"
	"github.com/hugo-lorenzo-mato/reqflow/internal/testutil"
)

type upperTool struct{}

func (upperTool) Name() string        { return "upper" }
func (upperTool) Description() string { return "upper-cases its query" }
func (upperTool) Call(_ context.Context, q string) (string, error) {
	return strings.ToUpper(q), nil
}

func toolAgent() *core.AgentDefinition {
	return testutil.NewTestAgent("researcher", func(a *core.AgentDefinition) {
		a.Tools = map[string]core.ToolBinding{
			"confluence": {Kind: core.ToolKindRetrieval, Collection: "confluence", Threshold: 0.5, TopK: 1},
			"upper":      {Kind: core.ToolKindFunction},
		}
	})
}

func toolCall(id, name, query string) *core.InferResponse {
	return &core.InferResponse{ToolCalls: []core.ToolCall{{ID: id, Name: name, Query: query}}, TokensIn: 10, TokensOut: 2}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	kb := testutil.NewMockRetrieval().Add("confluence",
		core.RetrievedPassage{SourceID: "M-1", Score: 0.9, Text: "Initial margin is 5%."},
		core.RetrievedPassage{SourceID: "M-2", Score: 0.6, Text: "Variation margin daily."},
	)
	reg := NewRegistry(kb)
	require.NoError(t, reg.Register(upperTool{}))
	return reg
}

func TestInvoke_PlainAnswer(t *testing.T) {
	model := testutil.NewMockModel().WithResponse("done")
	inv := New(model, nil)

	res, err := inv.Invoke(context.Background(), testutil.NewTestAgent("a"), "sys", []core.Turn{{Role: core.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text)
	assert.Equal(t, 1, res.Rounds)
	assert.Zero(t, res.ToolCalls)

	req := model.Requests()[0]
	assert.Equal(t, "sys", req.SystemPrompt)
	assert.Equal(t, "test-model", req.Params.Model)
	assert.Empty(t, req.Tools)
}

func TestInvoke_ToolLoop(t *testing.T) {
	model := testutil.NewMockModel().WithInferFunc(testutil.Script(
		toolCall("c1", "confluence", "margin"),
		toolCall("c2", "upper", "cme"),
		"final answer",
	))
	inv := New(model, newRegistry(t))

	res, err := inv.Invoke(context.Background(), toolAgent(), "sys", []core.Turn{{Role: core.RoleUser, Content: "notice"}})
	require.NoError(t, err)
	assert.Equal(t, "final answer", res.Text)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, 2, res.ToolCalls)
	assert.Equal(t, 120, res.TokensIn)

	reqs := model.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, []core.ToolSpec{
		{Name: "confluence", Description: "Search the confluence knowledge base for passages relevant to a query."},
		{Name: "upper", Description: "upper-cases its query"},
	}, reqs[0].Tools)

	last := reqs[2].Turns
	require.Len(t, last, 5)
	assert.Equal(t, core.TurnToolCall, last[1].Kind)
	assert.Equal(t, core.TurnToolReply, last[2].Kind)
	assert.Equal(t, "c1", last[2].ToolCallID)
	assert.Contains(t, last[2].Content, "Initial margin")
	assert.NotContains(t, last[2].Content, "Variation", "top_k=1")
	assert.Equal(t, "CME", last[4].Content)
	assert.Len(t, res.Transcript, 4)
}

func TestInvoke_ToolRoundsBounded(t *testing.T) {
	model := testutil.NewMockModel().WithInferFunc(testutil.Script(toolCall("c", "upper", "x")))
	inv := New(model, newRegistry(t), WithMaxToolRounds(2))

	_, err := inv.Invoke(context.Background(), toolAgent(), "sys", nil)
	assert.Equal(t, core.CodeToolRoundsExceed, core.ErrorKind(err))
	assert.False(t, core.IsRetryable(err))
	assert.Equal(t, 3, model.CallCount("Infer"))
}

func TestInvoke_UndeclaredTool(t *testing.T) {
	model := testutil.NewMockModel().WithInferFunc(testutil.Script(toolCall("c", "shell", "rm")))
	inv := New(model, newRegistry(t))

	_, err := inv.Invoke(context.Background(), toolAgent(), "sys", nil)
	assert.Equal(t, core.CodeToolNotDeclared, core.ErrorKind(err))
}

func TestInvoke_UnregisteredFunctionTool(t *testing.T) {
	agent := toolAgent()
	agent.Tools["lookup"] = core.ToolBinding{Kind: core.ToolKindFunction}
	model := testutil.NewMockModel().WithInferFunc(testutil.Script(toolCall("c", "lookup", "x")))

	_, err := New(model, newRegistry(t)).Invoke(context.Background(), agent, "sys", nil)
	assert.Equal(t, core.CodeToolNotFound, core.ErrorKind(err))
}

func TestInvoke_ErrorMapping(t *testing.T) {
	t.Run("domain errors pass through", func(t *testing.T) {
		model := testutil.NewMockModel().WithError(core.ErrRateLimit("slow down"))
		_, err := New(model, nil).Invoke(context.Background(), testutil.NewTestAgent("a"), "", nil)
		assert.True(t, core.IsCategory(err, core.ErrCatRateLimit))
		assert.True(t, core.IsRetryable(err))
	})

	t.Run("plain errors become retryable execution errors", func(t *testing.T) {
		model := testutil.NewMockModel().WithError(testutil.ErrTest)
		_, err := New(model, nil).Invoke(context.Background(), testutil.NewTestAgent("a"), "", nil)
		assert.Equal(t, core.CodeModelRequestError, core.ErrorKind(err))
		assert.True(t, core.IsRetryable(err))
		assert.True(t, errors.Is(err, testutil.ErrTest))
	})
}

func TestInvoke_RateLimitFeedback(t *testing.T) {
	limits := service.NewRateLimiterRegistry(service.RateLimiterConfigFromRPM(600, 10))
	before := limits.Get("test-model").CurrentRefillRate()

	model := testutil.NewMockModel().WithError(core.ErrRateLimit("429"))
	_, err := New(model, nil, WithRateLimits(limits)).Invoke(context.Background(), testutil.NewTestAgent("a"), "", nil)
	require.Error(t, err)

	assert.Less(t, limits.Get("test-model").CurrentRefillRate(), before)
}

func TestRegistry(t *testing.T) {
	reg := newRegistry(t)
	assert.Error(t, reg.Register(upperTool{}), "duplicate names rejected")
	assert.Equal(t, []string{"upper"}, reg.Names())

	_, ok := reg.Resolve("upper")
	assert.True(t, ok)

	tool, err := reg.ResolveBinding(toolAgent(), "confluence")
	require.NoError(t, err)
	assert.IsType(t, &RetrievalTool{}, tool)

	_, err = NewRegistry(nil).ResolveBinding(toolAgent(), "confluence")
	assert.Equal(t, core.CodeToolNotFound, core.ErrorKind(err))
}

func TestRetrievalTool_NoPassages(t *testing.T) {
	tool := NewRetrievalTool("kb", core.ToolBinding{Kind: core.ToolKindRetrieval, Collection: "empty"}, testutil.NewMockRetrieval())
	out, err := tool.Call(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "No relevant passages found.", out)
}

type verboseTool struct{}

func (verboseTool) Name() string        { return "verbose" }
func (verboseTool) Description() string { return "returns a long report" }
func (verboseTool) Call(context.Context, string) (string, error) {
	return strings.Repeat("report ", 400), nil
}

func verboseAgent(budget int) *core.AgentDefinition {
	return testutil.NewTestAgent("reporter", func(a *core.AgentDefinition) {
		a.Model.ContextTokens = budget
		a.Tools = map[string]core.ToolBinding{"verbose": {Kind: core.ToolKindFunction}}
	})
}

func TestInvoke_ToolRepliesKeptWithinBudget(t *testing.T) {
	model := testutil.NewMockModel().WithInferFunc(testutil.Script(toolCall("c1", "verbose", "q"), "final answer"))
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(verboseTool{}))
	inv := New(model, reg)

	res, err := inv.Invoke(context.Background(), verboseAgent(120), "sys", []core.Turn{{Role: core.RoleUser, Content: "notice"}})
	require.NoError(t, err)
	assert.Equal(t, "final answer", res.Text)

	second := model.Requests()[1]
	size := memory.EstimateTokens(second.SystemPrompt) + memory.TurnOverhead + memory.TurnsTokens(second.Turns)
	assert.LessOrEqual(t, size, 120)
	reply := second.Turns[len(second.Turns)-1]
	assert.Equal(t, core.TurnToolReply, reply.Kind)
	assert.True(t, strings.HasPrefix(reply.Content, "report "))
	assert.Less(t, len(reply.Content), 2800)
}

func TestInvoke_ToolLoopOverflow(t *testing.T) {
	model := testutil.NewMockModel().WithInferFunc(testutil.Script(toolCall("c1", "verbose", strings.Repeat("q", 800))))
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(verboseTool{}))
	inv := New(model, reg)

	_, err := inv.Invoke(context.Background(), verboseAgent(120), "sys", []core.Turn{{Role: core.RoleUser, Content: "notice"}})
	require.Error(t, err)
	assert.Equal(t, core.CodeContextOverflow, core.ErrorKind(err))
	assert.False(t, core.IsRetryable(err))
	assert.Equal(t, 1, model.CallCount("Infer"))
}
