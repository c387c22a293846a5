// Package invoker sends an assembled context to the model and runs the tool
// calls the model asks for until it produces a final answer.
package invoker

import (
	"context"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/logging"
	"github.com/hugo-lorenzo-mato/reqflow/internal/memory"
	"github.com/hugo-lorenzo-mato/reqflow/internal/service"
)

// Result is the final answer of one invocation.
type Result struct {
	Text      string
	Model     string
	Rounds    int
	ToolCalls int
	TokensIn  int
	TokensOut int
	Duration  time.Duration
	// Transcript holds the assistant and tool turns produced during the tool loop.
	Transcript []core.Turn
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithMaxToolRounds bounds the number of tool rounds per invocation.
func WithMaxToolRounds(n int) Option {
	return func(i *Invoker) {
		if n > 0 {
			i.maxToolRounds = n
		}
	}
}

// WithRateLimits throttles inference per model name.
func WithRateLimits(limits *service.RateLimiterRegistry) Option {
	return func(i *Invoker) { i.limits = limits }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(i *Invoker) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// Invoker calls the model on behalf of agents. It holds no per-run state.
type Invoker struct {
	model         core.ModelClient
	tools         *Registry
	limits        *service.RateLimiterRegistry
	maxToolRounds int
	logger        *logging.Logger
}

// New creates an invoker. tools may be nil when no agent uses tools.
func New(model core.ModelClient, tools *Registry, opts ...Option) *Invoker {
	if tools == nil {
		tools = NewRegistry(nil)
	}
	inv := &Invoker{
		model:         model,
		tools:         tools,
		maxToolRounds: core.DefaultMaxToolRounds,
		logger:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke runs the conversation for agent and returns the model's final text.
func (i *Invoker) Invoke(ctx context.Context, agent *core.AgentDefinition, system string, turns []core.Turn) (*Result, error) {
	start := time.Now()
	conversation := append([]core.Turn(nil), turns...)
	result := &Result{Model: agent.Model.Name}
	specs := i.tools.Specs(agent)

	for round := 0; ; round++ {
		resp, err := i.infer(ctx, core.InferRequest{
			SystemPrompt: system,
			Turns:        conversation,
			Params: core.InferParams{
				Model:       agent.Model.Name,
				Temperature: agent.Model.Temperature,
				MaxTokens:   agent.Model.MaxTokens,
			},
			Tools: specs,
		})
		if err != nil {
			return nil, err
		}
		result.Rounds++
		result.TokensIn += resp.TokensIn
		result.TokensOut += resp.TokensOut
		if resp.Model != "" {
			result.Model = resp.Model
		}

		if !resp.WantsTools() {
			result.Text = resp.Text
			result.Duration = time.Since(start)
			return result, nil
		}

		if round >= i.maxToolRounds {
			return nil, core.ErrFatal(core.CodeToolRoundsExceed,
				fmt.Sprintf("agent %s still calling tools after %d rounds", agent.ID, i.maxToolRounds))
		}

		call := core.Turn{Role: core.RoleAssistant, Kind: core.TurnToolCall, Content: resp.Text, ToolCalls: resp.ToolCalls}
		conversation = append(conversation, call)
		result.Transcript = append(result.Transcript, call)

		for _, tc := range resp.ToolCalls {
			reply, err := i.callTool(ctx, agent, tc)
			if err != nil {
				return nil, err
			}
			result.ToolCalls++
			conversation = append(conversation, reply)
		}
		if err := fitToolReplies(agent, system, conversation); err != nil {
			return nil, err
		}
		result.Transcript = append(result.Transcript, conversation[len(conversation)-len(resp.ToolCalls):]...)
	}
}

// fitToolReplies shortens tool results, oldest first, until the conversation
// fits the agent's context budget again.
func fitToolReplies(agent *core.AgentDefinition, system string, conversation []core.Turn) error {
	budget := agent.Model.ContextBudget()
	size := func() int {
		return memory.EstimateTokens(system) + memory.TurnOverhead + memory.TurnsTokens(conversation)
	}
	for i := range conversation {
		over := size() - budget
		if over <= 0 {
			return nil
		}
		if conversation[i].Kind != core.TurnToolReply {
			continue
		}
		keep := memory.EstimateTokens(conversation[i].Content) - over
		conversation[i].Content = memory.TruncateToTokens(conversation[i].Content, keep)
	}
	if size() > budget {
		return core.ErrValidation(core.CodeContextOverflow,
			fmt.Sprintf("agent %s: tool results do not fit the context budget of %d tokens", agent.ID, budget))
	}
	return nil
}

func (i *Invoker) infer(ctx context.Context, req core.InferRequest) (*core.InferResponse, error) {
	var limiter *service.AdaptiveRateLimiter
	if i.limits != nil {
		limiter = i.limits.Get(req.Params.Model)
		if err := limiter.Acquire(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := i.model.Infer(ctx, req)
	if err != nil {
		if limiter != nil && core.IsCategory(err, core.ErrCatRateLimit) {
			limiter.RecordError()
		}
		if core.GetCategory(err) == core.ErrCatInternal {
			return nil, core.ErrExecution(core.CodeModelRequestError, "model request failed").WithCause(err)
		}
		return nil, err
	}
	if limiter != nil {
		limiter.RecordSuccess()
	}
	if resp == nil {
		return nil, core.ErrExecution(core.CodeEmptyModelOutput, "model returned no response")
	}
	return resp, nil
}

func (i *Invoker) callTool(ctx context.Context, agent *core.AgentDefinition, tc core.ToolCall) (core.Turn, error) {
	tool, err := i.tools.ResolveBinding(agent, tc.Name)
	if err != nil {
		return core.Turn{}, err
	}

	i.logger.Debug("calling tool", "agent", agent.ID, "tool", tc.Name, "call_id", tc.ID)
	out, err := tool.Call(ctx, tc.Query)
	if err != nil {
		return core.Turn{}, fmt.Errorf("tool %s: %w", tc.Name, err)
	}
	return core.Turn{
		Role:       core.RoleTool,
		Kind:       core.TurnToolReply,
		Content:    out,
		Source:     tc.Name,
		ToolCallID: tc.ID,
	}, nil
}
