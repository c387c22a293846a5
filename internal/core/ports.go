package core

import (
	"context"
	"time"
)

// =============================================================================
// Model Port
// =============================================================================

// InferParams are the generation parameters passed to the model.
type InferParams struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// ToolSpec advertises a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
}

// InferRequest is a single inference call.
type InferRequest struct {
	SystemPrompt string
	Turns        []Turn
	Params       InferParams
	Tools        []ToolSpec
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Query string `json:"query"`
}

// InferResponse is either raw text or a request to call tools.
type InferResponse struct {
	Text      string
	ToolCalls []ToolCall
	TokensIn  int
	TokensOut int
	Model     string
	Duration  time.Duration
}

// WantsTools reports whether the model asked for tool calls instead of answering.
func (r *InferResponse) WantsTools() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// ModelClient is the opaque language model capability.
type ModelClient interface {
	Infer(ctx context.Context, req InferRequest) (*InferResponse, error)
}

// =============================================================================
// Retrieval Port
// =============================================================================

// RetrievalClient queries a named knowledge collection.
// Results are ranked by score descending and all have score >= threshold.
type RetrievalClient interface {
	Search(ctx context.Context, collection, query string, threshold float64) ([]RetrievedPassage, error)
}

// =============================================================================
// Tool Port
// =============================================================================

// Tool is a named capability an agent can call with a query.
type Tool interface {
	Name() string
	Description() string
	Call(ctx context.Context, query string) (string, error)
}

// =============================================================================
// Delivery Ports
// =============================================================================

// Notifier sends a rendered message to recipients over a channel.
type Notifier interface {
	Notify(ctx context.Context, channel string, recipients []string, message string) error
}

// Sink receives a workflow's terminal output.
type Sink interface {
	Deliver(ctx context.Context, payload Output, dest Destination) error
}

// =============================================================================
// RunStore Port
// =============================================================================

// RunStore archives run snapshots after they reach a terminal state.
type RunStore interface {
	Save(ctx context.Context, run *RunSnapshot) error
	Get(ctx context.Context, id RunID) (*RunSnapshot, error)
	List(ctx context.Context, limit int) ([]*RunSnapshot, error)
}
