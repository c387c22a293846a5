package llm

import (
	"context"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/memory"
)

// EchoClient answers with the last user turn. It needs no network and is
// used for dry runs and local smoke tests of workflow wiring.
type EchoClient struct{}

// NewEchoClient creates an echo model.
func NewEchoClient() *EchoClient {
	return &EchoClient{}
}

// Infer implements core.ModelClient.
func (EchoClient) Infer(ctx context.Context, req core.InferRequest) (*core.InferResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	var text string
	for i := len(req.Turns) - 1; i >= 0; i-- {
		if req.Turns[i].Role == core.RoleUser {
			text = req.Turns[i].Content
			break
		}
	}
	if text == "" {
		text = "(empty input)"
	}

	return &core.InferResponse{
		Text:      text,
		TokensIn:  memory.EstimateTokens(req.SystemPrompt) + memory.TurnsTokens(req.Turns),
		TokensOut: memory.EstimateTokens(text),
		Model:     "echo",
		Duration:  time.Since(start),
	}, nil
}
