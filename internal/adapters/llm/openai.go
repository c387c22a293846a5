// Package llm implements core.ModelClient for language model providers.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// DefaultOpenAIBaseURL is used when no base URL is configured.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// HTTPDoer abstracts HTTP clients used by providers.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	APIKey  string
	BaseURL string
	Client  HTTPDoer
}

// NewOpenAIClient constructs a client. An empty baseURL selects the public API.
func NewOpenAIClient(apiKey, baseURL string, client HTTPDoer) *OpenAIClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAIClient{
		APIKey:  apiKey,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  client,
	}
}

// Infer implements core.ModelClient.
func (c *OpenAIClient) Infer(ctx context.Context, req core.InferRequest) (*core.InferResponse, error) {
	start := time.Now()

	body := chatRequest{
		Model:     req.Params.Model,
		Messages:  buildMessages(req.SystemPrompt, req.Turns),
		MaxTokens: req.Params.MaxTokens,
	}
	if req.Params.Temperature > 0 {
		temp := req.Params.Temperature
		body.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		body.Tools = buildTools(req.Tools)
		body.ToolChoice = "auto"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, core.ErrTimeout("model request timed out").WithCause(err)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		return nil, core.ErrExecution(core.CodeModelRequestError, "model request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, core.ErrExecution(core.CodeModelRequestError, "decoding model response").WithCause(err)
	}
	if len(decoded.Choices) == 0 {
		return nil, core.ErrExecution(core.CodeEmptyModelOutput, "model returned no choices")
	}

	msg := decoded.Choices[0].Message
	out := &core.InferResponse{
		Text:      msg.Content,
		ToolCalls: parseToolCalls(msg.ToolCalls),
		TokensIn:  decoded.Usage.PromptTokens,
		TokensOut: decoded.Usage.CompletionTokens,
		Model:     decoded.Model,
		Duration:  time.Since(start),
	}
	if out.Model == "" {
		out.Model = req.Params.Model
	}
	if !out.WantsTools() && strings.TrimSpace(out.Text) == "" {
		return nil, core.ErrExecution(core.CodeEmptyModelOutput, "model returned an empty answer")
	}
	return out, nil
}

// statusError maps a non-2xx response onto the error taxonomy: 429 and 5xx
// are retryable, other client errors are not.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(raw))
	var parsed errorResponse
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Message != "" {
		detail = parsed.Error.Message
	}
	msg := fmt.Sprintf("model endpoint returned %d: %s", resp.StatusCode, detail)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return core.ErrRateLimit(msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return core.ErrAuth(msg)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return core.ErrTimeout(msg)
	case resp.StatusCode >= 500:
		return core.ErrExecution(core.CodeModelRequestError, msg)
	default:
		return core.ErrFatal(core.CodeModelRequestError, msg)
	}
}
