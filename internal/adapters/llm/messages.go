package llm

import (
	"encoding/json"
	"strings"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// chatRequest is the JSON payload sent to a chat completions endpoint.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string             `json:"type"`
	Function functionDefinition `json:"function"`
}

type functionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// queryParameters is the argument schema shared by every tool: one free-text query.
var queryParameters = json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"What to look up"}},"required":["query"]}`)

func buildMessages(system string, turns []core.Turn) []chatMessage {
	messages := make([]chatMessage, 0, len(turns)+1)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, chatMessage{Role: core.RoleSystem, Content: system})
	}
	for _, t := range turns {
		// The system prompt is sent once, above.
		if t.Role == core.RoleSystem && t.Kind == core.TurnSystem {
			continue
		}
		msg := chatMessage{Role: t.Role, Content: t.Content, ToolCallID: t.ToolCallID}
		for _, tc := range t.ToolCalls {
			args, _ := json.Marshal(map[string]string{"query": tc.Query})
			msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: functionCall{Name: tc.Name, Arguments: string(args)},
			})
		}
		messages = append(messages, msg)
	}
	return messages
}

func buildTools(specs []core.ToolSpec) []chatTool {
	tools := make([]chatTool, 0, len(specs))
	for _, s := range specs {
		tools = append(tools, chatTool{
			Type: "function",
			Function: functionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  queryParameters,
			},
		})
	}
	return tools
}

// parseToolCalls extracts the query argument. Arguments that are not a JSON
// object are passed through as the query itself.
func parseToolCalls(calls []chatToolCall) []core.ToolCall {
	out := make([]core.ToolCall, 0, len(calls))
	for _, c := range calls {
		query := c.Function.Arguments
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(c.Function.Arguments), &args); err == nil {
			query = args.Query
		}
		out = append(out, core.ToolCall{ID: c.ID, Name: c.Function.Name, Query: query})
	}
	return out
}
