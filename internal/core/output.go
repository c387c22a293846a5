package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// OutputKind tells how an output value is represented.
type OutputKind string

const (
	OutputText     OutputKind = "text"
	OutputJSON     OutputKind = "json"
	OutputMarkdown OutputKind = "markdown"
)

// Output is the typed value a task produces: a JSON object or markdown text.
type Output struct {
	Kind OutputKind             `json:"kind"`
	Text string                 `json:"text,omitempty"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// TextOutput wraps plain text.
func TextOutput(text string) Output {
	return Output{Kind: OutputText, Text: text}
}

// JSONOutput wraps a decoded JSON object.
func JSONOutput(data map[string]interface{}) Output {
	return Output{Kind: OutputJSON, Data: data}
}

// MarkdownOutput wraps rendered markdown together with the fields it was rendered from.
func MarkdownOutput(text string, fields map[string]interface{}) Output {
	return Output{Kind: OutputMarkdown, Text: text, Data: fields}
}

// IsZero reports whether no output was recorded.
func (o Output) IsZero() bool {
	return o.Kind == "" && o.Text == "" && o.Data == nil
}

// String renders the output as text suitable for the next agent's input.
func (o Output) String() string {
	switch o.Kind {
	case OutputJSON:
		b, err := json.MarshalIndent(o.Data, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", o.Data)
		}
		return string(b)
	default:
		return o.Text
	}
}

// Raw returns the representation a model would have produced for this output.
// Validating Raw() against the same contract yields an equal output.
func (o Output) Raw() string {
	switch o.Kind {
	case OutputJSON:
		return o.String()
	case OutputMarkdown:
		if o.Data != nil {
			b, err := json.Marshal(o.Data)
			if err == nil {
				return string(b)
			}
		}
		return o.Text
	default:
		return o.Text
	}
}

// Bytes returns the payload written by sinks.
func (o Output) Bytes() []byte {
	return []byte(o.String())
}

// Extension suggests a file extension for the output.
func (o Output) Extension() string {
	switch o.Kind {
	case OutputJSON:
		return ".json"
	case OutputMarkdown:
		return ".md"
	default:
		return ".txt"
	}
}

// Field returns a top-level field of a structured output.
func (o Output) Field(name string) (interface{}, bool) {
	if o.Data == nil {
		return nil, false
	}
	v, ok := o.Data[name]
	return v, ok
}

// Turn roles understood by model clients.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// TurnKind records why a turn is in the context, which drives eviction.
type TurnKind string

const (
	TurnSystem    TurnKind = "system"
	TurnMemory    TurnKind = "memory"
	TurnRetrieval TurnKind = "retrieval"
	TurnInput     TurnKind = "input"
	TurnToolCall  TurnKind = "tool_call"
	TurnToolReply TurnKind = "tool_result"
	TurnCorrect   TurnKind = "correction"
)

// Turn is one entry of a conversation.
type Turn struct {
	Role    string   `json:"role"`
	Kind    TurnKind `json:"kind,omitempty"`
	Content string   `json:"content"`
	// Score is the similarity of a retrieval turn.
	Score float64 `json:"score,omitempty"`
	// Source names the tool or document a turn came from.
	Source    string     `json:"source,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a tool result to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// RetrievedPassage is one ranked hit from the knowledge store.
type RetrievedPassage struct {
	Collection string  `json:"collection"`
	Score      float64 `json:"score"`
	Text       string  `json:"text"`
	SourceID   string  `json:"source_id"`
}

// SortPassages orders passages by score descending, then by source id for stability.
func SortPassages(passages []RetrievedPassage) {
	sort.SliceStable(passages, func(i, j int) bool {
		if passages[i].Score != passages[j].Score {
			return passages[i].Score > passages[j].Score
		}
		return passages[i].SourceID < passages[j].SourceID
	})
}

// FormatPassage renders a passage as retrieval turn content.
func FormatPassage(p RetrievedPassage) string {
	return fmt.Sprintf("Reference from %s (%s, relevance %.2f):\n%s",
		p.Collection, p.SourceID, p.Score, strings.TrimSpace(p.Text))
}
