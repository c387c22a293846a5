// Package memory holds per-run conversation memory and the token estimate shared
// by everything that budgets prompt context.
package memory

import (
	"unicode/utf8"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

const (
	charsPerToken = 4
	// TurnOverhead approximates the role and framing tokens each turn costs.
	TurnOverhead = 4
)

// EstimateTokens approximates the token count of text as chars/4, rounded up.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// TruncateToTokens returns the longest prefix of text, cut on a rune
// boundary, whose estimate is at most tokens.
func TruncateToTokens(text string, tokens int) string {
	if tokens <= 0 {
		return ""
	}
	limit := tokens * charsPerToken
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

// TurnTokens estimates the cost of one turn including its overhead.
func TurnTokens(t core.Turn) int {
	tokens := EstimateTokens(t.Content) + TurnOverhead
	for _, call := range t.ToolCalls {
		tokens += EstimateTokens(call.Name) + EstimateTokens(call.Query)
	}
	return tokens
}

// TurnsTokens sums TurnTokens over turns.
func TurnsTokens(turns []core.Turn) int {
	total := 0
	for _, t := range turns {
		total += TurnTokens(t)
	}
	return total
}
