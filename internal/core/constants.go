// Package core provides the domain types shared by every reqflow package:
// agents, tasks, workflows, runs, outputs, errors and the ports adapters implement.
package core

// Model provider identifiers
const (
	ProviderOpenAI = "openai"
	ProviderEcho   = "echo"
)

// Providers is the ordered list of supported model providers.
var Providers = []string{ProviderOpenAI, ProviderEcho}

// IsValidProvider checks if the given provider name is supported.
func IsValidProvider(name string) bool {
	for _, p := range Providers {
		if p == name {
			return true
		}
	}
	return false
}

// Sink kinds
const (
	SinkFile   = "file"
	SinkStdout = "stdout"
)

// Notification channel kinds
const (
	ChannelLog     = "log"
	ChannelWebhook = "webhook"
)

// Trigger sources
const (
	SourceManual    = "manual"
	SourceWebhook   = "webhook"
	SourceDirectory = "directory"
)

// Condition clause operators
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpIn       = "in"
	OpPrefix   = "prefix"
	OpSuffix   = "suffix"
	OpContains = "contains"
	OpGlob     = "glob"
	OpExists   = "exists"
)

// ClauseOps lists every supported clause operator.
var ClauseOps = []string{OpEq, OpNe, OpIn, OpPrefix, OpSuffix, OpContains, OpGlob, OpExists}

// IsValidClauseOp checks if op is a supported clause operator.
func IsValidClauseOp(op string) bool {
	for _, o := range ClauseOps {
		if o == op {
			return true
		}
	}
	return false
}

// Execution defaults
const (
	DefaultMaxRetries        = 2
	DefaultValidationRetries = 1
	DefaultMaxToolRounds     = 4
	DefaultMaxParallel       = 4
	DefaultMaxConcurrentRuns = 2
	DefaultRetrievalTopK     = 5
	DefaultRetrievalThresh   = 0.7
)
