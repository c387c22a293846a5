// Package config loads the reqflow runtime configuration and the agent and
// workflow definition files.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Trigger     TriggerConfig     `mapstructure:"trigger"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval"`
	Model       ModelConfig       `mapstructure:"model"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Sinks       SinksConfig       `mapstructure:"sinks"`
	State       StateConfig       `mapstructure:"state"`
	Server      ServerConfig      `mapstructure:"server"`
	Definitions DefinitionsConfig `mapstructure:"definitions"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// EngineConfig configures workflow execution.
type EngineConfig struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Multiplier        float64       `mapstructure:"multiplier"`
	Jitter            float64       `mapstructure:"jitter"`
	ValidationRetries int           `mapstructure:"validation_retries"`
	MaxToolRounds     int           `mapstructure:"max_tool_rounds"`
}

// TriggerConfig configures the trigger listener and run scheduling.
type TriggerConfig struct {
	QueueSize         int    `mapstructure:"queue_size"`
	DedupWindow       int    `mapstructure:"dedup_window"`
	MaxConcurrentRuns int    `mapstructure:"max_concurrent_runs"`
	WatchDir          string `mapstructure:"watch_dir"`
	WatchSource       string `mapstructure:"watch_source"`
}

// RetrievalConfig selects the knowledge store.
type RetrievalConfig struct {
	Provider string        `mapstructure:"provider"` // sqlite, http, none
	Path     string        `mapstructure:"path"`
	URL      string        `mapstructure:"url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ModelConfig selects the language model provider.
type ModelConfig struct {
	Provider          string        `mapstructure:"provider"` // openai, echo
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
}

// NotifyConfig declares the notification channels workflows may name.
type NotifyConfig struct {
	Channels map[string]ChannelConfig `mapstructure:"channels"`
}

// ChannelConfig configures one notification channel.
type ChannelConfig struct {
	Kind string `mapstructure:"kind"` // log, webhook
	URL  string `mapstructure:"url"`
}

// SinksConfig configures terminal sinks.
type SinksConfig struct {
	FileDir string `mapstructure:"file_dir"`
}

// StateConfig configures the run archive.
type StateConfig struct {
	Backend string `mapstructure:"backend"` // sqlite, json, none
	Path    string `mapstructure:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DefinitionsConfig points at agent and workflow definition files.
type DefinitionsConfig struct {
	Path string `mapstructure:"path"`
}
