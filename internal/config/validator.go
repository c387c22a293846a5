package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateEngine(&cfg.Engine)
	v.validateTrigger(&cfg.Trigger)
	v.validateRetrieval(&cfg.Retrieval)
	v.validateModel(&cfg.Model)
	v.validateNotify(&cfg.Notify)
	v.validateState(&cfg.State)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateEngine(cfg *EngineConfig) {
	if cfg.MaxParallel < 1 {
		v.addError("engine.max_parallel", cfg.MaxParallel, "must be at least 1")
	}
	if cfg.TaskTimeout < 0 {
		v.addError("engine.task_timeout", cfg.TaskTimeout, "must not be negative")
	}
	if cfg.MaxRetries < 0 || cfg.MaxRetries > 10 {
		v.addError("engine.max_retries", cfg.MaxRetries, "must be between 0 and 10")
	}
	if cfg.BaseDelay < 0 {
		v.addError("engine.base_delay", cfg.BaseDelay, "must not be negative")
	}
	if cfg.MaxDelay > 0 && cfg.MaxDelay < cfg.BaseDelay {
		v.addError("engine.max_delay", cfg.MaxDelay, "must not be shorter than base_delay")
	}
	if cfg.Multiplier < 1 {
		v.addError("engine.multiplier", cfg.Multiplier, "must be at least 1")
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		v.addError("engine.jitter", cfg.Jitter, "must be between 0 and 1")
	}
	if cfg.ValidationRetries < 0 || cfg.ValidationRetries > 5 {
		v.addError("engine.validation_retries", cfg.ValidationRetries, "must be between 0 and 5")
	}
	if cfg.MaxToolRounds < 0 {
		v.addError("engine.max_tool_rounds", cfg.MaxToolRounds, "must not be negative")
	}
}

func (v *Validator) validateTrigger(cfg *TriggerConfig) {
	if cfg.QueueSize < 1 {
		v.addError("trigger.queue_size", cfg.QueueSize, "must be at least 1")
	}
	if cfg.DedupWindow < 1 {
		v.addError("trigger.dedup_window", cfg.DedupWindow, "must be at least 1")
	}
	if cfg.MaxConcurrentRuns < 1 {
		v.addError("trigger.max_concurrent_runs", cfg.MaxConcurrentRuns, "must be at least 1")
	}
	if cfg.WatchDir != "" && cfg.WatchSource == "" {
		v.addError("trigger.watch_source", cfg.WatchSource, "required when watch_dir is set")
	}
}

func (v *Validator) validateRetrieval(cfg *RetrievalConfig) {
	switch cfg.Provider {
	case "none":
	case "sqlite":
		if cfg.Path == "" {
			v.addError("retrieval.path", cfg.Path, "required for the sqlite provider")
		}
	case "http":
		if !isHTTPURL(cfg.URL) {
			v.addError("retrieval.url", cfg.URL, "must be an http(s) URL for the http provider")
		}
	default:
		v.addError("retrieval.provider", cfg.Provider, "must be one of: sqlite, http, none")
	}
	if cfg.Timeout < 0 {
		v.addError("retrieval.timeout", cfg.Timeout, "must not be negative")
	}
}

func (v *Validator) validateModel(cfg *ModelConfig) {
	if !core.IsValidProvider(cfg.Provider) {
		v.addError("model.provider", cfg.Provider, "must be one of: "+strings.Join(core.Providers, ", "))
	}
	if cfg.Provider == core.ProviderOpenAI && !isHTTPURL(cfg.BaseURL) {
		v.addError("model.base_url", cfg.BaseURL, "must be an http(s) URL")
	}
	if cfg.RequestsPerMinute < 0 {
		v.addError("model.requests_per_minute", cfg.RequestsPerMinute, "must not be negative")
	}
}

func (v *Validator) validateNotify(cfg *NotifyConfig) {
	names := make([]string, 0, len(cfg.Channels))
	for name := range cfg.Channels {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ch := cfg.Channels[name]
		field := "notify.channels." + name
		switch ch.Kind {
		case "", core.ChannelLog:
		case core.ChannelWebhook:
			if !isHTTPURL(ch.URL) {
				v.addError(field+".url", ch.URL, "must be an http(s) URL for webhook channels")
			}
		default:
			v.addError(field+".kind", ch.Kind, "must be one of: log, webhook")
		}
	}
}

func (v *Validator) validateState(cfg *StateConfig) {
	switch cfg.Backend {
	case "none":
	case "sqlite", "json":
		if cfg.Path == "" {
			v.addError("state.path", cfg.Path, "required for the "+cfg.Backend+" backend")
		}
	default:
		v.addError("state.backend", cfg.Backend, "must be one of: sqlite, json, none")
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// ValidateConfig is a convenience function to validate configuration.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
