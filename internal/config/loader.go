package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "REQFLOW",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance,
// so CLI flags bound to it take precedence.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "REQFLOW",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (REQFLOW_*)
// 3. Project config (.reqflow.yaml in current directory)
// 4. User config (~/.config/reqflow/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".reqflow")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "reqflow"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("engine.max_parallel", 4)
	l.v.SetDefault("engine.task_timeout", "5m")
	l.v.SetDefault("engine.max_retries", 2)
	l.v.SetDefault("engine.base_delay", "1s")
	l.v.SetDefault("engine.max_delay", "30s")
	l.v.SetDefault("engine.multiplier", 2.0)
	l.v.SetDefault("engine.jitter", 0.1)
	l.v.SetDefault("engine.validation_retries", 1)
	l.v.SetDefault("engine.max_tool_rounds", 4)

	l.v.SetDefault("trigger.queue_size", 64)
	l.v.SetDefault("trigger.dedup_window", 1024)
	l.v.SetDefault("trigger.max_concurrent_runs", 2)
	l.v.SetDefault("trigger.watch_dir", "")
	l.v.SetDefault("trigger.watch_source", "directory")

	l.v.SetDefault("retrieval.provider", "sqlite")
	l.v.SetDefault("retrieval.path", ".reqflow/knowledge.db")
	l.v.SetDefault("retrieval.timeout", "10s")

	l.v.SetDefault("model.provider", "openai")
	l.v.SetDefault("model.base_url", "https://api.openai.com/v1")
	l.v.SetDefault("model.timeout", "2m")
	l.v.SetDefault("model.requests_per_minute", 60)
	l.v.SetDefault("model.burst", 5)

	l.v.SetDefault("notify.channels", map[string]interface{}{
		"log": map[string]interface{}{"kind": "log"},
	})

	l.v.SetDefault("sinks.file_dir", ".reqflow/output")

	l.v.SetDefault("state.backend", "sqlite")
	l.v.SetDefault("state.path", ".reqflow/runs.db")

	l.v.SetDefault("server.addr", "127.0.0.1:8088")
	l.v.SetDefault("server.cors_origins", []string{})

	l.v.SetDefault("definitions.path", "definitions")
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}
