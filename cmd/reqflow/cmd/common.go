package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/reqflow/internal/adapters/llm"
	"github.com/hugo-lorenzo-mato/reqflow/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/reqflow/internal/agentcontext"
	"github.com/hugo-lorenzo-mato/reqflow/internal/config"
	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/events"
	"github.com/hugo-lorenzo-mato/reqflow/internal/invoker"
	"github.com/hugo-lorenzo-mato/reqflow/internal/logging"
	"github.com/hugo-lorenzo-mato/reqflow/internal/notify"
	"github.com/hugo-lorenzo-mato/reqflow/internal/retrieval"
	"github.com/hugo-lorenzo-mato/reqflow/internal/service"
	"github.com/hugo-lorenzo-mato/reqflow/internal/service/workflow"
	"github.com/hugo-lorenzo-mato/reqflow/internal/sink"
)

// eventBufferSize is the per-subscriber ring buffer of the event bus.
const eventBufferSize = 256

// loadConfig reads and validates configuration using the global viper,
// which carries the flag bindings.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the logger described by cfg. When a log file is
// configured the returned closer releases it.
func newLogger(cfg config.LogConfig, out io.Writer) (*logging.Logger, func() error, error) {
	closer := func() error { return nil }
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closer = f.Close
	}
	return logging.New(logging.Config{Level: cfg.Level, Format: cfg.Format, Output: out}), closer, nil
}

// channelNames lists the configured notification channels.
func channelNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Notify.Channels))
	for name := range cfg.Notify.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Runtime holds everything a command needs to execute workflows.
type Runtime struct {
	Config  *config.Config
	Logger  *logging.Logger
	Catalog *core.Catalog
	Engine  *workflow.Engine
	Store   core.RunStore
	Bus     *events.EventBus

	closers []func() error
}

// Close releases stores and files in reverse order of acquisition.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// newRuntime wires configuration into a ready engine. stdout receives the
// output of stdout sinks.
func newRuntime(cfg *config.Config, stdout io.Writer) (rt *Runtime, err error) {
	logger, closeLog, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	rt = &Runtime{Config: cfg, Logger: logger, closers: []func() error{closeLog}}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	rt.Catalog, err = config.LoadDefinitions(cfg.Definitions.Path, channelNames(cfg))
	if err != nil {
		return nil, err
	}

	model, err := llm.NewClient(llm.Options{
		Provider: cfg.Model.Provider,
		BaseURL:  cfg.Model.BaseURL,
		APIKey:   cfg.Model.APIKey,
		Timeout:  cfg.Model.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}

	retriever, err := rt.newRetriever(cfg.Retrieval)
	if err != nil {
		return nil, err
	}

	limits := service.NewRateLimiterRegistry(
		service.RateLimiterConfigFromRPM(cfg.Model.RequestsPerMinute, cfg.Model.Burst))
	inv := invoker.New(model, invoker.NewRegistry(retriever),
		invoker.WithMaxToolRounds(cfg.Engine.MaxToolRounds),
		invoker.WithRateLimits(limits),
		invoker.WithLogger(logger),
	)

	sinks := sink.NewRegistry()
	sinks.Register(core.SinkFile, sink.NewFileSink(cfg.Sinks.FileDir))
	sinks.Register(core.SinkStdout, sink.NewStdoutSink(stdout))

	notifier := notify.NewDispatcher(logger)
	for _, name := range channelNames(cfg) {
		ch := cfg.Notify.Channels[name]
		n, err := notify.NewChannel(ch.Kind, ch.URL, logger)
		if err != nil {
			return nil, fmt.Errorf("notification channel %s: %w", name, err)
		}
		notifier.Register(name, n)
	}

	rt.Store, err = state.NewRunStore(cfg.State.Backend, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	if rt.Store != nil {
		store := rt.Store
		rt.closers = append(rt.closers, func() error { return state.CloseRunStore(store) })
	}

	rt.Bus = events.New(eventBufferSize)
	rt.closers = append(rt.closers, func() error {
		rt.Bus.Close()
		return nil
	})

	rt.Engine, err = workflow.NewEngine(workflow.Deps{
		Config: &workflow.Config{
			MaxParallel:       cfg.Engine.MaxParallel,
			TaskTimeout:       cfg.Engine.TaskTimeout,
			ValidationRetries: cfg.Engine.ValidationRetries,
			Retry: service.NewRetryPolicy(
				service.WithMaxRetries(cfg.Engine.MaxRetries),
				service.WithBaseDelay(cfg.Engine.BaseDelay),
				service.WithMaxDelay(cfg.Engine.MaxDelay),
				service.WithMultiplier(cfg.Engine.Multiplier),
				service.WithJitter(cfg.Engine.Jitter),
			),
		},
		Catalog:  rt.Catalog,
		Invoker:  inv,
		Builder:  agentcontext.NewBuilder(retriever, logger),
		Sinks:    sinks,
		Notifier: notifier,
		Store:    rt.Store,
		Bus:      rt.Bus,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("runtime ready",
		"workflows", len(rt.Catalog.ListWorkflows()),
		"model", cfg.Model.Provider,
		"retrieval", cfg.Retrieval.Provider,
		"state", cfg.State.Backend,
	)
	return rt, nil
}

// newRetriever opens the configured knowledge store. The none provider
// yields a nil client, which disables retrieval.
func (r *Runtime) newRetriever(cfg config.RetrievalConfig) (core.RetrievalClient, error) {
	var client core.RetrievalClient
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "sqlite":
		store, err := retrieval.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening knowledge store: %w", err)
		}
		r.closers = append(r.closers, store.Close)
		client = store
	case "http":
		client = retrieval.NewHTTPClient(cfg.URL, cfg.APIKey, &http.Client{Timeout: cfg.Timeout})
	default:
		return nil, fmt.Errorf("unknown retrieval provider %q", cfg.Provider)
	}
	return retrieval.WithTimeout(client, cfg.Timeout), nil
}
