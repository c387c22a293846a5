package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/reqflow/internal/api"
	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/service/workflow"
	"github.com/hugo-lorenzo-mato/reqflow/internal/trigger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run triggered workflows",
	Long: `Start the trigger listener, the run scheduler and the HTTP API.

Runs start from POST /api/v1/workflows/{id}/runs, from webhook events on
POST /api/v1/events, and from documents written to the watched directory.

Examples:
  # Start with defaults (127.0.0.1:8088)
  reqflow serve

  # Listen on all interfaces and watch an inbox directory
  reqflow serve --addr 0.0.0.0:8088 --watch ./inbox`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "address to listen on (default from server.addr)")
	serveCmd.Flags().String("watch", "", "directory to watch for documents (default from trigger.watch_dir)")
	serveCmd.Flags().Int("max-runs", 0, "maximum concurrent runs (default from trigger.max_concurrent_runs)")

	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("trigger.watch_dir", serveCmd.Flags().Lookup("watch"))
	_ = viper.BindPFlag("trigger.max_concurrent_runs", serveCmd.Flags().Lookup("max-runs"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			rt.Logger.Warn("failed to close runtime", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, rt)
}

// serve runs the listener, scheduler, directory watcher and API until ctx
// is done. Queued requests are abandoned on shutdown; runs in flight are
// cancelled and archived.
func serve(ctx context.Context, rt *Runtime) error {
	cfg := rt.Config
	logger := rt.Logger

	listener := trigger.NewListener(rt.Catalog,
		trigger.Config{QueueSize: cfg.Trigger.QueueSize, DedupWindow: cfg.Trigger.DedupWindow},
		trigger.WithEventBus(rt.Bus),
		trigger.WithLogger(logger),
		trigger.WithDropAlert(func(req trigger.RunRequest) {
			logger.Error("run request dropped: queue full",
				"workflow_id", string(req.WorkflowID), "key", req.Key)
		}),
	)
	defer listener.Close()

	scheduler := workflow.NewScheduler(rt.Engine, listener.Requests(), cfg.Trigger.MaxConcurrentRuns, logger,
		workflow.WithRunFinished(func(req trigger.RunRequest, run *core.RunContext) {
			logger.Info("triggered run finished",
				"workflow_id", string(req.WorkflowID),
				"run_id", string(run.ID),
				"key", req.Key,
				"status", string(run.Status()),
			)
		}),
	)

	if cfg.Trigger.WatchDir != "" {
		if err := os.MkdirAll(cfg.Trigger.WatchDir, 0o750); err != nil {
			return fmt.Errorf("creating watch directory: %w", err)
		}
		watcher := trigger.NewDirectorySource(cfg.Trigger.WatchDir, cfg.Trigger.WatchSource, listener, logger)
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("watching %s: %w", cfg.Trigger.WatchDir, err)
		}
		defer func() { _ = watcher.Close() }()
		logger.Info("watching directory", "dir", cfg.Trigger.WatchDir, "source", cfg.Trigger.WatchSource)
	}

	server := api.NewServer(rt.Engine, listener,
		api.WithLogger(logger),
		api.WithRunStore(rt.Store),
		api.WithEventBus(rt.Bus),
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.Server.Addr)
	})

	logger.Info("reqflow serving",
		"addr", cfg.Server.Addr,
		"workflows", len(rt.Catalog.ListWorkflows()),
		"max_concurrent_runs", cfg.Trigger.MaxConcurrentRuns,
	)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("reqflow stopped")
	return nil
}
