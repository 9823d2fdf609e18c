package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratagem-ai/stratagem/internal/automation"
	"github.com/stratagem-ai/stratagem/internal/cache"
	"github.com/stratagem-ai/stratagem/internal/config"
	"github.com/stratagem-ai/stratagem/internal/generation"
	"github.com/stratagem-ai/stratagem/internal/observability"
	"github.com/stratagem-ai/stratagem/internal/pipeline"
	"github.com/stratagem-ai/stratagem/internal/ratelimit"
	"github.com/stratagem-ai/stratagem/internal/server"
	"github.com/stratagem-ai/stratagem/internal/toolexec"
)

// buildServeCmd creates the "serve" command that starts the service.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Stratagem server",
		Long: `Start the Stratagem server.

The server will:
1. Load configuration from the specified file
2. Open the automation rule store
3. Initialize the generation provider and tool-execution client
4. Start the HTTP server for generation, analysis and automation endpoints
5. Start the periodic automation sweep

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "stratagem.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe implements the serve command logic: configuration loading,
// dependency wiring and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	slog.Info("starting stratagem",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"provider", cfg.Generation.Provider,
	)

	generator, err := buildGenerator(cfg)
	if err != nil {
		return fmt.Errorf("generation provider: %w", err)
	}

	tools := toolexec.NewClient(cfg.ToolService.BaseURL, cfg.ToolService.Token,
		toolexec.WithHTTPClient(newToolHTTPClient(cfg)))

	metrics := observability.NewMetrics()
	orchestrator := pipeline.NewOrchestrator(tools, generator,
		pipeline.WithMetrics(metrics),
		pipeline.WithCostPerToken(cfg.Generation.CostPerToken))

	store, err := automation.NewSQLiteStore(cfg.Automation.SQLitePath)
	if err != nil {
		return fmt.Errorf("automation store: %w", err)
	}
	defer store.Close()

	scheduler := automation.NewScheduler(store, pipeline.NewHeadlessRunner(orchestrator))

	registry := generation.NewRegistry(
		generation.WithHistoryLimit(cfg.Session.HistoryLimit))

	srv, err := server.New(server.Options{
		Config:       cfg,
		Registry:     registry,
		Orchestrator: orchestrator,
		Limiter: ratelimit.NewLimiter(ratelimit.Config{
			Enabled:           cfg.RateLimit.Enabled,
			RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
			Window:            cfg.RateLimit.Window,
		}),
		Cache: cache.NewResultCache(cache.ResultCacheOptions{
			TTL:     cfg.Cache.TTL,
			MaxSize: cfg.Cache.MaxSize,
		}),
		Scheduler: scheduler,
		Metrics:   metrics,
		Logger:    slog.Default().With("component", "server"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(); err != nil {
		return err
	}

	go runSweepLoop(ctx, scheduler, cfg.Automation.SweepInterval)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	return nil
}

func buildGenerator(cfg *config.Config) (toolexec.Generator, error) {
	switch cfg.Generation.Provider {
	case "anthropic":
		return toolexec.NewAnthropicGenerator(toolexec.AnthropicConfig{
			APIKey:       cfg.Generation.APIKey,
			BaseURL:      cfg.Generation.BaseURL,
			DefaultModel: cfg.Generation.Model,
		})
	default:
		return toolexec.NewOpenAIGenerator(toolexec.OpenAIConfig{
			APIKey:       cfg.Generation.APIKey,
			BaseURL:      cfg.Generation.BaseURL,
			DefaultModel: cfg.Generation.Model,
		})
	}
}

func newToolHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{Timeout: cfg.ToolService.Timeout}
}

// runSweepLoop fires the automation scheduler at the configured interval
// until the context is cancelled.
func runSweepLoop(ctx context.Context, scheduler *automation.Scheduler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := scheduler.Sweep(ctx)
			if err != nil {
				slog.Error("automation sweep failed", "error", err)
				continue
			}
			if result.Processed > 0 {
				slog.Info("automation sweep finished",
					"processed", result.Processed,
					"succeeded", result.Succeeded)
			}
		}
	}
}
