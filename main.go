// Package main runs the comment-triggered reply and DM automation service.
// In serve mode it exposes /pollz for an external scheduler (and optionally ticks on its own);
// in once mode it performs a single run and exits non-zero on failure.
package main

import (
	"autodm/config"
	"autodm/dispatch"
	"autodm/graph"
	"autodm/poll"
	"autodm/rules"
	"autodm/server"
	"autodm/storage"
	"autodm/token"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	_ "github.com/joho/godotenv/autoload"
	"google.golang.org/api/option"
)

// backend is everything the automation components need from persistence.
type backend interface {
	poll.Store
	token.Store
	dispatch.Ledger
	rules.Ledger
	Ping(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("ping storage: %w", err)
	}

	runner := newRunner(store, cfg, logger, nil)
	srv := server.New(&server.Config{Runner: runner, Store: store, Logger: logger})

	if cfg.Run.Mode == config.ModeOnce {
		summary, err := runner.Run(ctx)
		if err != nil {
			return fmt.Errorf("run automations: %w", err)
		}
		logger.Info("Run finished",
			"processed", summary.AutomationsProcessed,
			"skipped", summary.AutomationsSkipped,
			"failed", summary.AutomationsFailed,
			"sent", summary.MessagesSent,
			"duration", summary.Duration.String())
		return nil
	}

	if cfg.Run.Interval > 0 {
		go tick(ctx, srv, cfg.Run.Interval, logger)
	}
	return srv.ListenAndServe(ctx, cfg.Server.Port)
}

// newRunner wires the automation components over a backend. A nil clock uses time.Now.
func newRunner(store backend, cfg *config.Config, logger *slog.Logger, now func() time.Time) *poll.Runner {
	api := graph.New(&http.Client{Timeout: cfg.Graph.Timeout}, graph.Config{
		BaseURL:           cfg.Graph.BaseURL,
		RefreshURL:        cfg.Graph.RefreshURL,
		RequestsPerSecond: cfg.Graph.RequestsPerSecond,
		Burst:             cfg.Graph.Burst,
		MaxPages:          cfg.Graph.MaxPages,
		LookupCacheSize:   cfg.Graph.LookupCacheSize,
		LookupCacheTTL:    cfg.Graph.LookupCacheTTL,
		RetryAttempts:     cfg.Graph.RetryAttempts,
	}, logger)

	tokens := token.New(api, store, logger, now)
	dispatcher := dispatch.New(api, store, dispatch.Config{
		DefaultReply:  cfg.Dispatch.DefaultReply,
		DefaultButton: cfg.Dispatch.DefaultButton,
		Branding:      cfg.Dispatch.Branding,
		PayloadPrefix: cfg.Dispatch.PayloadPrefix,
	}, logger, now)

	return poll.New(store, tokens, api, dispatcher, rules.NewDedup(store), rules.NewLimiter(store, now), logger, now)
}

// openStore opens the configured backend. The returned close func is always safe to call.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (backend, func(), error) {
	switch cfg.Backend {
	case config.BackendLocal:
		logger.Info("Running with local storage", "storage_path", cfg.LocalPath)
		if err := os.MkdirAll(cfg.LocalPath, 0o755); err != nil {
			return nil, func() {}, fmt.Errorf("create local storage directory: %w", err)
		}
		return storage.New(nil, "", cfg.LocalPath, logger), func() {}, nil

	case config.BackendGCS:
		var opts []option.ClientOption
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, func() {}, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Running with GCS storage", "bucket", cfg.Bucket)
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		return storage.New(client, cfg.Bucket, "", logger), closeFn, nil

	case config.BackendPostgres:
		pg, err := storage.NewPostgres(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, func() {}, fmt.Errorf("open postgres: %w", err)
		}
		logger.Info("Running with Postgres storage")
		return pg, pg.Close, nil

	default:
		return nil, func() {}, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// tick triggers a run every interval until ctx is done. Overlapping ticks are skipped.
func tick(ctx context.Context, srv *server.Server, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		summary, ran, err := srv.RunOnce(ctx)
		switch {
		case !ran:
			logger.Info("Skipping scheduled run, previous run still in progress")
		case err != nil && !errors.Is(err, context.Canceled):
			logger.Error("Scheduled run failed", "error", err)
		case err == nil:
			logger.Info("Scheduled run finished", "processed", summary.AutomationsProcessed, "sent", summary.MessagesSent)
		}
	}
}
