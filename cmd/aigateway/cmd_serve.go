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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/arlojensen/aigateway/internal/admin"
	"github.com/arlojensen/aigateway/internal/config"
	"github.com/arlojensen/aigateway/internal/httpserver"
	"github.com/arlojensen/aigateway/internal/keypool"
	"github.com/arlojensen/aigateway/internal/proxy"
	"github.com/arlojensen/aigateway/internal/ratelimit"
	"github.com/arlojensen/aigateway/internal/store"
	"github.com/arlojensen/aigateway/internal/upstream"
	"github.com/arlojensen/aigateway/pkg/logging"
	"github.com/arlojensen/aigateway/pkg/metrics"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	source, err := config.NewSource(policyPath, credentialsPath, nil)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	view := source.Current()

	logger := logging.New(view.Policy.Log)
	slog.SetDefault(logger)

	backingStore, err := buildStore(ctx, view.Policy, logger)
	if err != nil {
		return fmt.Errorf("build persistence layer: %w", err)
	}
	if err := backingStore.Init(); err != nil {
		return fmt.Errorf("initialize persistence layer: %w", err)
	}

	loaded, err := backingStore.Load()
	if err != nil {
		logger.Warn("failed to load persisted credential state, starting empty", "error", err)
	}

	registry := metrics.DefaultRegistry()
	manager := keypool.NewManager(view.Policy.Monitoring, backingStore, logger, registry)
	manager.Bootstrap(view.Credentials, loaded)

	source.Subscribe(func(v config.View) {
		manager.UpdateMonitoringConfig(v.Policy.Monitoring)
		manager.Reconcile(v.Credentials)
	})
	if err := source.Watch(); err != nil {
		logger.Warn("failed to start config file watcher", "error", err)
	}
	defer source.Close()

	client := upstream.NewClient(view.Policy.Proxy.UpstreamBaseURL, view.Policy.Proxy.RequestTimeout(), logger)
	catalog := upstream.NewCatalog("", http.DefaultClient, logger)
	pipeline := proxy.NewPipeline(manager, client, catalog, logger, view.Policy.Proxy.MaxPayloadSizeBytes)
	adminHandlers := admin.NewHandlers(manager, source, registry, logger)
	limiter := ratelimit.New(view.Policy.RateLimit)

	if demotable, ok := backingStore.(interface{ Demoted() bool }); ok {
		go reportStoreDemotion(ctx, registry, demotable)
	}

	srv := httpserver.New(httpserver.Deps{
		Policy:   view.Policy,
		Pipeline: pipeline,
		Admin:    adminHandlers,
		Limiter:  limiter,
		Manager:  manager,
		Registry: registry,
		Logger:   logger,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case <-quit:
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), view.Policy.Proxy.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// reportStoreDemotion polls the Resilient Store's failover state onto the
// store_demoted gauge until ctx is done.
func reportStoreDemotion(ctx context.Context, registry *metrics.Registry, demotable interface{ Demoted() bool }) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		registry.SetStoreDemoted(demotable.Demoted())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// buildStore assembles the Resilient Store: a PostgreSQL primary (if
// configured) decorated over the single-document file fallback. A blank
// primary path runs fallback-only.
func buildStore(ctx context.Context, p config.Policy, logger *slog.Logger) (keypool.Store, error) {
	fallback := store.NewFileStore(p.Persistence.FallbackPath, logger)
	if p.Persistence.PrimaryPath == "" {
		return fallback, nil
	}

	poolCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(poolCtx, p.Persistence.PrimaryPath)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	primary := store.NewPostgresStore(pool, logger)

	return store.NewResilientStore(primary, fallback, logger), nil
}
