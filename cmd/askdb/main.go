// Package main contains the entrypoint for the askdb API server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/askdb/askdb/internal/agent"
	"github.com/askdb/askdb/internal/cache"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/database"
	"github.com/askdb/askdb/internal/gemini"
	"github.com/askdb/askdb/internal/logger"
	"github.com/askdb/askdb/internal/metrics"
	"github.com/askdb/askdb/internal/scheduler"
	"github.com/askdb/askdb/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components (config, logger, store, Gemini client,
// cache, agent, scheduler, HTTP server), blocks until shutdown, and
// returns the process exit code.
func run(ctx context.Context) int {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not load .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.Info("Logger initialized", "level", cfg.LogLevel, "format", cfg.LogFormat)

	db, err := database.NewDB(cfg.Store.Path)
	if err != nil {
		log.Error("Failed to open conversation store", "path", cfg.Store.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	aiClient, err := gemini.NewClient(ctx, cfg.Gemini, log)
	if err != nil {
		log.Error("Failed to initialize Gemini client", "error", err)
		return 1
	}

	schemaCache, err := cache.New(ctx, cfg.Cache, log)
	if err != nil {
		log.Warn("Schema cache unavailable, continuing without it", "error", err)
		schemaCache = nil
	}
	defer schemaCache.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	ag := agent.New(store, aiClient, schemaCache, m, cfg.Limits, log)

	sched, err := scheduler.New(store, cfg.Store, log)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	srv := server.New(cfg.Server, ag, store, registry, log)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gCtx)
	})
	g.Go(func() error {
		if err := sched.Start(); err != nil {
			return err
		}
		<-gCtx.Done()
		return sched.Stop()
	})

	log.Info("askdb started", "addr", cfg.Server.Addr)
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Server stopped due to error", "error", runErr)
		return 1
	}

	log.Info("Server stopped gracefully")
	return 0
}
