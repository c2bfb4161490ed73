// Package scheduler runs background maintenance for the conversation
// store: retention pruning of old exchanges and SQLite housekeeping.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/database"
)

const maintenanceInterval = 24 * time.Hour

// Scheduler manages the periodic maintenance jobs using gocron.
type Scheduler struct {
	scheduler gocron.Scheduler
	store     database.Store
	cfg       config.StoreConfig
	logger    *slog.Logger
	mu        sync.Mutex
	running   bool
}

// New creates a Scheduler. Jobs are registered on Start.
func New(store database.Store, cfg config.StoreConfig, logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		store:     store,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
	}, nil
}

// Start registers the maintenance job and starts the scheduler ticking.
// Retention pruning is skipped entirely when RetentionDays is zero.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	_, err := s.scheduler.NewJob(
		gocron.DurationJob(maintenanceInterval),
		gocron.NewTask(s.runMaintenance, context.Background()),
		gocron.WithName("store_maintenance"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule maintenance job: %w", err)
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Info("Scheduler started", "interval", maintenanceInterval, "retention_days", s.cfg.RetentionDays)

	return nil
}

func (s *Scheduler) runMaintenance(ctx context.Context) {
	s.logger.InfoContext(ctx, "Running store maintenance")
	start := time.Now()

	if s.cfg.RetentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)

		pruned, err := s.store.PruneExchangesBefore(ctx, cutoff)
		if err != nil {
			s.logger.ErrorContext(ctx, "Retention pruning failed", "error", err)
		} else if pruned > 0 {
			s.logger.InfoContext(ctx, "Pruned old exchanges", "count", pruned, "cutoff", cutoff)
		}
	}

	if err := s.store.RunMaintenance(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Store maintenance failed", "error", err)
	}

	s.logger.InfoContext(ctx, "Store maintenance finished", "duration", time.Since(start))
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}

	s.running = false
	s.logger.Info("Scheduler stopped")

	return nil
}
