package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/mozilla/redash/internal/config"
	"github.com/mozilla/redash/internal/models"
	"github.com/mozilla/redash/internal/schema"
	"github.com/mozilla/redash/internal/taskq"
)

// defaultSweepSchedule runs the retention sweep nightly
const defaultSweepSchedule = "0 3 * * *"

// Scheduler fans out periodic maintenance tasks: schema refreshes and
// sample updates per data source, plus the soft-delete retention sweep
type Scheduler struct {
	cron    *cron.Cron
	sources models.DataSourceStore
	tasks   *taskq.Queue
	cfg     config.SchemaConfig
	logger  *slog.Logger
}

// NewScheduler creates a scheduler
func NewScheduler(sources models.DataSourceStore, tasks *taskq.Queue, cfg config.SchemaConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		sources: sources,
		tasks:   tasks,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start registers the periodic jobs and starts the cron loop
func (s *Scheduler) Start(ctx context.Context) error {
	refreshSpec := fmt.Sprintf("@every %s", s.cfg.RefreshInterval)
	if _, err := s.cron.AddFunc(refreshSpec, func() {
		s.fanOut(ctx, schema.TaskRefreshSchema)
	}); err != nil {
		return fmt.Errorf("failed to schedule schema refresh: %w", err)
	}

	sampleSpec := fmt.Sprintf("@every %dh", s.cfg.SampleRefreshDays*24)
	if _, err := s.cron.AddFunc(sampleSpec, func() {
		s.fanOut(ctx, schema.TaskRefreshSamples)
	}); err != nil {
		return fmt.Errorf("failed to schedule sample refresh: %w", err)
	}

	sweepSpec := s.cfg.SweepSchedule
	if sweepSpec == "" {
		sweepSpec = defaultSweepSchedule
	}
	if _, err := s.cron.AddFunc(sweepSpec, func() {
		s.sweep(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule metadata sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Periodic scheduler started",
		slog.String("refresh", refreshSpec),
		slog.String("samples", sampleSpec),
		slog.String("sweep", sweepSpec),
	)

	return nil
}

// Stop halts the cron loop, waiting for running jobs to finish
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Periodic scheduler stopped")
}

// fanOut submits one task per active data source. Paused sources are
// skipped; a pause means the source's queues are intentionally idle.
func (s *Scheduler) fanOut(ctx context.Context, taskName string) {
	sources, err := s.sources.ListDataSources(ctx)
	if err != nil {
		s.logger.Error("Failed to list data sources for fan-out",
			slog.String("task", taskName),
			slog.String("error", err.Error()),
		)
		return
	}

	var submitted int
	for _, ds := range sources {
		if ds.Paused {
			continue
		}
		if taskName == schema.TaskRefreshSamples && !ds.SamplesEnabled {
			continue
		}

		args := &schema.RefreshArgs{DataSourceID: ds.ID}
		if _, err := s.tasks.Submit(ctx, taskName, args, s.cfg.RefreshQueue, s.cfg.RefreshTimeLimit); err != nil {
			s.logger.Error("Failed to submit periodic task",
				slog.String("task", taskName),
				slog.Int("data_source_id", ds.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		submitted++
	}

	s.logger.Info("Periodic fan-out completed",
		slog.String("task", taskName),
		slog.Int("submitted", submitted),
	)
}

// sweep submits one retention sweep per metadata kind
func (s *Scheduler) sweep(ctx context.Context) {
	for _, kind := range []models.MetadataKind{models.TableKind, models.ColumnKind} {
		args := &schema.SweepArgs{Kind: kind}
		if _, err := s.tasks.Submit(ctx, schema.TaskSweepMetadata, args, s.cfg.RefreshQueue, 0); err != nil {
			s.logger.Error("Failed to submit sweep task",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}
