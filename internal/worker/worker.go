// Package worker consumes task envelopes from the broker and runs them
// through the query executor and schema maintenance components.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mozilla/redash/internal/queries"
	"github.com/mozilla/redash/internal/schema"
	"github.com/mozilla/redash/internal/taskq"
	"github.com/mozilla/redash/shared/rabbitmq"
)

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	RabbitClient  *rabbitmq.Client
	Tasks         *taskq.Queue
	Executor      *queries.Executor
	Reconciler    *schema.Reconciler
	Sampler       *schema.Sampler
	Sweeper       *schema.Sweeper
	Queues        []string
	Concurrency   int
	PrefetchCount int
}

// Worker pulls task envelopes off the configured queues and processes
// them on a bounded goroutine pool
type Worker struct {
	logger        *slog.Logger
	rabbitClient  *rabbitmq.Client
	tasks         *taskq.Queue
	executor      *queries.Executor
	reconciler    *schema.Reconciler
	sampler       *schema.Sampler
	sweeper       *schema.Sweeper
	queues        []string
	concurrency   int
	prefetchCount int
	workerID      string
	tasksChan     chan *taskMessage
	wg            sync.WaitGroup
	stopChan      chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:        cfg.Logger,
		rabbitClient:  cfg.RabbitClient,
		tasks:         cfg.Tasks,
		executor:      cfg.Executor,
		reconciler:    cfg.Reconciler,
		sampler:       cfg.Sampler,
		sweeper:       cfg.Sweeper,
		queues:        cfg.Queues,
		concurrency:   cfg.Concurrency,
		prefetchCount: cfg.PrefetchCount,
		workerID:      "worker-" + uuid.NewString()[:8],
		tasksChan:     make(chan *taskMessage),
		stopChan:      make(chan struct{}),
	}
}

// Start begins consuming and processing tasks until ctx is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Any("queues", w.queues),
		slog.Int("concurrency", w.concurrency),
	)

	deliveries, err := w.setupConsumers(ctx)
	if err != nil {
		return fmt.Errorf("failed to set up consumers: %w", err)
	}

	w.spawnProcessorPool(ctx)

	for queue, ch := range deliveries {
		w.wg.Add(1)
		go w.dispatchDeliveries(ctx, queue, ch)
	}

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")

	return nil
}

// Stop gracefully stops the worker, draining in-flight tasks
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...",
		slog.String("worker_id", w.workerID),
	)
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
