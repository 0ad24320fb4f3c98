package queries

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/redis/go-redis/v9"

	"github.com/mozilla/redash/internal/config"
	"github.com/mozilla/redash/internal/models"
	"github.com/mozilla/redash/internal/taskq"
)

// TaskExecuteQuery is the task name workers dispatch on
const TaskExecuteQuery = "execute_query"

// enqueueAttempts bounds the optimistic check-and-set loop
const enqueueAttempts = 5

// ErrNoJobCreated signals that dispatch lost the check-and-set race too
// many times. No job exists for the caller; retry later.
var ErrNoJobCreated = errors.New("repeated conflicts, no job created")

// ExecuteArgs is the execute_query task payload
type ExecuteArgs struct {
	QueryText        string `json:"query_text"`
	QueryHash        string `json:"query_hash"`
	DataSourceID     int    `json:"data_source_id"`
	UserID           int    `json:"user_id,omitempty"`
	APIKey           string `json:"api_key,omitempty"`
	ScheduledQueryID int    `json:"scheduled_query_id,omitempty"`
	Queue            string `json:"queue"`
}

// Scheduled reports whether this execution came from a recurring schedule
func (a *ExecuteArgs) Scheduled() bool {
	return a.ScheduledQueryID != 0
}

// ScheduleContext marks an enqueue as originating from a recurring query
type ScheduleContext struct {
	QueryID int
}

// jobLockKey is the dedup registry key for one (source, fingerprint) pair
func jobLockKey(dataSourceID int, queryHash string) string {
	return fmt.Sprintf("job:%d:%s", dataSourceID, queryHash)
}

// Enqueuer dispatches query executions with distributed dedup: at most one
// live job exists per (data source, fingerprint) pair.
type Enqueuer struct {
	rdb     *redis.Client
	tasks   *taskq.Queue
	sources models.DataSourceStore
	cfg     config.QueriesConfig
	metrics statsd.ClientInterface
	logger  *slog.Logger
}

// NewEnqueuer creates a dispatcher
func NewEnqueuer(rdb *redis.Client, tasks *taskq.Queue, sources models.DataSourceStore, cfg config.QueriesConfig, metrics statsd.ClientInterface, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{
		rdb:     rdb,
		tasks:   tasks,
		sources: sources,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Enqueue returns the handle of the live job for this query text and data
// source, creating one when none exists. Concurrent identical submissions
// share a single execution; sched selects the scheduled queue and the
// organization's time limit.
func (e *Enqueuer) Enqueue(ctx context.Context, queryText string, ds *models.DataSource, userID int, apiKey string, sched *ScheduleContext) (*JobHandle, error) {
	queryHash := Fingerprint(queryText)
	lockKey := jobLockKey(ds.ID, queryHash)

	queue, timeLimit, err := e.route(ctx, ds, sched)
	if err != nil {
		return nil, err
	}

	args := &ExecuteArgs{
		QueryText:    queryText,
		QueryHash:    queryHash,
		DataSourceID: ds.ID,
		UserID:       userID,
		APIKey:       apiKey,
		Queue:        queue,
	}
	if sched != nil {
		args.ScheduledQueryID = sched.QueryID
	}

	for attempt := 0; attempt < enqueueAttempts; attempt++ {
		var job *JobHandle
		var created bool

		err := e.rdb.Watch(ctx, func(tx *redis.Tx) error {
			existingID, err := tx.Get(ctx, lockKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			if existingID != "" {
				existing := NewJobHandle(e.tasks.Handle(existingID))
				ready, err := existing.Ready(ctx)
				if err != nil {
					return err
				}
				if !ready {
					// Dedup win: an identical query is already in flight
					e.logger.Debug("Reusing in-flight job",
						slog.String("job_id", existingID),
						slog.Int("data_source_id", ds.ID),
						slog.String("query_hash", queryHash),
					)
					job = existing
					return nil
				}
				// Stale entry for a finished job; replace it below
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				handle, err := e.tasks.Submit(ctx, TaskExecuteQuery, args, queue, timeLimit)
				if err != nil {
					return err
				}

				job = NewJobHandle(handle)
				created = true
				pipe.Set(ctx, lockKey, handle.ID(), e.cfg.JobExpiry)
				return nil
			})
			return err
		}, lockKey)

		if errors.Is(err, redis.TxFailedErr) {
			// Lost the race to a concurrent writer; re-read and retry
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue query: %w", err)
		}

		if created {
			e.logger.Info("Query job dispatched",
				slog.String("job_id", job.ID()),
				slog.Int("data_source_id", ds.ID),
				slog.String("query_hash", queryHash),
				slog.String("queue", queue),
				slog.Bool("scheduled", sched != nil),
			)
		}

		return job, nil
	}

	e.metrics.Incr("enqueue.conflict_exhausted", nil, 1)

	return nil, ErrNoJobCreated
}

// route picks the destination queue and time limit for the execution
func (e *Enqueuer) route(ctx context.Context, ds *models.DataSource, sched *ScheduleContext) (string, time.Duration, error) {
	if sched == nil {
		queue := ds.QueueName
		if queue == "" {
			queue = e.cfg.AdhocQueue
		}
		return queue, e.cfg.AdhocTimeLimit, nil
	}

	queue := ds.ScheduledQueueName
	if queue == "" {
		queue = e.cfg.ScheduledQueue
	}

	timeLimit := e.cfg.ScheduledTimeLimit
	org, err := e.sources.GetOrganization(ctx, ds.OrgID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to resolve organization: %w", err)
	}
	if org.ScheduledTimeLimit.Valid {
		timeLimit = time.Duration(org.ScheduledTimeLimit.Int64) * time.Second
	}

	return queue, timeLimit, nil
}

// ReleaseJobLock clears the dedup registry entry for the pair. Executors
// call this on completion so a follow-up run can be scheduled immediately.
func ReleaseJobLock(ctx context.Context, rdb *redis.Client, dataSourceID int, queryHash string) error {
	return rdb.Del(ctx, jobLockKey(dataSourceID, queryHash)).Err()
}

// DecodeExecuteArgs parses an execute_query task payload
func DecodeExecuteArgs(raw json.RawMessage) (*ExecuteArgs, error) {
	var args ExecuteArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid execute_query args: %w", err)
	}
	return &args, nil
}
