package queries

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/redis/go-redis/v9"

	"github.com/mozilla/redash/internal/models"
	"github.com/mozilla/redash/internal/runner"
)

// FailureNotifier is told about failed scheduled executions so it can
// decide whether to alert the query owner
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, execErr error, query *models.Query)
}

// AlertEvaluator re-evaluates alerts watching a query after a new result
// lands. Calls are fire-and-forget per query.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, queryID int)
}

// Executor runs one dispatched query job to completion: it resolves the
// data source and acting identity, delegates to the source's runner,
// persists the result, and maintains the scheduled-failure counter.
type Executor struct {
	rdb      *redis.Client
	sources  models.DataSourceStore
	queries  models.QueryStore
	results  models.ResultStore
	runners  *runner.Registry
	notifier FailureNotifier
	alerts   AlertEvaluator
	metrics  statsd.ClientInterface
	logger   *slog.Logger
}

// NewExecutor creates an executor
func NewExecutor(rdb *redis.Client, sources models.DataSourceStore, queries models.QueryStore, results models.ResultStore, runners *runner.Registry, notifier FailureNotifier, alerts AlertEvaluator, metrics statsd.ClientInterface, logger *slog.Logger) *Executor {
	return &Executor{
		rdb:      rdb,
		sources:  sources,
		queries:  queries,
		results:  results,
		runners:  runners,
		notifier: notifier,
		alerts:   alerts,
		metrics:  metrics,
		logger:   logger,
	}
}

// Execute runs the job and returns the persisted result id. The dedup
// registry entry for this (source, fingerprint) pair is cleared on every
// exit path so a retry can be dispatched immediately.
func (e *Executor) Execute(ctx context.Context, taskID string, args *ExecuteArgs) (resultID int, err error) {
	defer func() {
		// Release with a fresh context: ctx may already be past its deadline
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := ReleaseJobLock(releaseCtx, e.rdb, args.DataSourceID, args.QueryHash); relErr != nil {
			e.logger.Warn("Failed to release job lock",
				slog.String("task_id", taskID),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	ds, err := e.sources.GetDataSource(ctx, args.DataSourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to load data source %d: %w", args.DataSourceID, err)
	}

	identity, err := e.resolveIdentity(ctx, args)
	if err != nil {
		return 0, err
	}

	r, err := e.runners.New(ds)
	if err != nil {
		return 0, err
	}

	annotated := annotateQuery(args.QueryText, map[string]string{
		"Job ID":     taskID,
		"Query Hash": args.QueryHash,
		"Queue":      args.Queue,
		"Scheduled":  fmt.Sprintf("%t", args.Scheduled()),
		"Username":   identityName(identity),
	})

	started := time.Now()
	data, runErr := r.RunQuery(ctx, annotated, identity)
	runtime := time.Since(started).Seconds()

	e.metrics.Timing("execute_query.runtime", time.Since(started), []string{"type:" + ds.Type}, 1)

	if runErr != nil {
		e.handleFailure(ctx, args, runErr)
		return 0, runErr
	}

	if args.Scheduled() {
		e.resetFailures(ctx, args.ScheduledQueryID)
	}

	resultID, updatedQueryIDs, err := e.results.StoreResult(ctx, ds.OrgID, ds.ID, args.QueryHash, args.QueryText, data, runtime, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to store query result: %w", err)
	}

	for _, queryID := range updatedQueryIDs {
		e.alerts.Evaluate(ctx, queryID)
	}

	e.logger.Info("Query executed",
		slog.String("task_id", taskID),
		slog.Int("data_source_id", ds.ID),
		slog.Int("query_result_id", resultID),
		slog.Float64("runtime", runtime),
	)

	return resultID, nil
}

// handleFailure updates the scheduled-failure counter and notifies
func (e *Executor) handleFailure(ctx context.Context, args *ExecuteArgs, execErr error) {
	e.logger.Error("Query execution failed",
		slog.Int("data_source_id", args.DataSourceID),
		slog.String("query_hash", args.QueryHash),
		slog.String("error", execErr.Error()),
	)

	if !args.Scheduled() {
		return
	}

	query, err := e.queries.GetQuery(ctx, args.ScheduledQueryID)
	if err != nil {
		e.logger.Warn("Failed to load scheduled query for failure tracking",
			slog.Int("query_id", args.ScheduledQueryID),
			slog.String("error", err.Error()),
		)
		return
	}

	failures, err := e.queries.IncrementScheduleFailures(ctx, query.ID)
	if err != nil {
		e.logger.Warn("Failed to increment schedule failures",
			slog.Int("query_id", query.ID),
			slog.String("error", err.Error()),
		)
	} else {
		query.ScheduleFailures = failures
	}

	e.notifier.NotifyFailure(ctx, execErr, query)
}

// resetFailures zeroes the consecutive-failure counter after a success
func (e *Executor) resetFailures(ctx context.Context, queryID int) {
	query, err := e.queries.GetQuery(ctx, queryID)
	if err != nil || query.ScheduleFailures == 0 {
		return
	}

	if err := e.queries.ResetScheduleFailures(ctx, query.ID); err != nil {
		e.logger.Warn("Failed to reset schedule failures",
			slog.Int("query_id", query.ID),
			slog.String("error", err.Error()),
		)
	}
}

// resolveIdentity picks the acting identity: an explicit user, an API-key
// pseudo-identity scoped to the key's query, or anonymous (nil)
func (e *Executor) resolveIdentity(ctx context.Context, args *ExecuteArgs) (*models.Identity, error) {
	if args.UserID != 0 {
		identity, err := e.queries.GetUser(ctx, args.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user %d: %w", args.UserID, err)
		}
		return identity, nil
	}

	if args.APIKey != "" {
		query, err := e.queries.GetQueryByAPIKey(ctx, args.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve api key: %w", err)
		}
		return &models.Identity{
			Name:     fmt.Sprintf("api_key:query:%d", query.ID),
			OrgID:    query.OrgID,
			IsAPIKey: true,
		}, nil
	}

	return nil, nil
}

func identityName(identity *models.Identity) string {
	if identity == nil {
		return "anonymous"
	}
	return identity.Name
}

// annotateQuery prefixes the query with a metadata comment so executions
// are traceable from the external system's own logs
func annotateQuery(queryText string, meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+": "+meta[k])
	}

	return "/* " + strings.Join(pairs, ", ") + " */ " + queryText
}
