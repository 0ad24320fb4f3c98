package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/redis/go-redis/v9"

	"github.com/mozilla/redash/internal/config"
	"github.com/mozilla/redash/internal/models"
	"github.com/mozilla/redash/internal/redlock"
	"github.com/mozilla/redash/internal/runner"
)

func refreshLockKey(dataSourceID int) string {
	return fmt.Sprintf("schema:refresh:%d:lock", dataSourceID)
}

// Reconciler converges persisted table/column metadata with the schema a
// data source's runner reports. Vanished tables and columns are soft
// deleted so one failed fetch never destroys history; each table's column
// reconciliation commits independently so partial progress survives an
// aborted cycle.
type Reconciler struct {
	rdb     *redis.Client
	sources models.DataSourceStore
	tables  models.TableStore
	runners *runner.Registry
	cache   *Cache
	cfg     config.SchemaConfig
	metrics statsd.ClientInterface
	logger  *slog.Logger
}

// NewReconciler creates a reconciler
func NewReconciler(rdb *redis.Client, sources models.DataSourceStore, tables models.TableStore, runners *runner.Registry, cache *Cache, cfg config.SchemaConfig, metrics statsd.ClientInterface, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		rdb:     rdb,
		sources: sources,
		tables:  tables,
		runners: runners,
		cache:   cache,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Refresh runs one reconciliation cycle for the data source. Cycles are
// serialized per source by a lock whose TTL exceeds the cycle's own hard
// time limit, so a crashed cycle cannot stall refreshes forever.
func (r *Reconciler) Refresh(ctx context.Context, dataSourceID int) error {
	lock := redlock.New(r.rdb, refreshLockKey(dataSourceID), r.cfg.RefreshTimeLimit+time.Minute)

	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire schema refresh lock: %w", err)
	}
	if !acquired {
		r.logger.Info("Schema refresh already running",
			slog.Int("data_source_id", dataSourceID),
		)
		return nil
	}
	defer lock.Release(context.WithoutCancel(ctx))

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RefreshTimeLimit)
	defer cancel()

	started := time.Now()
	err = r.reconcile(runCtx, dataSourceID)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		r.metrics.Incr("refresh_schema.timeout", nil, 1)
		r.logger.Error("Schema refresh timed out",
			slog.Int("data_source_id", dataSourceID),
			slog.Duration("elapsed", time.Since(started)),
		)
	case err != nil:
		r.metrics.Incr("refresh_schema.error", nil, 1)
		r.logger.Error("Schema refresh failed",
			slog.Int("data_source_id", dataSourceID),
			slog.String("error", err.Error()),
		)
	default:
		r.metrics.Incr("refresh_schema.success", nil, 1)
		r.logger.Info("Schema refresh completed",
			slog.Int("data_source_id", dataSourceID),
			slog.Duration("elapsed", time.Since(started)),
		)
	}

	return err
}

func (r *Reconciler) reconcile(ctx context.Context, dataSourceID int) error {
	ds, err := r.sources.GetDataSource(ctx, dataSourceID)
	if err != nil {
		return fmt.Errorf("failed to load data source %d: %w", dataSourceID, err)
	}

	run, err := r.runners.New(ds)
	if err != nil {
		return err
	}

	reported, err := run.Schema(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch schema: %w", err)
	}

	reportedByName := make(map[string]runner.Table, len(reported))
	presentTables := make([]string, 0, len(reported))
	tableUpserts := make([]models.TableUpsert, 0, len(reported))
	for _, table := range reported {
		reportedByName[table.Name] = table
		presentTables = append(presentTables, table.Name)
		tableUpserts = append(tableUpserts, models.TableUpsert{
			OrgID:          ds.OrgID,
			DataSourceID:   ds.ID,
			Name:           table.Name,
			ColumnMetadata: hasColumnTypes(table),
		})
	}

	if len(tableUpserts) > 0 {
		if err := r.tables.UpsertTables(ctx, tableUpserts); err != nil {
			return fmt.Errorf("failed to upsert tables: %w", err)
		}
	}

	existing, err := r.tables.ExistingTables(ctx, ds.ID)
	if err != nil {
		return fmt.Errorf("failed to reload tables: %w", err)
	}

	// Per-table commits: a later failure keeps earlier tables' progress
	for _, row := range existing {
		table, ok := reportedByName[row.Name]
		if !ok {
			continue
		}
		if err := r.reconcileColumns(ctx, ds.OrgID, row.ID, table); err != nil {
			return fmt.Errorf("failed to reconcile columns of %s: %w", row.Name, err)
		}
	}

	if _, err := r.tables.MarkTablesMissing(ctx, ds.ID, presentTables); err != nil {
		return fmt.Errorf("failed to mark vanished tables: %w", err)
	}

	if _, err := r.cache.Populate(ctx, ds.ID, nil, true); err != nil {
		return fmt.Errorf("failed to repopulate schema cache: %w", err)
	}

	return nil
}

func (r *Reconciler) reconcileColumns(ctx context.Context, orgID, tableID int, table runner.Table) error {
	present := make([]string, 0, len(table.Columns))
	upserts := make([]models.ColumnUpsert, 0, len(table.Columns))
	for _, column := range table.Columns {
		present = append(present, column.Name)
		upserts = append(upserts, models.ColumnUpsert{
			OrgID:   orgID,
			TableID: tableID,
			Name:    column.Name,
			Type:    truncate(column.Type, r.cfg.MaxTypeLength),
		})
	}

	if len(upserts) > 0 {
		if err := r.tables.UpsertColumns(ctx, upserts); err != nil {
			return err
		}
	}

	_, err := r.tables.MarkColumnsMissing(ctx, tableID, present)
	return err
}

func hasColumnTypes(table runner.Table) bool {
	for _, column := range table.Columns {
		if column.Type != "" {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
