// Package schema keeps the per-data-source schema model in sync: a Redis
// cache serving table listings with stale-while-revalidate semantics, a
// reconciler converging persisted metadata with runner-reported schemas,
// a sampler filling column examples, and a sweeper deleting soft-deleted
// rows past retention.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mozilla/redash/internal/models"
	"github.com/mozilla/redash/internal/redlock"
)

// populateLockTTL bounds a repopulation; reads come from Postgres only
// so a minute is generous
const populateLockTTL = time.Minute

func cacheKey(dataSourceID int) string {
	return fmt.Sprintf("schema:cache:%d", dataSourceID)
}

func freshKey(dataSourceID int) string {
	return cacheKey(dataSourceID) + ":fresh"
}

func populateLockKey(dataSourceID int) string {
	return cacheKey(dataSourceID) + ":lock"
}

// RefreshRequester enqueues a background schema refresh without blocking
type RefreshRequester interface {
	RequestRefresh(ctx context.Context, dataSourceID int) error
}

// RefreshFunc adapts a function to RefreshRequester
type RefreshFunc func(ctx context.Context, dataSourceID int) error

func (f RefreshFunc) RequestRefresh(ctx context.Context, dataSourceID int) error {
	return f(ctx, dataSourceID)
}

// Cache serves serialized schema snapshots per data source. Stale
// snapshots are served while one process repopulates; readers never
// block behind a refresh and a cold cache degrades to an empty listing.
type Cache struct {
	rdb       *redis.Client
	tables    models.TableStore
	refresher RefreshRequester
	interval  time.Duration
	grace     time.Duration
	logger    *slog.Logger
}

// NewCache creates a schema cache. interval is how long a snapshot counts
// as fresh; grace extends the payload's lifetime past freshness so stale
// reads still have something to serve.
func NewCache(rdb *redis.Client, tables models.TableStore, refresher RefreshRequester, interval, grace time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		rdb:       rdb,
		tables:    tables,
		refresher: refresher,
		interval:  interval,
		grace:     grace,
		logger:    logger,
	}
}

// Get returns the schema listing for the data source. refresh requests a
// background re-fetch from the external source without waiting on it.
// Freshness is decided before the payload read so a just-expired payload
// is never misreported as fresh.
func (c *Cache) Get(ctx context.Context, dataSourceID int, refresh bool) ([]models.TableSchema, error) {
	if refresh && c.refresher != nil {
		if err := c.refresher.RequestRefresh(ctx, dataSourceID); err != nil {
			c.logger.Warn("Failed to request schema refresh",
				slog.Int("data_source_id", dataSourceID),
				slog.String("error", err.Error()),
			)
		}
	}

	fresh, err := c.rdb.Exists(ctx, freshKey(dataSourceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read schema freshness: %w", err)
	}

	cached, err := c.readPayload(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}

	if fresh > 0 {
		return cached, nil
	}

	return c.Populate(ctx, dataSourceID, cached, false)
}

// Populate rebuilds the cached snapshot from persisted metadata. Only one
// process repopulates at a time; losers return the fallback unchanged so
// concurrent stale reads never stampede the store. forced skips the lock
// gate, used after reconciliation so readers see new schema immediately.
func (c *Cache) Populate(ctx context.Context, dataSourceID int, fallback []models.TableSchema, forced bool) ([]models.TableSchema, error) {
	lock := redlock.New(c.rdb, populateLockKey(dataSourceID), populateLockTTL)

	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire schema populate lock: %w", err)
	}
	if !acquired && !forced {
		return fallback, nil
	}
	if acquired {
		defer lock.Release(ctx)
	}

	tables, err := c.tables.ExistingSchema(ctx, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema metadata: %w", err)
	}
	if tables == nil {
		tables = []models.TableSchema{}
	}

	payload, err := json.Marshal(tables)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema snapshot: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, cacheKey(dataSourceID), payload, c.interval+c.grace)
		pipe.Set(ctx, freshKey(dataSourceID), "1", c.interval)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write schema snapshot: %w", err)
	}

	c.logger.Debug("Schema cache repopulated",
		slog.Int("data_source_id", dataSourceID),
		slog.Int("tables", len(tables)),
		slog.Bool("forced", forced),
	)

	return tables, nil
}

func (c *Cache) readPayload(ctx context.Context, dataSourceID int) ([]models.TableSchema, error) {
	raw, err := c.rdb.Get(ctx, cacheKey(dataSourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []models.TableSchema{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schema cache: %w", err)
	}

	var tables []models.TableSchema
	if err := json.Unmarshal(raw, &tables); err != nil {
		return nil, fmt.Errorf("failed to decode schema cache: %w", err)
	}
	if tables == nil {
		tables = []models.TableSchema{}
	}

	return tables, nil
}
