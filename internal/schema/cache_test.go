package schema

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/redash/internal/models"
)

func newTestCache(t *testing.T, store models.TableStore, refresher RefreshRequester) (*Cache, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cache := NewCache(rdb, store, refresher, 30*time.Minute, 10*time.Minute, slog.New(slog.DiscardHandler))

	return cache, mr, rdb
}

func seedTable(t *testing.T, store *memTables, dataSourceID int, name string, columns ...string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.UpsertTables(ctx, []models.TableUpsert{
		{OrgID: 1, DataSourceID: dataSourceID, Name: name},
	}))

	row := store.findTable(dataSourceID, name)
	require.NotNil(t, row)

	upserts := make([]models.ColumnUpsert, 0, len(columns))
	for _, col := range columns {
		upserts = append(upserts, models.ColumnUpsert{OrgID: 1, TableID: row.ID, Name: col})
	}
	require.NoError(t, store.UpsertColumns(ctx, upserts))
}

func TestGetColdCacheRepopulatesFromStore(t *testing.T) {
	store := newMemTables()
	seedTable(t, store, 7, "users", "id", "email")
	cache, mr, _ := newTestCache(t, store, nil)

	tables, err := cache.Get(context.Background(), 7, false)
	require.NoError(t, err)

	require.Len(t, tables, 1)
	assert.Equal(t, "users", tables[0].Name)
	assert.Len(t, tables[0].Columns, 2)

	assert.True(t, mr.Exists("schema:cache:7"))
	assert.True(t, mr.Exists("schema:cache:7:fresh"))
}

func TestGetFreshCacheServesPayloadWithoutStoreAccess(t *testing.T) {
	cache, _, rdb := newTestCache(t, newMemTables(), nil)
	ctx := context.Background()

	payload, err := json.Marshal([]models.TableSchema{{ID: 1, Name: "users"}})
	require.NoError(t, err)
	require.NoError(t, rdb.Set(ctx, "schema:cache:7", payload, 40*time.Minute).Err())
	require.NoError(t, rdb.Set(ctx, "schema:cache:7:fresh", "1", 30*time.Minute).Err())

	tables, err := cache.Get(ctx, 7, false)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "users", tables[0].Name)
}

func TestGetStaleCacheWithHeldLockReturnsFallback(t *testing.T) {
	store := newMemTables()
	seedTable(t, store, 7, "orders")
	cache, _, rdb := newTestCache(t, store, nil)
	ctx := context.Background()

	stale, err := json.Marshal([]models.TableSchema{{ID: 9, Name: "stale_view"}})
	require.NoError(t, err)
	require.NoError(t, rdb.Set(ctx, "schema:cache:7", stale, 40*time.Minute).Err())
	// No freshness key, and another process holds the populate lock
	require.NoError(t, rdb.Set(ctx, "schema:cache:7:lock", "someone-else", time.Minute).Err())

	tables, err := cache.Get(ctx, 7, false)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "stale_view", tables[0].Name)
}

func TestGetEmptyCacheDegradesToEmptyList(t *testing.T) {
	cache, _, rdb := newTestCache(t, newMemTables(), nil)
	ctx := context.Background()

	// Lock held elsewhere and nothing cached: empty, never an error
	require.NoError(t, rdb.Set(ctx, "schema:cache:7:lock", "someone-else", time.Minute).Err())

	tables, err := cache.Get(ctx, 7, false)
	require.NoError(t, err)
	assert.Empty(t, tables)
	assert.NotNil(t, tables)
}

func TestGetStaleCacheRepopulatesWhenLockFree(t *testing.T) {
	store := newMemTables()
	seedTable(t, store, 7, "orders")
	cache, mr, rdb := newTestCache(t, store, nil)
	ctx := context.Background()

	stale, err := json.Marshal([]models.TableSchema{{ID: 9, Name: "stale_view"}})
	require.NoError(t, err)
	require.NoError(t, rdb.Set(ctx, "schema:cache:7", stale, 40*time.Minute).Err())

	tables, err := cache.Get(ctx, 7, false)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "orders", tables[0].Name)

	assert.True(t, mr.Exists("schema:cache:7:fresh"))
	assert.False(t, mr.Exists("schema:cache:7:lock"))
}

func TestGetWithRefreshRequestsBackgroundRefresh(t *testing.T) {
	var requested []int
	refresher := RefreshFunc(func(_ context.Context, dataSourceID int) error {
		requested = append(requested, dataSourceID)
		return nil
	})

	cache, _, _ := newTestCache(t, newMemTables(), refresher)

	_, err := cache.Get(context.Background(), 7, true)
	require.NoError(t, err)

	assert.Equal(t, []int{7}, requested)
}

func TestForcedPopulateIgnoresHeldLock(t *testing.T) {
	store := newMemTables()
	seedTable(t, store, 7, "users")
	cache, _, rdb := newTestCache(t, store, nil)
	ctx := context.Background()

	require.NoError(t, rdb.Set(ctx, "schema:cache:7:lock", "someone-else", time.Minute).Err())

	tables, err := cache.Populate(ctx, 7, nil, true)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "users", tables[0].Name)

	// The foreign lock survives a forced populate
	held, err := rdb.Get(ctx, "schema:cache:7:lock").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", held)
}

func TestFreshnessExpiresBeforePayload(t *testing.T) {
	store := newMemTables()
	seedTable(t, store, 7, "users")
	cache, mr, _ := newTestCache(t, store, nil)
	ctx := context.Background()

	_, err := cache.Get(ctx, 7, false)
	require.NoError(t, err)

	mr.FastForward(35 * time.Minute)

	assert.False(t, mr.Exists("schema:cache:7:fresh"))
	assert.True(t, mr.Exists("schema:cache:7"))
}
