package schema

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/redash/internal/config"
	"github.com/mozilla/redash/internal/models"
	"github.com/mozilla/redash/internal/runner"
)

type schemaRunner struct {
	tables  []runner.Table
	samples map[string]map[string]interface{}
	err     error
}

func (s *schemaRunner) RunQuery(context.Context, string, *models.Identity) (json.RawMessage, error) {
	return nil, errors.New("not implemented")
}

func (s *schemaRunner) Schema(context.Context) ([]runner.Table, error) {
	return s.tables, s.err
}

func (s *schemaRunner) TableSample(_ context.Context, tableName string) (map[string]interface{}, error) {
	if s.samples == nil {
		return nil, runner.ErrNotSupported
	}
	return s.samples[tableName], nil
}

func (s *schemaRunner) TestConnection(context.Context) error { return nil }

type schemaSources struct {
	ds *models.DataSource
}

func (f *schemaSources) GetDataSource(_ context.Context, id int) (*models.DataSource, error) {
	if f.ds == nil || f.ds.ID != id {
		return nil, models.ErrDataSourceNotFound
	}
	return f.ds, nil
}

func (f *schemaSources) ListDataSources(context.Context) ([]models.DataSource, error) {
	return []models.DataSource{*f.ds}, nil
}

func (f *schemaSources) GetOrganization(_ context.Context, id int) (*models.Organization, error) {
	return &models.Organization{ID: id}, nil
}

type reconcilerFixture struct {
	reconciler *Reconciler
	cache      *Cache
	store      *memTables
	runner     *schemaRunner
	rdb        *redis.Client
	mr         *miniredis.Miniredis
}

func schemaConfig() config.SchemaConfig {
	return config.SchemaConfig{
		RefreshInterval:   30 * time.Minute,
		StaleGracePeriod:  10 * time.Minute,
		RefreshTimeLimit:  25 * time.Minute,
		RetentionDays:     60,
		MaxTypeLength:     250,
		SampleMaxLength:   4000,
		SampleRefreshDays: 14,
		SampleUpdateDays:  7,
		TableSampleLimit:  50,
	}
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	stub := &schemaRunner{}
	registry := runner.NewRegistry()
	registry.Register("stub", func(json.RawMessage) (runner.Runner, error) {
		return stub, nil
	})

	store := newMemTables()
	sources := &schemaSources{ds: &models.DataSource{ID: 7, OrgID: 1, Type: "stub", Options: json.RawMessage(`{}`)}}
	logger := slog.New(slog.DiscardHandler)
	cfg := schemaConfig()

	cache := NewCache(rdb, store, nil, cfg.RefreshInterval, cfg.StaleGracePeriod, logger)
	reconciler := NewReconciler(rdb, sources, store, registry, cache, cfg, &statsd.NoOpClient{}, logger)

	return &reconcilerFixture{
		reconciler: reconciler,
		cache:      cache,
		store:      store,
		runner:     stub,
		rdb:        rdb,
		mr:         mr,
	}
}

func reportedSchema() []runner.Table {
	return []runner.Table{
		{Name: "a", Columns: []runner.Column{{Name: "x", Type: "integer"}, {Name: "y", Type: "text"}}},
		{Name: "b", Columns: []runner.Column{{Name: "z", Type: "boolean"}}},
	}
}

func TestRefreshFromEmptyState(t *testing.T) {
	f := newReconcilerFixture(t)
	f.runner.tables = reportedSchema()
	ctx := context.Background()

	require.NoError(t, f.reconciler.Refresh(ctx, 7))

	tables, err := f.store.ExistingTables(ctx, 7)
	require.NoError(t, err)
	require.Len(t, tables, 2)

	var columnCount int
	for _, table := range tables {
		columns, err := f.store.ExistingColumns(ctx, table.ID)
		require.NoError(t, err)
		columnCount += len(columns)
		assert.True(t, table.Exists)
	}
	assert.Equal(t, 3, columnCount)
}

func TestRefreshIsIdempotent(t *testing.T) {
	f := newReconcilerFixture(t)
	f.runner.tables = reportedSchema()
	ctx := context.Background()

	require.NoError(t, f.reconciler.Refresh(ctx, 7))

	before, err := f.store.ExistingSchema(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, f.reconciler.Refresh(ctx, 7))

	after, err := f.store.ExistingSchema(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Len(t, f.store.tables, 2)
	assert.Len(t, f.store.columns, 3)
}

func TestRefreshSoftDeletesVanishedTables(t *testing.T) {
	f := newReconcilerFixture(t)
	f.runner.tables = reportedSchema()
	ctx := context.Background()

	require.NoError(t, f.reconciler.Refresh(ctx, 7))

	f.runner.tables = reportedSchema()[:1]
	require.NoError(t, f.reconciler.Refresh(ctx, 7))

	tables, err := f.store.ExistingTables(ctx, 7)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "a", tables[0].Name)

	vanished := f.store.findTable(7, "b")
	require.NotNil(t, vanished)
	assert.False(t, vanished.Exists)

	z := f.store.findColumn(vanished.ID, "z")
	require.NotNil(t, z)
	assert.True(t, z.Exists)
}

func TestRefreshRevivesReturningTableWithSameIdentity(t *testing.T) {
	f := newReconcilerFixture(t)
	f.runner.tables = reportedSchema()
	ctx := context.Background()

	require.NoError(t, f.reconciler.Refresh(ctx, 7))
	originalID := f.store.findTable(7, "b").ID

	f.runner.tables = reportedSchema()[:1]
	require.NoError(t, f.reconciler.Refresh(ctx, 7))

	f.runner.tables = reportedSchema()
	require.NoError(t, f.reconciler.Refresh(ctx, 7))

	revived := f.store.findTable(7, "b")
	require.NotNil(t, revived)
	assert.True(t, revived.Exists)
	assert.Equal(t, originalID, revived.ID)
}

func TestRefreshSoftDeletesVanishedColumns(t *testing.T) {
	f := newReconcilerFixture(t)
	f.runner.tables = reportedSchema()
	ctx := context.Background()

	require.NoError(t, f.reconciler.Refresh(ctx, 7))

	f.runner.tables = []runner.Table{
		{Name: "a", Columns: []runner.Column{{Name: "x", Type: "integer"}}},
		{Name: "b", Columns: []runner.Column{{Name: "z", Type: "boolean"}}},
	}
	require.NoError(t, f.reconciler.Refresh(ctx, 7))

	a := f.store.findTable(7, "a")
	columns, err := f.store.ExistingColumns(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, columns, 1)
	assert.Equal(t, "x", columns[0].Name)

	y := f.store.findColumn(a.ID, "y")
	require.NotNil(t, y)
	assert.False(t, y.Exists)
}

func TestRefreshTruncatesLongTypeNames(t *testing.T) {
	f := newReconcilerFixture(t)
	f.runner.tables = []runner.Table{
		{Name: "a", Columns: []runner.Column{{Name: "x", Type: strings.Repeat("t", 400)}}},
	}
	ctx := context.Background()

	require.NoError(t, f.reconciler.Refresh(ctx, 7))

	a := f.store.findTable(7, "a")
	x := f.store.findColumn(a.ID, "x")
	require.NotNil(t, x)
	assert.Len(t, x.Type.String, 250)
}

func TestRefreshForceRepopulatesCache(t *testing.T) {
	f := newReconcilerFixture(t)
	f.runner.tables = reportedSchema()

	require.NoError(t, f.reconciler.Refresh(context.Background(), 7))

	assert.True(t, f.mr.Exists("schema:cache:7"))
	assert.True(t, f.mr.Exists("schema:cache:7:fresh"))
}

func TestRefreshSkipsWhenLockHeld(t *testing.T) {
	f := newReconcilerFixture(t)
	f.runner.tables = reportedSchema()
	ctx := context.Background()

	require.NoError(t, f.rdb.Set(ctx, "schema:refresh:7:lock", "other-worker", time.Hour).Err())

	require.NoError(t, f.reconciler.Refresh(ctx, 7))

	assert.Empty(t, f.store.tables)
}

func TestRefreshReleasesLockOnRunnerError(t *testing.T) {
	f := newReconcilerFixture(t)
	f.runner.err = errors.New("dial tcp: connection refused")
	ctx := context.Background()

	require.Error(t, f.reconciler.Refresh(ctx, 7))

	assert.False(t, f.mr.Exists("schema:refresh:7:lock"))
	assert.Empty(t, f.store.tables)
}

func TestRefreshFailureKeepsPreviousSchemaAuthoritative(t *testing.T) {
	f := newReconcilerFixture(t)
	f.runner.tables = reportedSchema()
	ctx := context.Background()

	require.NoError(t, f.reconciler.Refresh(ctx, 7))

	f.runner.err = errors.New("dial tcp: connection refused")
	require.Error(t, f.reconciler.Refresh(ctx, 7))

	tables, err := f.store.ExistingTables(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, tables, 2)
}
