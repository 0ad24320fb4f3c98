package queries

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
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
	"github.com/mozilla/redash/internal/taskq"
)

type capturePublisher struct {
	envelopes []taskq.Envelope
}

func (c *capturePublisher) Publish(_ context.Context, _ string, body []byte, _ string) error {
	var env taskq.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	c.envelopes = append(c.envelopes, env)
	return nil
}

type fakeSources struct {
	orgs map[int]*models.Organization
}

func (f *fakeSources) GetDataSource(context.Context, int) (*models.DataSource, error) {
	return nil, models.ErrDataSourceNotFound
}

func (f *fakeSources) ListDataSources(context.Context) ([]models.DataSource, error) {
	return nil, nil
}

func (f *fakeSources) GetOrganization(_ context.Context, id int) (*models.Organization, error) {
	if org, ok := f.orgs[id]; ok {
		return org, nil
	}
	return &models.Organization{ID: id}, nil
}

func queriesConfig() config.QueriesConfig {
	return config.QueriesConfig{
		JobExpiry:          12 * time.Hour,
		TaskMetaExpiry:     24 * time.Hour,
		AdhocTimeLimit:     30 * time.Minute,
		ScheduledTimeLimit: time.Hour,
		AdhocQueue:         "queries",
		ScheduledQueue:     "scheduled_queries",
	}
}

func newTestEnqueuer(t *testing.T, sources *fakeSources) (*Enqueuer, *taskq.Queue, *capturePublisher, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	pub := &capturePublisher{}
	logger := slog.New(slog.DiscardHandler)
	tasks := taskq.New(rdb, pub, 24*time.Hour, logger)

	if sources == nil {
		sources = &fakeSources{}
	}

	enq := NewEnqueuer(rdb, tasks, sources, queriesConfig(), &statsd.NoOpClient{}, logger)

	return enq, tasks, pub, mr
}

func TestEnqueueDeduplicatesLiveJobs(t *testing.T) {
	enq, _, pub, _ := newTestEnqueuer(t, nil)
	ctx := context.Background()
	ds := &models.DataSource{ID: 7, OrgID: 1, QueueName: "queries"}

	first, err := enq.Enqueue(ctx, "SELECT 1", ds, 0, "", nil)
	require.NoError(t, err)

	second, err := enq.Enqueue(ctx, "select   1", ds, 0, "", nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID(), second.ID())
	assert.Len(t, pub.envelopes, 1)
}

func TestEnqueueLogsDispatchOnlyForNewJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	tasks := taskq.New(rdb, &capturePublisher{}, 24*time.Hour, logger)
	enq := NewEnqueuer(rdb, tasks, &fakeSources{}, queriesConfig(), &statsd.NoOpClient{}, logger)

	ctx := context.Background()
	ds := &models.DataSource{ID: 7, OrgID: 1, QueueName: "queries"}

	_, err := enq.Enqueue(ctx, "SELECT 1", ds, 0, "", nil)
	require.NoError(t, err)

	// The reuse path must not claim a dispatch happened
	_, err = enq.Enqueue(ctx, "SELECT 1", ds, 0, "", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(buf.String(), "Query job dispatched"))
}

func TestEnqueueCreatesNewJobAfterTerminalStatus(t *testing.T) {
	enq, tasks, pub, _ := newTestEnqueuer(t, nil)
	ctx := context.Background()
	ds := &models.DataSource{ID: 7, OrgID: 1, QueueName: "queries"}

	first, err := enq.Enqueue(ctx, "SELECT 1", ds, 0, "", nil)
	require.NoError(t, err)

	require.NoError(t, tasks.MarkSuccess(ctx, first.ID(), map[string]interface{}{"result_id": 5}))

	second, err := enq.Enqueue(ctx, "SELECT 1", ds, 0, "", nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Len(t, pub.envelopes, 2)
}

func TestEnqueueSeparatesFingerprints(t *testing.T) {
	enq, _, pub, _ := newTestEnqueuer(t, nil)
	ctx := context.Background()
	ds := &models.DataSource{ID: 7, OrgID: 1, QueueName: "queries"}

	first, err := enq.Enqueue(ctx, "SELECT 1", ds, 0, "", nil)
	require.NoError(t, err)

	second, err := enq.Enqueue(ctx, "SELECT 2", ds, 0, "", nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Len(t, pub.envelopes, 2)
}

func TestEnqueueSeparatesDataSources(t *testing.T) {
	enq, _, _, _ := newTestEnqueuer(t, nil)
	ctx := context.Background()

	first, err := enq.Enqueue(ctx, "SELECT 1", &models.DataSource{ID: 7, OrgID: 1}, 0, "", nil)
	require.NoError(t, err)

	second, err := enq.Enqueue(ctx, "SELECT 1", &models.DataSource{ID: 8, OrgID: 1}, 0, "", nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
}

func TestEnqueueRoutesAdhocQueue(t *testing.T) {
	enq, _, pub, _ := newTestEnqueuer(t, nil)

	_, err := enq.Enqueue(context.Background(), "SELECT 1", &models.DataSource{ID: 7, OrgID: 1}, 3, "", nil)
	require.NoError(t, err)

	require.Len(t, pub.envelopes, 1)
	env := pub.envelopes[0]
	assert.Equal(t, "queries", env.Queue)
	assert.Equal(t, 30*time.Minute, env.TimeLimit())

	args, err := DecodeExecuteArgs(env.Args)
	require.NoError(t, err)
	assert.Equal(t, 3, args.UserID)
	assert.False(t, args.Scheduled())
}

func TestEnqueueRoutesScheduledQueueWithOrgTimeLimit(t *testing.T) {
	sources := &fakeSources{orgs: map[int]*models.Organization{
		1: {ID: 1, ScheduledTimeLimit: sql.NullInt64{Int64: 300, Valid: true}},
	}}
	enq, _, pub, _ := newTestEnqueuer(t, sources)

	ds := &models.DataSource{ID: 7, OrgID: 1, ScheduledQueueName: "scheduled_queries"}
	_, err := enq.Enqueue(context.Background(), "SELECT 1", ds, 0, "", &ScheduleContext{QueryID: 42})
	require.NoError(t, err)

	require.Len(t, pub.envelopes, 1)
	env := pub.envelopes[0]
	assert.Equal(t, "scheduled_queries", env.Queue)
	assert.Equal(t, 5*time.Minute, env.TimeLimit())

	args, err := DecodeExecuteArgs(env.Args)
	require.NoError(t, err)
	assert.Equal(t, 42, args.ScheduledQueryID)
	assert.True(t, args.Scheduled())
}

func TestEnqueueExpiresRegistryEntry(t *testing.T) {
	enq, _, _, mr := newTestEnqueuer(t, nil)
	ctx := context.Background()
	ds := &models.DataSource{ID: 7, OrgID: 1}

	first, err := enq.Enqueue(ctx, "SELECT 1", ds, 0, "", nil)
	require.NoError(t, err)

	mr.FastForward(13 * time.Hour)

	second, err := enq.Enqueue(ctx, "SELECT 1", ds, 0, "", nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
}
