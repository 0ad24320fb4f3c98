// Package taskq is the task-queue abstraction the dispatch and worker layers
// depend on: tasks are JSON envelopes published to named RabbitMQ queues,
// task state lives in Redis under a TTL. Dispatchers submit by task name and
// read state through a Handle; workers transition state as they process.
package taskq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Status is the coarse task lifecycle state
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusRevoked Status = "REVOKED"
)

// Terminal reports whether the status can no longer change
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusRevoked
}

// Meta is the task state stored in Redis under task:<id>
type Meta struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Queue      string          `json:"queue"`
	Status     Status          `json:"status"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	TimedOut   bool            `json:"timed_out,omitempty"`
}

// Envelope is the wire message published to RabbitMQ
type Envelope struct {
	TaskID           string          `json:"task_id"`
	Name             string          `json:"name"`
	Args             json.RawMessage `json:"args"`
	Queue            string          `json:"queue"`
	TimeLimitSeconds int             `json:"time_limit_seconds,omitempty"`
	EnqueuedAt       time.Time       `json:"enqueued_at"`
}

// TimeLimit returns the soft execution limit, zero when unbounded
func (e *Envelope) TimeLimit() time.Duration {
	return time.Duration(e.TimeLimitSeconds) * time.Second
}

// Publisher is the broker capability Submit needs
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, contentType string) error
}

// Queue submits tasks and owns their Redis-backed state
type Queue struct {
	rdb     *redis.Client
	pub     Publisher
	metaTTL time.Duration
	logger  *slog.Logger
}

// New creates a task queue client
func New(rdb *redis.Client, pub Publisher, metaTTL time.Duration, logger *slog.Logger) *Queue {
	return &Queue{
		rdb:     rdb,
		pub:     pub,
		metaTTL: metaTTL,
		logger:  logger,
	}
}

func metaKey(id string) string {
	return "task:" + id
}

func cancelKey(id string) string {
	return "task:" + id + ":cancel"
}

// Submit creates task metadata and publishes the envelope to the named
// queue. timeLimit of zero means no soft limit.
func (q *Queue) Submit(ctx context.Context, name string, args interface{}, queue string, timeLimit time.Duration) (*Handle, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task args: %w", err)
	}

	now := time.Now().UTC()
	meta := &Meta{
		ID:         uuid.NewString(),
		Name:       name,
		Queue:      queue,
		Status:     StatusPending,
		EnqueuedAt: now,
	}

	if err := q.writeMeta(ctx, meta, q.metaTTL); err != nil {
		return nil, err
	}

	env := &Envelope{
		TaskID:           meta.ID,
		Name:             name,
		Args:             argsJSON,
		Queue:            queue,
		TimeLimitSeconds: int(timeLimit / time.Second),
		EnqueuedAt:       now,
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task envelope: %w", err)
	}

	if err := q.pub.Publish(ctx, queue, body, "application/json"); err != nil {
		// Never leave metadata for a task that was never published
		q.rdb.Del(ctx, metaKey(meta.ID))
		return nil, fmt.Errorf("failed to publish task: %w", err)
	}

	q.logger.Debug("Task submitted",
		slog.String("task_id", meta.ID),
		slog.String("task", name),
		slog.String("queue", queue),
		slog.Duration("time_limit", timeLimit),
	)

	return q.Handle(meta.ID), nil
}

// Handle wraps an existing task id
func (q *Queue) Handle(id string) *Handle {
	return &Handle{q: q, id: id}
}

// Meta reads the current task state. Unknown or expired ids read as PENDING,
// mirroring how result backends treat ids they no longer know.
func (q *Queue) Meta(ctx context.Context, id string) (*Meta, error) {
	raw, err := q.rdb.Get(ctx, metaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Meta{ID: id, Status: StatusPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task meta: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode task meta: %w", err)
	}

	return &meta, nil
}

// MarkStarted transitions a task to STARTED
func (q *Queue) MarkStarted(ctx context.Context, id string) error {
	return q.updateMeta(ctx, id, func(m *Meta) {
		now := time.Now().UTC()
		m.Status = StatusStarted
		m.StartedAt = &now
	})
}

// MarkSuccess records the terminal result payload
func (q *Queue) MarkSuccess(ctx context.Context, id string, result interface{}) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal task result: %w", err)
	}

	return q.updateMeta(ctx, id, func(m *Meta) {
		m.Status = StatusSuccess
		m.Result = resultJSON
		m.Error = ""
	})
}

// MarkFailure records a terminal error. timedOut distinguishes executions
// killed by their time limit from ordinary failures.
func (q *Queue) MarkFailure(ctx context.Context, id string, errMsg string, timedOut bool) error {
	return q.updateMeta(ctx, id, func(m *Meta) {
		m.Status = StatusFailure
		m.Error = errMsg
		m.TimedOut = timedOut
	})
}

// MarkRevoked records that the task was cancelled before or during execution
func (q *Queue) MarkRevoked(ctx context.Context, id string) error {
	return q.updateMeta(ctx, id, func(m *Meta) {
		m.Status = StatusRevoked
	})
}

// Cancelled reports whether cancellation was requested for the task
func (q *Queue) Cancelled(ctx context.Context, id string) (bool, error) {
	n, err := q.rdb.Exists(ctx, cancelKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return n > 0, nil
}

// updateMeta applies fn to the stored meta. Terminal states are sticky:
// once a task is SUCCESS/FAILURE/REVOKED no further transition applies.
func (q *Queue) updateMeta(ctx context.Context, id string, fn func(*Meta)) error {
	meta, err := q.Meta(ctx, id)
	if err != nil {
		return err
	}

	if meta.Status.Terminal() {
		return nil
	}

	fn(meta)

	return q.writeMeta(ctx, meta, redis.KeepTTL)
}

func (q *Queue) writeMeta(ctx context.Context, meta *Meta, ttl time.Duration) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode task meta: %w", err)
	}

	if err := q.rdb.Set(ctx, metaKey(meta.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write task meta: %w", err)
	}

	return nil
}

// Handle represents one submitted task
type Handle struct {
	q  *Queue
	id string
}

// ID returns the task id
func (h *Handle) ID() string {
	return h.id
}

// Meta reads the task's current state
func (h *Handle) Meta(ctx context.Context) (*Meta, error) {
	return h.q.Meta(ctx, h.id)
}

// Ready reports whether the task reached a terminal state
func (h *Handle) Ready(ctx context.Context) (bool, error) {
	meta, err := h.Meta(ctx)
	if err != nil {
		return false, err
	}
	return meta.Status.Terminal(), nil
}

// Cancel requests cooperative cancellation. Workers observe the flag at
// defined interruption points; cancellation is best-effort.
func (h *Handle) Cancel(ctx context.Context) error {
	if err := h.q.rdb.Set(ctx, cancelKey(h.id), "1", h.q.metaTTL).Err(); err != nil {
		return fmt.Errorf("failed to set cancel flag: %w", err)
	}

	h.q.logger.Info("Task cancellation requested",
		slog.String("task_id", h.id),
	)

	return nil
}
