package queries

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mozilla/redash/internal/taskq"
)

// Status is the coarse job status exposed to API clients
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

const (
	// TimeoutMessage replaces the raw error when an execution was killed
	// by its time limit
	TimeoutMessage = "Query exceeded Redash query execution time limit."

	// CancelledMessage replaces the raw error when an execution was revoked
	CancelledMessage = "Query execution cancelled."
)

// JobState is the projected view of one execution job
type JobState struct {
	ID        string     `json:"id"`
	Status    Status     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ResultID  int        `json:"query_result_id,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// successPayload is the terminal result the executor records on success
type successPayload struct {
	ResultID int `json:"result_id"`
}

// ProjectState maps raw task state onto the job status surface.
// Timed-out and revoked executions both surface as FAILED with a fixed
// human-readable message.
func ProjectState(meta *taskq.Meta) *JobState {
	state := &JobState{
		ID:        meta.ID,
		StartedAt: meta.StartedAt,
	}

	switch meta.Status {
	case taskq.StatusSuccess:
		state.Status = StatusSuccess
		var payload successPayload
		if err := json.Unmarshal(meta.Result, &payload); err == nil {
			state.ResultID = payload.ResultID
		}
	case taskq.StatusFailure:
		state.Status = StatusFailed
		if meta.TimedOut {
			state.Error = TimeoutMessage
		} else {
			state.Error = meta.Error
		}
	case taskq.StatusRevoked:
		state.Status = StatusFailed
		state.Error = CancelledMessage
	case taskq.StatusStarted:
		state.Status = StatusStarted
	default:
		state.Status = StatusPending
	}

	return state
}

// Terminal reports whether the status can no longer change
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// JobHandle represents one dispatched execution job
type JobHandle struct {
	handle *taskq.Handle
}

// NewJobHandle wraps a task handle as a job
func NewJobHandle(handle *taskq.Handle) *JobHandle {
	return &JobHandle{handle: handle}
}

// ID returns the job id
func (j *JobHandle) ID() string {
	return j.handle.ID()
}

// State reads and projects the job's current state
func (j *JobHandle) State(ctx context.Context) (*JobState, error) {
	meta, err := j.handle.Meta(ctx)
	if err != nil {
		return nil, err
	}
	return ProjectState(meta), nil
}

// Ready reports whether the job reached a terminal state
func (j *JobHandle) Ready(ctx context.Context) (bool, error) {
	state, err := j.State(ctx)
	if err != nil {
		return false, err
	}
	return state.Status.Terminal(), nil
}

// Cancel requests best-effort cancellation of the underlying execution
func (j *JobHandle) Cancel(ctx context.Context) error {
	return j.handle.Cancel(ctx)
}
