package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mozilla/redash/internal/queries"
	"github.com/mozilla/redash/internal/schema"
	"github.com/mozilla/redash/internal/taskq"
)

// processTask runs one task to a terminal state. Every outcome is written
// to the task's state record; this function never propagates errors to
// the broker layer.
func (w *Worker) processTask(ctx context.Context, envelope *taskq.Envelope) {
	taskID := envelope.TaskID

	// Cancellation check before any work starts
	cancelled, err := w.tasks.Cancelled(ctx, taskID)
	if err != nil {
		w.logger.Warn("Failed to read cancel flag",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
	if cancelled {
		w.markRevoked(ctx, taskID)
		return
	}

	if err := w.tasks.MarkStarted(ctx, taskID); err != nil {
		w.logger.Warn("Failed to mark task started",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}

	taskCtx := ctx
	if limit := envelope.TimeLimit(); limit > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	result, err := w.runTask(taskCtx, envelope)
	if err != nil {
		w.finishFailed(ctx, taskID, err)
		return
	}

	// A cancel requested while the task ran still wins over its result
	cancelled, err = w.tasks.Cancelled(ctx, taskID)
	if err != nil {
		w.logger.Warn("Failed to read cancel flag",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
	if cancelled {
		w.markRevoked(ctx, taskID)
		return
	}

	if err := w.tasks.MarkSuccess(ctx, taskID, result); err != nil {
		w.logger.Warn("Failed to mark task success",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

// runTask dispatches on the task name
func (w *Worker) runTask(ctx context.Context, envelope *taskq.Envelope) (interface{}, error) {
	switch envelope.Name {
	case queries.TaskExecuteQuery:
		args, err := queries.DecodeExecuteArgs(envelope.Args)
		if err != nil {
			return nil, err
		}
		resultID, err := w.executor.Execute(ctx, envelope.TaskID, args)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"result_id": resultID}, nil

	case schema.TaskRefreshSchema:
		args, err := schema.DecodeRefreshArgs(envelope.Args)
		if err != nil {
			return nil, err
		}
		return nil, w.reconciler.Refresh(ctx, args.DataSourceID)

	case schema.TaskRefreshSamples:
		args, err := schema.DecodeRefreshArgs(envelope.Args)
		if err != nil {
			return nil, err
		}
		return nil, w.sampler.RefreshSamples(ctx, args.DataSourceID)

	case schema.TaskUpdateSample:
		args, err := schema.DecodeUpdateSampleArgs(envelope.Args)
		if err != nil {
			return nil, err
		}
		return nil, w.sampler.UpdateSample(ctx, args.DataSourceID, args.TableName)

	case schema.TaskSweepMetadata:
		args, err := schema.DecodeSweepArgs(envelope.Args)
		if err != nil {
			return nil, err
		}
		deleted, err := w.sweeper.Sweep(ctx, args.Kind)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"deleted": deleted}, nil

	default:
		return nil, errors.New("unknown task: " + envelope.Name)
	}
}

// finishFailed classifies the error into the terminal task state
func (w *Worker) finishFailed(ctx context.Context, taskID string, taskErr error) {
	// A cancellation raced the execution; prefer the revoked state
	cancelled, err := w.tasks.Cancelled(ctx, taskID)
	if err == nil && cancelled {
		w.markRevoked(ctx, taskID)
		return
	}

	timedOut := errors.Is(taskErr, context.DeadlineExceeded)

	if err := w.tasks.MarkFailure(ctx, taskID, taskErr.Error(), timedOut); err != nil {
		w.logger.Warn("Failed to mark task failure",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}

	w.logger.Error("Task failed",
		slog.String("task_id", taskID),
		slog.Bool("timed_out", timedOut),
		slog.String("error", taskErr.Error()),
	)
}

func (w *Worker) markRevoked(ctx context.Context, taskID string) {
	if err := w.tasks.MarkRevoked(ctx, taskID); err != nil {
		w.logger.Warn("Failed to mark task revoked",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Info("Task revoked",
		slog.String("task_id", taskID),
	)
}
