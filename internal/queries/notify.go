package queries

import (
	"context"
	"log/slog"

	"github.com/mozilla/redash/internal/models"
)

// LogNotifier records scheduled-query failures in the service log. The
// schedule_failures counter on the query row is what drives backoff;
// this is only the operator-facing trail.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyFailure logs a failed scheduled execution
func (n *LogNotifier) NotifyFailure(ctx context.Context, execErr error, query *models.Query) {
	n.logger.Warn("Scheduled query failed",
		slog.Int("query_id", query.ID),
		slog.Int("schedule_failures", query.ScheduleFailures),
		slog.String("error", execErr.Error()),
	)
}

// LogAlertEvaluator acknowledges alert re-evaluation requests in the log.
// Alert state machines live outside this service; the executor only needs
// a place to fan the signal out to.
type LogAlertEvaluator struct {
	logger *slog.Logger
}

// NewLogAlertEvaluator creates a LogAlertEvaluator
func NewLogAlertEvaluator(logger *slog.Logger) *LogAlertEvaluator {
	return &LogAlertEvaluator{logger: logger}
}

// Evaluate logs that a fresh result landed for the given query
func (e *LogAlertEvaluator) Evaluate(ctx context.Context, queryID int) {
	e.logger.Debug("Alert evaluation requested", slog.Int("query_id", queryID))
}
