// Package handler implements the HTTP surface: query dispatch, job
// tracking, and schema endpoints.
package handler

import (
	"log/slog"

	"github.com/mozilla/redash/internal/models"
	"github.com/mozilla/redash/internal/queries"
	"github.com/mozilla/redash/internal/runner"
	"github.com/mozilla/redash/internal/schema"
	"github.com/mozilla/redash/internal/taskq"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Enqueuer    *queries.Enqueuer
	Tasks       *taskq.Queue
	Sources     models.DataSourceStore
	Results     models.ResultStore
	SchemaCache *schema.Cache
	Runners     *runner.Registry
	SchemaQueue string
}
