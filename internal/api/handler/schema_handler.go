package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mozilla/redash/internal/models"
	"github.com/mozilla/redash/internal/runner"
	"github.com/mozilla/redash/internal/schema"
	"github.com/mozilla/redash/internal/taskq"
)

// SchemaHandler serves data source schema listings and maintenance triggers
type SchemaHandler struct {
	logger  *slog.Logger
	cache   *schema.Cache
	sources models.DataSourceStore
	runners *runner.Registry
	tasks   *taskq.Queue
	queue   string
}

// NewSchemaHandler creates a new SchemaHandler instance
func NewSchemaHandler(deps *Dependencies) *SchemaHandler {
	return &SchemaHandler{
		logger:  deps.Logger,
		cache:   deps.SchemaCache,
		sources: deps.Sources,
		runners: deps.Runners,
		tasks:   deps.Tasks,
		queue:   deps.SchemaQueue,
	}
}

func (h *SchemaHandler) dataSource(c *gin.Context) (*models.DataSource, bool) {
	id, err := strconv.Atoi(c.Param("data_source_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "data_source_id must be an integer",
		})
		return nil, false
	}

	ds, err := h.sources.GetDataSource(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrDataSourceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Data source not found",
			})
			return nil, false
		}
		h.logger.Error("Failed to load data source", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load data source",
		})
		return nil, false
	}

	return ds, true
}

// GetSchema handles GET /api/v1/data_sources/:data_source_id/schema.
// refresh=true additionally requests a background re-fetch from the
// external source; the response itself is always served from the cache.
func (h *SchemaHandler) GetSchema(c *gin.Context) {
	ds, ok := h.dataSource(c)
	if !ok {
		return
	}

	refresh := c.Query("refresh") == "true"

	tables, err := h.cache.Get(c.Request.Context(), ds.ID, refresh)
	if err != nil {
		h.logger.Error("Failed to read schema cache",
			slog.Int("data_source_id", ds.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read schema",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"schema": tables})
}

// RefreshSchema handles POST /api/v1/data_sources/:data_source_id/schema/refresh
func (h *SchemaHandler) RefreshSchema(c *gin.Context) {
	ds, ok := h.dataSource(c)
	if !ok {
		return
	}

	handle, err := h.tasks.Submit(c.Request.Context(), schema.TaskRefreshSchema,
		&schema.RefreshArgs{DataSourceID: ds.ID}, h.queue, 0)
	if err != nil {
		h.logger.Error("Failed to submit schema refresh",
			slog.Int("data_source_id", ds.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to submit schema refresh",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id":        handle.ID(),
		"data_source_id": ds.ID,
	})
}

// TestConnection handles POST /api/v1/data_sources/:data_source_id/test
func (h *SchemaHandler) TestConnection(c *gin.Context) {
	ds, ok := h.dataSource(c)
	if !ok {
		return
	}

	run, err := h.runners.New(ds)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	if err := run.TestConnection(c.Request.Context()); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"ok":    false,
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListDataSources handles GET /api/v1/data_sources
func (h *SchemaHandler) ListDataSources(c *gin.Context) {
	sources, err := h.sources.ListDataSources(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list data sources", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list data sources",
		})
		return
	}

	out := make([]gin.H, 0, len(sources))
	for _, ds := range sources {
		out = append(out, gin.H{
			"id":     ds.ID,
			"name":   ds.Name,
			"type":   ds.Type,
			"paused": ds.Paused,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data_sources": out})
}
