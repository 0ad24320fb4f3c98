package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mozilla/redash/internal/models"
	"github.com/mozilla/redash/internal/queries"
	"github.com/mozilla/redash/internal/taskq"
)

// QueryHandler handles query dispatch and job tracking requests
type QueryHandler struct {
	logger   *slog.Logger
	enqueuer *queries.Enqueuer
	tasks    *taskq.Queue
	sources  models.DataSourceStore
	results  models.ResultStore
}

// NewQueryHandler creates a new QueryHandler instance
func NewQueryHandler(deps *Dependencies) *QueryHandler {
	return &QueryHandler{
		logger:   deps.Logger,
		enqueuer: deps.Enqueuer,
		tasks:    deps.Tasks,
		sources:  deps.Sources,
		results:  deps.Results,
	}
}

// ExecuteQueryRequest is the POST /queries/execute payload
type ExecuteQueryRequest struct {
	Query            string `json:"query" binding:"required"`
	DataSourceID     int    `json:"data_source_id" binding:"required"`
	UserID           int    `json:"user_id"`
	APIKey           string `json:"api_key"`
	ScheduledQueryID int    `json:"scheduled_query_id"`
}

// ExecuteQuery handles POST /api/v1/queries/execute
func (h *QueryHandler) ExecuteQuery(c *gin.Context) {
	var req ExecuteQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "query and data_source_id are required",
		})
		return
	}

	ds, err := h.sources.GetDataSource(c.Request.Context(), req.DataSourceID)
	if err != nil {
		if errors.Is(err, models.ErrDataSourceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Data source not found",
			})
			return
		}
		h.logger.Error("Failed to load data source", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load data source",
		})
		return
	}

	if ds.Paused {
		c.JSON(http.StatusConflict, gin.H{
			"error":        "Data source is paused",
			"pause_reason": ds.PauseReason.String,
		})
		return
	}

	var sched *queries.ScheduleContext
	if req.ScheduledQueryID != 0 {
		sched = &queries.ScheduleContext{QueryID: req.ScheduledQueryID}
	}

	job, err := h.enqueuer.Enqueue(c.Request.Context(), req.Query, ds, req.UserID, req.APIKey, sched)
	if err != nil {
		if errors.Is(err, queries.ErrNoJobCreated) {
			// Dispatch-level contention; the client should retry
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Failed to schedule query, please retry",
			})
			return
		}
		h.logger.Error("Failed to enqueue query", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue query",
		})
		return
	}

	state, err := job.State(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read job state", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read job state",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job": state})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *QueryHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	job := queries.NewJobHandle(h.tasks.Handle(jobID))

	state, err := job.State(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read job state",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read job state",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": state})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
func (h *QueryHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	job := queries.NewJobHandle(h.tasks.Handle(jobID))

	if err := job.Cancel(c.Request.Context()); err != nil {
		h.logger.Error("Failed to cancel job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":    jobID,
		"cancelled": true,
	})
}

// GetQueryResult handles GET /api/v1/query_results/:result_id
func (h *QueryHandler) GetQueryResult(c *gin.Context) {
	resultID, err := strconv.Atoi(c.Param("result_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "result_id must be an integer",
		})
		return
	}

	result, err := h.results.GetResult(c.Request.Context(), resultID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Query result not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"query_result": gin.H{
			"id":             result.ID,
			"data_source_id": result.DataSourceID,
			"query_hash":     result.QueryHash,
			"query":          result.QueryText,
			"data":           result.Data,
			"runtime":        result.Runtime,
			"retrieved_at":   result.RetrievedAt,
		},
	})
}
