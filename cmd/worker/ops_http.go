package main

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rezkam/workcoord/internal/coreerr"
	"github.com/rezkam/workcoord/internal/jobengine"
	"github.com/rezkam/workcoord/internal/stats"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

var opsValidate = validator.New()

// retryDeadLetterRequest is the validator-checked payload for the
// dead-letter retry endpoint: an optional operator comment of at most 500
// characters.
type retryDeadLetterRequest struct {
	Comment string `json:"comment" validate:"omitempty,max=500"`
}

// newOpsRouter builds the worker's thin ops HTTP surface: statistics
// and dead-letter inspection/requeue. This is not the BPMN REST/CRUD
// surface — that belongs to the surrounding system — only the narrow
// admin surface cmd/jobctl talks to.
func newOpsRouter(serviceName string, agg *stats.Aggregator, jobs *jobengine.Engine) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/stats", func(c *gin.Context) {
		snap, err := agg.Snapshot(c.Request.Context())
		if err != nil {
			slog.ErrorContext(c.Request.Context(), "ops: stats snapshot failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot failed"})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	r.POST("/jobs/deadletter/:id/retry", func(c *gin.Context) {
		var req retryDeadLetterRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := opsValidate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		job, err := jobs.RetryDeadLetterJob(c.Request.Context(), c.Param("id"))
		if err != nil {
			slog.ErrorContext(c.Request.Context(), "ops: retry dead letter job failed", "id", c.Param("id"), "error", err)
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"job_id": job.ID})
	})

	return r
}

// statusForError maps engine error kinds onto HTTP statuses: unknown id is
// 404, a state-machine refusal is 409, and a transient store failure is 503
// so the caller knows a plain retry may succeed.
func statusForError(err error) int {
	switch {
	case errors.Is(err, coreerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coreerr.ErrInvalidState):
		return http.StatusConflict
	case coreerr.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
