// jobs.go: compute cluster callback endpoints.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// jobCallbackRequest is the body posted by the compute cluster when a job
// changes state.
type jobCallbackRequest struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// JobCallback is the generic callback entry point. The cluster posts the job
// id and its final status; intermediate states are treated as heartbeats.
func (c *Controller) JobCallback(ctx echo.Context) error {
	var req jobCallbackRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid callback payload", http.StatusBadRequest)
	}
	if req.JobID == "" {
		return ctx.JSON(http.StatusBadRequest, map[string]any{
			"error": "job_id is required",
		})
	}

	c.apiLogger.Info("job callback received",
		"job_id", req.JobID,
		"status", req.Status)

	switch req.Status {
	case "completed":
		if err := c.processor.HandleCompletion(ctx.Request().Context(), req.JobID); err != nil {
			// Result processing failed; the job stays outstanding and the
			// cluster is asked to redeliver.
			return c.HandleError(ctx, err, "Failed to process job result", http.StatusInternalServerError)
		}
	case "failed":
		if err := c.processor.HandleFailure(ctx.Request().Context(), req.JobID, req.ErrorMessage); err != nil {
			return c.HandleError(ctx, err, "Failed to record job failure", http.StatusInternalServerError)
		}
	default:
		// Progress heartbeat; nothing to persist.
		c.processor.HandleHeartbeat(req.JobID)
	}

	return ctx.JSON(http.StatusOK, map[string]any{"status": "accepted"})
}

// JobComplete is the explicit completion endpoint for clusters that call
// per-outcome URLs instead of the generic callback.
func (c *Controller) JobComplete(ctx echo.Context) error {
	jobID := ctx.Param("job_id")
	if err := c.processor.HandleCompletion(ctx.Request().Context(), jobID); err != nil {
		return c.HandleError(ctx, err, "Failed to process job result", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, map[string]any{"status": "accepted"})
}

// JobFail is the explicit failure endpoint.
func (c *Controller) JobFail(ctx echo.Context) error {
	jobID := ctx.Param("job_id")

	var req jobCallbackRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid callback payload", http.StatusBadRequest)
	}

	if err := c.processor.HandleFailure(ctx.Request().Context(), jobID, req.ErrorMessage); err != nil {
		return c.HandleError(ctx, err, "Failed to record job failure", http.StatusInternalServerError)
	}
	return ctx.JSON(http.StatusOK, map[string]any{"status": "accepted"})
}
