// intelligence.go: read endpoints for derived entity state.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/arvela/insight-go/internal/datastore"
	"github.com/arvela/insight-go/internal/errors"
	"github.com/arvela/insight-go/internal/status"
	"github.com/arvela/insight-go/internal/vectorindex"
)

// intelligenceResponse is the derived processing state of one entity. The
// status field is computed from the entity's job records on every request;
// it is never stored.
type intelligenceResponse struct {
	EntityID                 int64    `json:"entity_id"`
	Status                   string   `json:"status"`
	ActiveContentHash        string   `json:"active_content_hash,omitempty"`
	LastProcessedContentHash string   `json:"last_processed_content_hash,omitempty"`
	LastProcessedVersion     int64    `json:"last_processed_version"`
	MissingTasks             []string `json:"missing_tasks,omitempty"`
	ErrorMessage             string   `json:"error_message,omitempty"`
}

type faceResponse struct {
	ID          uint            `json:"id"`
	FaceIndex   int             `json:"face_index"`
	PersonID    *uint           `json:"person_id,omitempty"`
	Confidence  float64         `json:"confidence"`
	BoundingBox json.RawMessage `json:"bounding_box,omitempty"`
	CropPath    string          `json:"crop_path,omitempty"`
}

type jobResponse struct {
	JobID        string `json:"job_id"`
	TaskType     string `json:"task_type"`
	State        string `json:"state"`
	ContentHash  string `json:"content_hash"`
	FaceIndex    int    `json:"face_index,omitempty"`
	FailedStage  string `json:"failed_stage,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type similarEntityResponse struct {
	EntityID int64   `json:"entity_id"`
	Score    float32 `json:"score"`
}

// GetIntelligence returns the derived processing state of one entity.
func (c *Controller) GetIntelligence(ctx echo.Context) error {
	entityID, err := parseEntityID(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid entity id", http.StatusBadRequest)
	}

	intel, err := c.DS.GetIntelligence(entityID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load intelligence record", http.StatusInternalServerError)
	}
	if intel == nil {
		return ctx.JSON(http.StatusNotFound, map[string]any{
			"error": "entity has no intelligence record",
		})
	}

	// Derive the status from the hash currently in play.
	contentHash := intel.ActiveContentHash
	if contentHash == "" {
		contentHash = intel.LastProcessedContentHash
	}
	jobRecords, err := c.DS.ListJobsForHash(entityID, contentHash)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load job records", http.StatusInternalServerError)
	}

	overall := status.Aggregate(jobRecords, datastore.RequiredTasks)
	resp := intelligenceResponse{
		EntityID:                 entityID,
		Status:                   string(overall),
		ActiveContentHash:        intel.ActiveContentHash,
		LastProcessedContentHash: intel.LastProcessedContentHash,
		LastProcessedVersion:     intel.LastProcessedVersion,
		ErrorMessage:             intel.ErrorMessage,
	}
	if overall != status.StatusCompleted {
		resp.MissingTasks = status.MissingTasks(jobRecords, datastore.RequiredTasks)
	}

	return ctx.JSON(http.StatusOK, &resp)
}

// GetEntityFaces lists the faces detected in an entity's media.
func (c *Controller) GetEntityFaces(ctx echo.Context) error {
	entityID, err := parseEntityID(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid entity id", http.StatusBadRequest)
	}

	faces, err := c.DS.ListFacesForEntity(entityID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load faces", http.StatusInternalServerError)
	}

	resp := make([]faceResponse, 0, len(faces))
	for i := range faces {
		face := faceResponse{
			ID:         faces[i].ID,
			FaceIndex:  faces[i].FaceIndex,
			PersonID:   faces[i].PersonID,
			Confidence: faces[i].Confidence,
			CropPath:   faces[i].CropFilePath,
		}
		if faces[i].BoundingBox != "" {
			face.BoundingBox = json.RawMessage(faces[i].BoundingBox)
		}
		resp = append(resp, face)
	}
	return ctx.JSON(http.StatusOK, resp)
}

// GetEntityJobs lists every job record for an entity, newest first.
func (c *Controller) GetEntityJobs(ctx echo.Context) error {
	entityID, err := parseEntityID(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid entity id", http.StatusBadRequest)
	}

	jobRecords, err := c.DS.ListJobsForEntity(entityID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load job records", http.StatusInternalServerError)
	}

	resp := make([]jobResponse, 0, len(jobRecords))
	for i := range jobRecords {
		resp = append(resp, jobResponse{
			JobID:        jobRecords[i].JobID,
			TaskType:     jobRecords[i].TaskType,
			State:        jobRecords[i].State,
			ContentHash:  jobRecords[i].ContentHash,
			FaceIndex:    jobRecords[i].FaceIndex,
			FailedStage:  jobRecords[i].FailedStage,
			ErrorMessage: jobRecords[i].ErrorMessage,
		})
	}
	return ctx.JSON(http.StatusOK, resp)
}

// GetSimilarEntities returns entities whose stored embedding is closest to
// this entity's. The collection query parameter selects semantic or
// duplicate similarity.
func (c *Controller) GetSimilarEntities(ctx echo.Context) error {
	entityID, err := parseEntityID(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid entity id", http.StatusBadRequest)
	}

	var collection string
	switch ctx.QueryParam("collection") {
	case "", "semantic":
		collection = c.Settings.Vector.Semantic.Name
	case "duplicate":
		collection = c.Settings.Vector.Duplicate.Name
	default:
		return ctx.JSON(http.StatusBadRequest, map[string]any{
			"error": "collection must be semantic or duplicate",
		})
	}

	limit := c.Settings.Vector.SearchLimit
	if raw := ctx.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			return ctx.JSON(http.StatusBadRequest, map[string]any{
				"error": "limit must be between 1 and 100",
			})
		}
		limit = parsed
	}

	hits, err := c.vectors.SearchByID(ctx.Request().Context(), collection, uint64(entityID), limit)
	if err == nil && c.metrics != nil {
		c.metrics.VectorSearches.WithLabelValues(collection).Inc()
	}
	if err != nil {
		switch {
		case errors.Is(err, vectorindex.ErrNotFound):
			return ctx.JSON(http.StatusNotFound, map[string]any{
				"error": "entity has no stored embedding",
			})
		case errors.Is(err, vectorindex.ErrUnavailable):
			return c.HandleError(ctx, err, "Vector index unavailable", http.StatusServiceUnavailable)
		default:
			return c.HandleError(ctx, err, "Similarity search failed", http.StatusInternalServerError)
		}
	}

	resp := make([]similarEntityResponse, 0, len(hits))
	for _, hit := range hits {
		if hit.ID == uint64(entityID) {
			continue
		}
		resp = append(resp, similarEntityResponse{
			EntityID: int64(hit.ID),
			Score:    hit.Score,
		})
	}
	return ctx.JSON(http.StatusOK, resp)
}

// ResetEntity deletes the entity's terminally failed jobs so the next
// reconciliation pass resubmits them. This is the only path that retries a
// failed job.
func (c *Controller) ResetEntity(ctx echo.Context) error {
	entityID, err := parseEntityID(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid entity id", http.StatusBadRequest)
	}

	intel, err := c.DS.GetIntelligence(entityID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load intelligence record", http.StatusInternalServerError)
	}
	if intel == nil {
		return ctx.JSON(http.StatusNotFound, map[string]any{
			"error": "entity has no intelligence record",
		})
	}

	contentHash := intel.ActiveContentHash
	if contentHash == "" {
		contentHash = intel.LastProcessedContentHash
	}

	deleted, err := c.DS.DeleteFailedJobs(entityID, contentHash)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to reset entity", http.StatusInternalServerError)
	}

	intel.ErrorMessage = ""
	if err := c.DS.UpsertIntelligence(intel); err != nil {
		return c.HandleError(ctx, err, "Failed to clear entity error", http.StatusInternalServerError)
	}

	c.apiLogger.Info("entity reset",
		"entity_id", entityID,
		"content_hash", contentHash,
		"deleted_jobs", deleted)

	return ctx.JSON(http.StatusOK, map[string]any{
		"entity_id":    entityID,
		"deleted_jobs": deleted,
	})
}

// GetCapabilities returns the live idle worker counts per task type.
func (c *Controller) GetCapabilities(ctx echo.Context) error {
	if c.registry == nil {
		return ctx.JSON(http.StatusOK, map[string]any{
			"workers":      0,
			"capabilities": map[string]int{},
		})
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"workers":      c.registry.WorkerCount(),
		"capabilities": c.registry.Snapshot(),
	})
}

func parseEntityID(ctx echo.Context) (int64, error) {
	return strconv.ParseInt(ctx.Param("entity_id"), 10, 64)
}
