// Package callback turns compute cluster callbacks into database and vector
// index state. Callbacks are at-least-once: every handler is idempotent, and
// a callback for an already-terminal job is a logged no-op.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/arvela/insight-go/internal/compute"
	"github.com/arvela/insight-go/internal/conf"
	"github.com/arvela/insight-go/internal/datastore"
	"github.com/arvela/insight-go/internal/errors"
	"github.com/arvela/insight-go/internal/jobs"
	"github.com/arvela/insight-go/internal/logging"
	"github.com/arvela/insight-go/internal/mediastore"
	"github.com/arvela/insight-go/internal/observability"
	"github.com/arvela/insight-go/internal/status"
	"github.com/arvela/insight-go/internal/vectorindex"
)

// Processor applies job results. Result-processing failures leave the job
// record non-terminal so the work is retried, either by the cluster
// re-delivering the callback or by an operator reset; only the cluster
// reporting failure, or a failed submission, makes a job terminally failed.
type Processor struct {
	store        datastore.Interface
	vectors      vectorindex.Store
	cluster      compute.Submitter
	blobs        mediastore.BlobStore
	orchestrator *jobs.Orchestrator
	settings     *conf.Settings
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// NewProcessor wires the callback processor.
func NewProcessor(store datastore.Interface, vectors vectorindex.Store, cluster compute.Submitter, blobs mediastore.BlobStore, orchestrator *jobs.Orchestrator, settings *conf.Settings, metrics *observability.Metrics) *Processor {
	return &Processor{
		store:        store,
		vectors:      vectors,
		cluster:      cluster,
		blobs:        blobs,
		orchestrator: orchestrator,
		settings:     settings,
		metrics:      metrics,
		logger:       logging.ForService("callback"),
	}
}

// HandleCompletion processes a completion callback for jobID. Unknown jobs
// and already-terminal jobs are logged no-ops.
func (p *Processor) HandleCompletion(ctx context.Context, jobID string) error {
	record, err := p.store.GetJobByJobID(jobID)
	if err != nil {
		return err
	}
	if record == nil {
		p.logger.Warn("completion callback for unknown job", "job_id", jobID)
		return nil
	}
	if !record.Active() {
		p.logger.Info("duplicate completion callback ignored",
			"job_id", jobID, "state", record.State)
		if p.metrics != nil {
			p.metrics.CallbacksDuplicate.Inc()
		}
		return nil
	}

	var handlerErr error
	switch record.TaskType {
	case datastore.TaskFaceDetect:
		handlerErr = p.handleFaceDetect(ctx, record)
	case datastore.TaskSemanticEmbed:
		handlerErr = p.handleEntityEmbedding(ctx, record, p.settings.Vector.Semantic.Name, p.settings.Vector.Semantic.Dimension)
	case datastore.TaskDupEmbed:
		handlerErr = p.handleEntityEmbedding(ctx, record, p.settings.Vector.Duplicate.Name, p.settings.Vector.Duplicate.Dimension)
	case datastore.TaskFaceEmbed:
		handlerErr = p.handleFaceEmbed(ctx, record)
	default:
		handlerErr = errors.Newf("unknown task type %q", record.TaskType).
			Component("callback").
			Category(errors.CategoryJobCallback).
			Context("job_id", jobID).
			Build()
	}
	if handlerErr != nil {
		p.logger.Error("result processing failed, job left outstanding",
			"job_id", jobID,
			"task_type", record.TaskType,
			"error", handlerErr)
		if p.metrics != nil {
			p.metrics.CallbacksFailed.WithLabelValues(record.TaskType, "result").Inc()
		}
		return handlerErr
	}

	if err := p.store.MarkJobCompleted(jobID); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.CallbacksProcessed.WithLabelValues(record.TaskType, "completed").Inc()
	}
	p.logger.Info("job completed",
		"job_id", jobID,
		"entity_id", record.EntityID,
		"task_type", record.TaskType)

	return p.finalizeIntelligence(record)
}

// HandleFailure processes a failure callback. The cluster tried and gave up,
// so the job becomes terminally failed; reconciliation will not resubmit it
// without an explicit reset.
// HandleHeartbeat forwards a progress signal to the orchestrator. Heartbeats
// never change stored state.
func (p *Processor) HandleHeartbeat(jobID string) {
	p.orchestrator.HandleHeartbeat(jobID)
}

func (p *Processor) HandleFailure(ctx context.Context, jobID, errorMessage string) error {
	_ = ctx

	record, err := p.store.GetJobByJobID(jobID)
	if err != nil {
		return err
	}
	if record == nil {
		p.logger.Warn("failure callback for unknown job", "job_id", jobID)
		return nil
	}
	if !record.Active() {
		p.logger.Info("duplicate failure callback ignored",
			"job_id", jobID, "state", record.State)
		if p.metrics != nil {
			p.metrics.CallbacksDuplicate.Inc()
		}
		return nil
	}

	if err := p.store.MarkJobFailed(jobID, "compute", errorMessage); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.CallbacksProcessed.WithLabelValues(record.TaskType, "failed").Inc()
	}
	p.logger.Warn("job failed on compute cluster",
		"job_id", jobID,
		"entity_id", record.EntityID,
		"task_type", record.TaskType,
		"error", errorMessage)

	if intel, err := p.store.GetIntelligence(record.EntityID); err == nil && intel != nil {
		intel.ErrorMessage = fmt.Sprintf("%s: %s", record.TaskType, errorMessage)
		if err := p.store.UpsertIntelligence(intel); err != nil {
			p.logger.Error("failed to record entity error", "entity_id", record.EntityID, "error", err)
		}
	}
	return nil
}

// handleFaceDetect stores the detected faces and fans out one face embedding
// job per face. Face rows are keyed by (entity, content hash, face index) so
// a replayed callback upserts in place instead of duplicating.
func (p *Processor) handleFaceDetect(ctx context.Context, record *datastore.JobRecord) error {
	job, err := p.cluster.FetchJob(ctx, record.JobID)
	if err != nil {
		return err
	}

	var output compute.FaceDetectOutput
	if err := decodeOutput(job.TaskOutput, &output); err != nil {
		return errors.New(err).
			Component("callback").
			Category(errors.CategoryJobCallback).
			Context("job_id", record.JobID).
			Context("stage", "decode_output").
			Build()
	}

	p.logger.Info("face detection completed",
		"job_id", record.JobID,
		"entity_id", record.EntityID,
		"face_count", len(output.Faces))

	type storedFace struct {
		index    int
		cropPath string
	}
	stored := make([]storedFace, 0, len(output.Faces))

	for i := range output.Faces {
		detected := &output.Faces[i]

		var crop bytes.Buffer
		if err := p.cluster.DownloadFile(ctx, record.JobID, detected.CropFile, &crop); err != nil {
			return err
		}
		cropPath, err := p.blobs.SaveFaceCrop(record.ContentHash, detected.Index, &crop)
		if err != nil {
			return err
		}

		boundingBox, _ := json.Marshal(detected.BoundingBox)
		landmarks, _ := json.Marshal(detected.Landmarks)

		face := &datastore.DetectedFace{
			EntityID:     record.EntityID,
			ContentHash:  record.ContentHash,
			FaceIndex:    detected.Index,
			BoundingBox:  string(boundingBox),
			Landmarks:    string(landmarks),
			Confidence:   detected.Confidence,
			CropFilePath: cropPath,
		}
		if err := p.store.UpsertFace(face); err != nil {
			return err
		}
		stored = append(stored, storedFace{index: detected.Index, cropPath: cropPath})
	}

	// Fan out after all faces are persisted. A failed embedding submission
	// becomes its own terminally failed job record; it does not block the
	// detection job from completing.
	for _, face := range stored {
		_, _, err := p.orchestrator.Submit(ctx, &jobs.SubmitSpec{
			EntityID:    record.EntityID,
			TaskType:    datastore.TaskFaceEmbed,
			ContentHash: record.ContentHash,
			FaceIndex:   face.index,
			FilePath:    face.cropPath,
			Params: map[string]string{
				"face_index": strconv.Itoa(face.index),
			},
		})
		if err != nil {
			p.logger.Error("failed to submit face embedding job",
				"entity_id", record.EntityID,
				"face_index", face.index,
				"error", err)
		}
	}

	return nil
}

// handleEntityEmbedding stores an entity-scoped embedding vector under the
// entity id. An unreachable vector index leaves the job outstanding.
func (p *Processor) handleEntityEmbedding(ctx context.Context, record *datastore.JobRecord, collection string, dimension int) error {
	vector, err := p.downloadEmbedding(ctx, record.JobID, dimension)
	if err != nil {
		return err
	}

	err = p.vectors.Upsert(ctx, collection, uint64(record.EntityID), vector, map[string]any{
		"entity_id":    record.EntityID,
		"content_hash": record.ContentHash,
	})
	if err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.VectorUpserts.WithLabelValues(collection).Inc()
	}
	return nil
}

// handleFaceEmbed stores the face vector, searches for similar faces and
// assigns the face to a person. The vector is upserted before the search so
// a crash after the upsert still leaves the index consistent with a replay.
func (p *Processor) handleFaceEmbed(ctx context.Context, record *datastore.JobRecord) error {
	face, err := p.findFace(record)
	if err != nil {
		return err
	}
	if face == nil {
		return errors.Newf("no face row for entity %d hash %s index %d",
			record.EntityID, record.ContentHash, record.FaceIndex).
			Component("callback").
			Category(errors.CategoryJobCallback).
			Context("job_id", record.JobID).
			Build()
	}

	vector, err := p.downloadEmbedding(ctx, record.JobID, p.settings.Vector.Face.Dimension)
	if err != nil {
		return err
	}

	faceCollection := p.settings.Vector.Face.Name
	if err := p.vectors.Upsert(ctx, faceCollection, uint64(face.ID), vector, map[string]any{
		"face_id":   int64(face.ID),
		"entity_id": record.EntityID,
	}); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.VectorUpserts.WithLabelValues(faceCollection).Inc()
	}

	hits, err := p.vectors.Search(ctx, faceCollection, vector, p.settings.Vector.SearchLimit)
	if err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.VectorSearches.WithLabelValues(faceCollection).Inc()
	}

	threshold := float32(p.settings.Vector.FaceMatchThreshold)
	var matches []datastore.FaceMatch
	var matchedPersonID *uint

	for _, hit := range hits {
		if hit.ID == uint64(face.ID) || hit.Score < threshold {
			continue
		}
		candidate, err := p.store.GetFace(uint(hit.ID))
		if err != nil {
			return err
		}
		if candidate == nil {
			// Stale vector index entry for a deleted face row.
			p.logger.Warn("matched face missing from database, skipping",
				"face_id", hit.ID, "score", hit.Score)
			continue
		}
		matches = append(matches, datastore.FaceMatch{
			FaceID:        face.ID,
			MatchedFaceID: candidate.ID,
			Score:         float64(hit.Score),
		})
		if matchedPersonID == nil && candidate.PersonID != nil {
			matchedPersonID = candidate.PersonID
		}
	}

	if len(matches) > 0 {
		if err := p.store.SaveFaceMatches(matches); err != nil {
			return err
		}
	}

	if face.PersonID == nil {
		if matchedPersonID != nil {
			if err := p.store.AssignFacePerson(face.ID, *matchedPersonID); err != nil {
				return err
			}
			p.logger.Info("face linked to existing person",
				"face_id", face.ID,
				"person_id", *matchedPersonID,
				"match_count", len(matches))
		} else {
			person := &datastore.Person{}
			if err := p.store.CreatePerson(person); err != nil {
				return err
			}
			if err := p.store.AssignFacePerson(face.ID, person.ID); err != nil {
				return err
			}
			p.logger.Info("created new person for face",
				"face_id", face.ID,
				"person_id", person.ID)
		}
	}

	return nil
}

// finalizeIntelligence promotes the active content hash to last-processed
// once every required task for it has completed.
func (p *Processor) finalizeIntelligence(record *datastore.JobRecord) error {
	intel, err := p.store.GetIntelligence(record.EntityID)
	if err != nil {
		return err
	}
	if intel == nil || intel.ActiveContentHash != record.ContentHash {
		return nil
	}

	jobRecords, err := p.store.ListJobsForHash(record.EntityID, record.ContentHash)
	if err != nil {
		return err
	}
	if status.Aggregate(jobRecords, datastore.RequiredTasks) != status.StatusCompleted {
		return nil
	}

	intel.LastProcessedContentHash = intel.ActiveContentHash
	intel.ActiveContentHash = ""
	intel.ErrorMessage = ""
	if err := p.store.UpsertIntelligence(intel); err != nil {
		return err
	}
	p.logger.Info("entity fully processed",
		"entity_id", record.EntityID,
		"content_hash", record.ContentHash)
	return nil
}

// findFace locates the face row a face embedding job is scoped to.
func (p *Processor) findFace(record *datastore.JobRecord) (*datastore.DetectedFace, error) {
	faces, err := p.store.ListFacesForEntity(record.EntityID)
	if err != nil {
		return nil, err
	}
	for i := range faces {
		if faces[i].ContentHash == record.ContentHash && faces[i].FaceIndex == record.FaceIndex {
			return &faces[i], nil
		}
	}
	return nil, nil
}

// downloadEmbedding fetches a completed embedding job's vector file and
// validates its dimension.
func (p *Processor) downloadEmbedding(ctx context.Context, jobID string, dimension int) ([]float32, error) {
	job, err := p.cluster.FetchJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var output compute.EmbeddingOutput
	if err := decodeOutput(job.TaskOutput, &output); err != nil {
		return nil, errors.New(err).
			Component("callback").
			Category(errors.CategoryJobCallback).
			Context("job_id", jobID).
			Context("stage", "decode_output").
			Build()
	}
	if output.EmbeddingFile == "" {
		return nil, errors.Newf("embedding job %s has no embedding file", jobID).
			Component("callback").
			Category(errors.CategoryJobCallback).
			Build()
	}

	var buf bytes.Buffer
	if err := p.cluster.DownloadFile(ctx, jobID, output.EmbeddingFile, &buf); err != nil {
		return nil, err
	}

	var vector []float32
	if err := json.Unmarshal(buf.Bytes(), &vector); err != nil {
		return nil, errors.New(err).
			Component("callback").
			Category(errors.CategoryJobCallback).
			Context("job_id", jobID).
			Context("stage", "parse_embedding").
			Build()
	}
	if len(vector) != dimension {
		return nil, errors.Newf("embedding dimension mismatch: expected %d, got %d", dimension, len(vector)).
			Component("callback").
			Category(errors.CategoryValidation).
			Context("job_id", jobID).
			Build()
	}
	return vector, nil
}

// decodeOutput converts the generic task_output map into a typed struct.
func decodeOutput(raw map[string]any, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
