// Package jobs owns job submission to the compute cluster. Its core
// guarantee is at-most-once submission per idempotency key: the relational
// store admits only one non-terminal job per (entity, task type, content
// hash, face index), and the orchestrator inserts the record before it
// talks to the cluster.
package jobs

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/arvela/insight-go/internal/compute"
	"github.com/arvela/insight-go/internal/datastore"
	"github.com/arvela/insight-go/internal/errors"
	"github.com/arvela/insight-go/internal/logging"
	"github.com/arvela/insight-go/internal/mediastore"
	"github.com/arvela/insight-go/internal/observability"
)

// SubmitSpec describes one job submission request.
type SubmitSpec struct {
	EntityID    int64
	TaskType    string
	ContentHash string
	// FaceIndex scopes face embedding jobs to one detected face. All other
	// task types use datastore.EntityScopedFaceIndex.
	FaceIndex int
	// FilePath is the input file, relative to the media storage root.
	FilePath string
	Params   map[string]string
}

// Orchestrator submits jobs and records their lifecycle.
type Orchestrator struct {
	store           datastore.Interface
	submitter       compute.Submitter
	blobs           mediastore.BlobStore
	metrics         *observability.Metrics
	callbackBaseURL string
	logger          *slog.Logger
}

// NewOrchestrator wires the orchestrator. callbackBaseURL is the externally
// reachable base URL of this service's HTTP API.
func NewOrchestrator(store datastore.Interface, submitter compute.Submitter, blobs mediastore.BlobStore, callbackBaseURL string, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		store:           store,
		submitter:       submitter,
		blobs:           blobs,
		metrics:         metrics,
		callbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
		logger:          logging.ForService("jobs"),
	}
}

// Submit submits one job unless an equivalent non-terminal job already
// exists. Returns the job's external handle and whether a new submission
// actually happened.
//
// The job record is inserted before the network call, in queued state with a
// provisional handle. If the process dies between insert and submission the
// record stays non-terminal and blocks duplicates until an operator resets
// it; duplicate cluster work is considered worse than a stuck record.
func (o *Orchestrator) Submit(ctx context.Context, spec *SubmitSpec) (string, bool, error) {
	record := &datastore.JobRecord{
		JobID:       "pending-" + uuid.New().String(),
		EntityID:    spec.EntityID,
		TaskType:    spec.TaskType,
		ContentHash: spec.ContentHash,
		FaceIndex:   spec.FaceIndex,
	}

	existing, inserted, err := o.store.InsertJobIfAbsent(record)
	if err != nil {
		return "", false, err
	}
	if !inserted {
		o.logger.Debug("submission short-circuited by existing job",
			"entity_id", spec.EntityID,
			"task_type", spec.TaskType,
			"job_id", existing.JobID)
		if o.metrics != nil {
			o.metrics.JobsDeduplicated.WithLabelValues(spec.TaskType).Inc()
		}
		return existing.JobID, false, nil
	}

	externalID, err := o.submitter.Submit(ctx, &compute.SubmitRequest{
		TaskType:    spec.TaskType,
		FilePath:    o.blobs.AbsolutePath(spec.FilePath),
		CallbackURL: o.callbackBaseURL + "/api/v1/jobs/callback",
		Params:      spec.Params,
	})
	if err != nil {
		// Submission never reached the cluster; the record is failed
		// terminally so reconciliation does not wait on a job that was
		// never accepted.
		if markErr := o.store.MarkJobFailed(record.JobID, "submission", err.Error()); markErr != nil {
			o.logger.Error("failed to record submission failure",
				"entity_id", spec.EntityID,
				"task_type", spec.TaskType,
				"error", markErr)
		}
		if o.metrics != nil {
			o.metrics.JobsFailed.WithLabelValues(spec.TaskType).Inc()
		}
		return "", false, errors.New(err).
			Component("jobs").
			Category(errors.CategoryJobSubmission).
			Context("entity_id", spec.EntityID).
			Context("task_type", spec.TaskType).
			Build()
	}

	if err := o.store.UpdateJobSubmitted(record.ID, externalID); err != nil {
		return "", false, err
	}

	o.logger.Info("job submitted",
		"entity_id", spec.EntityID,
		"task_type", spec.TaskType,
		"job_id", externalID,
		"face_index", spec.FaceIndex)
	if o.metrics != nil {
		o.metrics.JobsSubmitted.WithLabelValues(spec.TaskType).Inc()
	}

	return externalID, true, nil
}

// HandleHeartbeat records a progress signal from the cluster. Heartbeats
// carry no result; they only confirm the job is still in flight.
func (o *Orchestrator) HandleHeartbeat(jobID string) {
	o.logger.Debug("job heartbeat", "job_id", jobID)
}
