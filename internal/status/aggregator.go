// Package status derives an entity's overall processing status from its job
// records. The derivation is the single source of truth: the result is never
// persisted, only recomputed, so two status fields can never drift apart.
package status

import (
	"github.com/arvela/insight-go/internal/datastore"
)

// OverallStatus is the derived processing status of an entity.
type OverallStatus string

const (
	// StatusPending indicates at least one required task has no job record yet.
	StatusPending OverallStatus = "pending"
	// StatusProcessing indicates at least one job is queued or in progress.
	StatusProcessing OverallStatus = "processing"
	// StatusFailed indicates a required task failed and nothing is still running.
	StatusFailed OverallStatus = "failed"
	// StatusCompleted indicates every required task completed.
	StatusCompleted OverallStatus = "completed"
)

// Terminal reports whether the status will not change without new submissions.
func (s OverallStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Aggregate derives the overall status from the job records at the entity's
// current content hash. Rules, evaluated in order:
//
//  1. any job queued or in progress   -> processing
//  2. any required task failed        -> failed
//  3. all required tasks completed    -> completed
//  4. otherwise                       -> pending
//
// Face embedding follow-on jobs count for rule 1 and 2 (a running or failed
// face embedding keeps the entity from reading as completed) but are not part
// of the required set checked in rule 3.
func Aggregate(jobs []datastore.JobRecord, required []string) OverallStatus {
	latestByTask := make(map[string]string, len(required))
	anyActive := false
	anyFaceEmbedFailed := false

	for i := range jobs {
		job := &jobs[i]
		if job.Active() {
			anyActive = true
		}
		if job.TaskType == datastore.TaskFaceEmbed {
			if job.State == datastore.JobFailed {
				anyFaceEmbedFailed = true
			}
			continue
		}
		// Later records win; a resubmission after reset supersedes the old
		// failed record for the same task.
		latestByTask[job.TaskType] = job.State
	}

	if anyActive {
		return StatusProcessing
	}

	for _, task := range required {
		if latestByTask[task] == datastore.JobFailed {
			return StatusFailed
		}
	}
	if anyFaceEmbedFailed {
		return StatusFailed
	}

	for _, task := range required {
		if latestByTask[task] != datastore.JobCompleted {
			return StatusPending
		}
	}
	return StatusCompleted
}

// MissingTasks returns the required tasks that have no non-terminal or
// completed job record at the current hash. Failed tasks are terminal and are
// deliberately not treated as missing; they stay failed until reset.
func MissingTasks(jobs []datastore.JobRecord, required []string) []string {
	covered := make(map[string]bool, len(required))
	for i := range jobs {
		job := &jobs[i]
		if job.Active() || job.State == datastore.JobCompleted || job.State == datastore.JobFailed {
			covered[job.TaskType] = true
		}
	}

	var missing []string
	for _, task := range required {
		if !covered[task] {
			missing = append(missing, task)
		}
	}
	return missing
}
