// model.go this code defines the data model for the application
package datastore

import "time"

// Task types for the compute pipeline.
const (
	TaskFaceDetect    = "face_detect"
	TaskSemanticEmbed = "semantic_embed"
	TaskDupEmbed      = "dup_embed"
	TaskFaceEmbed     = "face_embed"
)

// RequiredTasks is the task set every processable entity must complete.
// Face embedding jobs are follow-ons created per detected face and are not
// part of the per-entity required set.
var RequiredTasks = []string{TaskFaceDetect, TaskSemanticEmbed, TaskDupEmbed}

// Job states. Completed and failed are terminal; reconciliation never
// resubmits a terminal job without an external reset.
const (
	JobQueued     = "queued"
	JobInProgress = "in_progress"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// IsTerminalState reports whether a job state is terminal.
func IsTerminalState(state string) bool {
	return state == JobCompleted || state == JobFailed
}

// EntityScopedFaceIndex is the FaceIndex sentinel for jobs not scoped to a
// single face. A real value would make the uniqueness index treat every
// entity-scoped job as distinct, so the sentinel keeps them comparable.
const EntityScopedFaceIndex = -1

// SyncCheckpoint is the singleton watermark over the entity version log.
// Only the reconciler advances it, and only after a full pass.
type SyncCheckpoint struct {
	ID                   uint  `gorm:"primaryKey"`
	LastProcessedVersion int64 `gorm:"not null;default:0"`
	UpdatedAt            time.Time
}

// IntelligenceRecord tracks per-entity processing state. The overall status is
// never stored here; it is derived from the entity's JobRecords on every read.
type IntelligenceRecord struct {
	EntityID                 int64  `gorm:"primaryKey"`
	LastProcessedContentHash string `gorm:"type:varchar(64)"`
	LastProcessedVersion     int64
	ActiveContentHash        string `gorm:"type:varchar(64)"` // hash currently being processed, empty when idle
	ErrorMessage             string `gorm:"type:text"`
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// JobRecord tracks one submission to the external compute interface.
//
// ActiveKey is 1 while the job is non-terminal and NULL once terminal. The
// composite unique index over (entity_id, task_type, content_hash, face_index,
// active_key) therefore admits at most one non-terminal job per idempotency
// key while allowing any number of terminal ones, because NULL values never
// collide in a unique index on either SQLite or MySQL.
type JobRecord struct {
	ID           uint   `gorm:"primaryKey"`
	JobID        string `gorm:"index:idx_jobs_jobid;type:varchar(64)"` // external handle once submitted
	EntityID     int64  `gorm:"index:idx_jobs_entity;uniqueIndex:idx_jobs_active"`
	TaskType     string `gorm:"uniqueIndex:idx_jobs_active;type:varchar(32)"`
	ContentHash  string `gorm:"uniqueIndex:idx_jobs_active;type:varchar(64)"`
	FaceIndex    int    `gorm:"uniqueIndex:idx_jobs_active;default:-1"`
	State        string `gorm:"index:idx_jobs_state;type:varchar(16)"`
	ActiveKey    *uint8 `gorm:"uniqueIndex:idx_jobs_active"`
	FailedStage  string `gorm:"type:varchar(32)"` // side-effect stage that failed, empty otherwise
	ErrorMessage string `gorm:"type:text"`
	StartedAt    time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Active reports whether the record is still non-terminal.
func (j *JobRecord) Active() bool {
	return !IsTerminalState(j.State)
}

// DetectedFace is one face found in an entity's media. Deterministically keyed
// by (entity, content hash, face index) so detection reruns upsert instead of
// duplicating rows.
type DetectedFace struct {
	ID           uint   `gorm:"primaryKey"`
	EntityID     int64  `gorm:"index:idx_faces_entity;uniqueIndex:idx_faces_identity"`
	ContentHash  string `gorm:"uniqueIndex:idx_faces_identity;type:varchar(64)"`
	FaceIndex    int    `gorm:"uniqueIndex:idx_faces_identity"`
	PersonID     *uint  `gorm:"index:idx_faces_person"`
	BoundingBox  string `gorm:"type:text"` // JSON: {x, y, width, height}
	Confidence   float64
	Landmarks    string `gorm:"type:text"` // JSON landmark points
	CropFilePath string `gorm:"type:text"` // relative to media storage root
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Person groups faces judged to belong to the same individual.
type Person struct {
	ID          uint   `gorm:"primaryKey"`
	DisplayName string `gorm:"type:varchar(255)"`
	FaceCount   int    `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FaceMatch records one above-threshold similarity hit found while assigning a
// face to a person. Audit data; never consulted by the pipeline itself.
type FaceMatch struct {
	ID            uint    `gorm:"primaryKey"`
	FaceID        uint    `gorm:"index:idx_facematches_face"`
	MatchedFaceID uint    `gorm:"index:idx_facematches_matched"`
	Score         float64 `gorm:"not null"`
	CreatedAt     time.Time
}

// EntityVersion is one row of the entity store's append-only version log.
// Written by the entity CRUD service; read-only for this service.
type EntityVersion struct {
	ID          uint   `gorm:"primaryKey"`
	EntityID    int64  `gorm:"index:idx_entityversions_entity"`
	Version     int64  `gorm:"index:idx_entityversions_version"`
	ContentHash string `gorm:"type:varchar(64)"`
	MediaType   string `gorm:"type:varchar(32)"` // image, video, folder, ...
	Collection  bool   // true for folder-like entities, never processed
	Deleted     bool
	FilePath    string `gorm:"type:text"` // relative to media storage root
	CreatedAt   time.Time
}
