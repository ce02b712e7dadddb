// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"time"

	"github.com/arvela/insight-go/internal/conf"
	"github.com/arvela/insight-go/internal/errors"
	"gorm.io/gorm"
)

// Interface abstracts the underlying database implementation and defines the
// operations the pipeline needs from the relational store.
type Interface interface {
	Open() error
	Close() error

	// Checkpoint
	GetCheckpoint() (int64, error)
	AdvanceCheckpoint(version int64) error

	// Entity version log (written by the entity CRUD service)
	ListChangedEntities(sinceVersion int64) ([]EntityVersion, error)

	// Intelligence records
	GetIntelligence(entityID int64) (*IntelligenceRecord, error)
	UpsertIntelligence(record *IntelligenceRecord) error
	ListActiveIntelligence() ([]IntelligenceRecord, error)
	GetLatestEntityVersion(entityID int64) (*EntityVersion, error)

	// Job records
	InsertJobIfAbsent(job *JobRecord) (existing *JobRecord, inserted bool, err error)
	UpdateJobSubmitted(id uint, externalJobID string) error
	MarkJobCompleted(externalJobID string) error
	MarkJobFailed(externalJobID, stage, errorMessage string) error
	GetJobByJobID(externalJobID string) (*JobRecord, error)
	ListJobsForHash(entityID int64, contentHash string) ([]JobRecord, error)
	ListJobsForEntity(entityID int64) ([]JobRecord, error)
	DeleteFailedJobs(entityID int64, contentHash string) (int64, error)

	// Faces and persons
	UpsertFace(face *DetectedFace) error
	GetFace(id uint) (*DetectedFace, error)
	ListFacesForEntity(entityID int64) ([]DetectedFace, error)
	AssignFacePerson(faceID, personID uint) error
	CreatePerson(person *Person) error
	GetPerson(id uint) (*Person, error)
	ListPersons() ([]Person, error)
	ListFacesForPerson(personID uint) ([]DetectedFace, error)
	RenamePerson(personID uint, displayName string) error
	SaveFaceMatches(matches []FaceMatch) error
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB // GORM database instance
}

// New creates a new datastore instance based on the provided configuration.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Database.SQLite.Enabled:
		return &SQLiteStore{
			Settings: settings,
		}
	case settings.Database.MySQL.Enabled:
		return &MySQLStore{
			Settings: settings,
		}
	default:
		return nil
	}
}

// checkpointRowID is the primary key of the singleton checkpoint row.
const checkpointRowID = 1

// GetCheckpoint returns the last fully reconciled entity version, creating the
// singleton row at zero on first use.
func (ds *DataStore) GetCheckpoint() (int64, error) {
	var checkpoint SyncCheckpoint
	err := ds.DB.First(&checkpoint, checkpointRowID).Error
	if err == nil {
		return checkpoint.LastProcessedVersion, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, dbError(err, "get_checkpoint", errors.PriorityHigh)
	}

	checkpoint = SyncCheckpoint{ID: checkpointRowID, LastProcessedVersion: 0}
	if err := ds.DB.Create(&checkpoint).Error; err != nil {
		// A concurrent reconciler may have created it first.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ds.GetCheckpoint()
		}
		return 0, dbError(err, "create_checkpoint", errors.PriorityHigh)
	}
	return 0, nil
}

// AdvanceCheckpoint moves the watermark forward. Moves backward are ignored so
// concurrent reconciler instances can never regress the checkpoint.
func (ds *DataStore) AdvanceCheckpoint(version int64) error {
	result := ds.DB.Model(&SyncCheckpoint{}).
		Where("id = ? AND last_processed_version < ?", checkpointRowID, version).
		Updates(map[string]any{
			"last_processed_version": version,
			"updated_at":             time.Now(),
		})
	if result.Error != nil {
		return dbError(result.Error, "advance_checkpoint", errors.PriorityHigh, "version", version)
	}
	return nil
}

// ListChangedEntities returns the latest version row per entity with a version
// strictly greater than sinceVersion, ordered by version.
func (ds *DataStore) ListChangedEntities(sinceVersion int64) ([]EntityVersion, error) {
	var versions []EntityVersion
	err := ds.DB.Where("version > ?", sinceVersion).
		Order("version asc").
		Find(&versions).Error
	if err != nil {
		return nil, dbError(err, "list_changed_entities", errors.PriorityHigh, "since_version", sinceVersion)
	}

	// Coalesce to the latest version per entity. Rows are version-ordered, so
	// a later row always wins.
	latest := make(map[int64]EntityVersion, len(versions))
	for _, v := range versions {
		latest[v.EntityID] = v
	}

	coalesced := make([]EntityVersion, 0, len(latest))
	for _, v := range latest {
		coalesced = append(coalesced, v)
	}
	sortEntityVersions(coalesced)
	return coalesced, nil
}

// GetIntelligence returns the intelligence record for an entity, or nil when
// the entity has never been touched by reconciliation.
func (ds *DataStore) GetIntelligence(entityID int64) (*IntelligenceRecord, error) {
	var record IntelligenceRecord
	err := ds.DB.First(&record, "entity_id = ?", entityID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(err, "get_intelligence", errors.PriorityMedium, "entity_id", entityID)
	}
	return &record, nil
}

// UpsertIntelligence creates or updates an intelligence record.
func (ds *DataStore) UpsertIntelligence(record *IntelligenceRecord) error {
	existing, err := ds.GetIntelligence(record.EntityID)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := ds.DB.Create(record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// Lost the race to a concurrent reconciler; fall through to update.
				return ds.updateIntelligence(record)
			}
			return dbError(err, "create_intelligence", errors.PriorityMedium, "entity_id", record.EntityID)
		}
		return nil
	}
	return ds.updateIntelligence(record)
}

func (ds *DataStore) updateIntelligence(record *IntelligenceRecord) error {
	err := ds.DB.Model(&IntelligenceRecord{}).
		Where("entity_id = ?", record.EntityID).
		Updates(map[string]any{
			"last_processed_content_hash": record.LastProcessedContentHash,
			"last_processed_version":      record.LastProcessedVersion,
			"active_content_hash":         record.ActiveContentHash,
			"error_message":               record.ErrorMessage,
			"updated_at":                  time.Now(),
		}).Error
	if err != nil {
		return dbError(err, "update_intelligence", errors.PriorityMedium, "entity_id", record.EntityID)
	}
	return nil
}

// ListActiveIntelligence returns every intelligence record with processing
// still in flight, meaning an active content hash that has not been promoted
// yet. The reconciler sweeps these so entities whose work stalled below the
// checkpoint (a manual reset, a crash before submission) are picked up again
// without a new version row.
func (ds *DataStore) ListActiveIntelligence() ([]IntelligenceRecord, error) {
	var records []IntelligenceRecord
	err := ds.DB.Where("active_content_hash <> ''").Find(&records).Error
	if err != nil {
		return nil, dbError(err, "list_active_intelligence", errors.PriorityMedium)
	}
	return records, nil
}

// GetLatestEntityVersion returns the newest version row for an entity, or nil
// when the entity has no version rows at all.
func (ds *DataStore) GetLatestEntityVersion(entityID int64) (*EntityVersion, error) {
	var version EntityVersion
	err := ds.DB.Where("entity_id = ?", entityID).
		Order("version desc").
		First(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(err, "get_latest_entity_version", errors.PriorityMedium, "entity_id", entityID)
	}
	return &version, nil
}

// InsertJobIfAbsent atomically inserts a queued job record unless an
// equivalent non-terminal record already exists. The uniqueness invariant is
// enforced by the idx_jobs_active index, so the check holds under concurrent
// reconciler instances: the loser of the race reads back the winner's row.
func (ds *DataStore) InsertJobIfAbsent(job *JobRecord) (*JobRecord, bool, error) {
	active := uint8(1)
	job.ActiveKey = &active
	job.State = JobQueued
	job.StartedAt = time.Now()
	if job.FaceIndex == 0 && job.TaskType != TaskFaceEmbed {
		job.FaceIndex = EntityScopedFaceIndex
	}

	err := ds.DB.Create(job).Error
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, dbError(err, "insert_job", errors.PriorityHigh,
			"entity_id", job.EntityID, "task_type", job.TaskType)
	}

	var existing JobRecord
	findErr := ds.DB.Where(
		"entity_id = ? AND task_type = ? AND content_hash = ? AND face_index = ? AND active_key IS NOT NULL",
		job.EntityID, job.TaskType, job.ContentHash, job.FaceIndex,
	).First(&existing).Error
	if findErr != nil {
		return nil, false, dbError(findErr, "find_existing_job", errors.PriorityHigh,
			"entity_id", job.EntityID, "task_type", job.TaskType)
	}
	return &existing, false, nil
}

// UpdateJobSubmitted records the external job handle and moves the record to
// in-progress after a successful submission.
func (ds *DataStore) UpdateJobSubmitted(id uint, externalJobID string) error {
	err := ds.DB.Model(&JobRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"job_id":     externalJobID,
			"state":      JobInProgress,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return dbError(err, "update_job_submitted", errors.PriorityHigh, "job_id", externalJobID)
	}
	return nil
}

// MarkJobCompleted transitions a job to the completed terminal state. The
// active key is cleared so a new job for the same idempotency key may be
// inserted later (for example after a manual reset).
func (ds *DataStore) MarkJobCompleted(externalJobID string) error {
	now := time.Now()
	err := ds.DB.Model(&JobRecord{}).
		Where("job_id = ?", externalJobID).
		Updates(map[string]any{
			"state":        JobCompleted,
			"active_key":   nil,
			"completed_at": &now,
			"updated_at":   now,
		}).Error
	if err != nil {
		return dbError(err, "mark_job_completed", errors.PriorityHigh, "job_id", externalJobID)
	}
	return nil
}

// MarkJobFailed transitions a job to the failed terminal state, recording the
// side-effect stage that failed so "never attempted" stays distinguishable
// from "attempted and failed at stage X".
func (ds *DataStore) MarkJobFailed(externalJobID, stage, errorMessage string) error {
	now := time.Now()
	err := ds.DB.Model(&JobRecord{}).
		Where("job_id = ?", externalJobID).
		Updates(map[string]any{
			"state":         JobFailed,
			"active_key":    nil,
			"failed_stage":  stage,
			"error_message": errorMessage,
			"completed_at":  &now,
			"updated_at":    now,
		}).Error
	if err != nil {
		return dbError(err, "mark_job_failed", errors.PriorityHigh, "job_id", externalJobID)
	}
	return nil
}

// GetJobByJobID returns the job record with the given external handle, or nil
// when no such record exists (deleted entity, unknown callback).
func (ds *DataStore) GetJobByJobID(externalJobID string) (*JobRecord, error) {
	var job JobRecord
	err := ds.DB.First(&job, "job_id = ?", externalJobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(err, "get_job", errors.PriorityMedium, "job_id", externalJobID)
	}
	return &job, nil
}

// ListJobsForHash returns all job records for an entity at a content hash.
func (ds *DataStore) ListJobsForHash(entityID int64, contentHash string) ([]JobRecord, error) {
	var jobs []JobRecord
	err := ds.DB.Where("entity_id = ? AND content_hash = ?", entityID, contentHash).
		Order("id asc").
		Find(&jobs).Error
	if err != nil {
		return nil, dbError(err, "list_jobs_for_hash", errors.PriorityMedium, "entity_id", entityID)
	}
	return jobs, nil
}

// ListJobsForEntity returns all job records for an entity across hashes.
func (ds *DataStore) ListJobsForEntity(entityID int64) ([]JobRecord, error) {
	var jobs []JobRecord
	err := ds.DB.Where("entity_id = ?", entityID).Order("id asc").Find(&jobs).Error
	if err != nil {
		return nil, dbError(err, "list_jobs_for_entity", errors.PriorityMedium, "entity_id", entityID)
	}
	return jobs, nil
}

// StaleQueuedAge is how long a job may sit in the queued state before a reset
// treats it as abandoned. A crash between the record insert and the cluster
// submission leaves a queued row with a provisional job id that no callback
// will ever resolve.
const StaleQueuedAge = 15 * time.Minute

// DeleteFailedJobs removes failed job records for an entity at a content
// hash, along with queued records older than StaleQueuedAge. The next
// reconciliation pass then sees the tasks as missing and resubmits.
func (ds *DataStore) DeleteFailedJobs(entityID int64, contentHash string) (int64, error) {
	cutoff := time.Now().Add(-StaleQueuedAge)
	result := ds.DB.Where(
		"entity_id = ? AND content_hash = ? AND (state = ? OR (state = ? AND started_at < ?))",
		entityID, contentHash, JobFailed, JobQueued, cutoff,
	).Delete(&JobRecord{})
	if result.Error != nil {
		return 0, dbError(result.Error, "delete_failed_jobs", errors.PriorityMedium, "entity_id", entityID)
	}
	return result.RowsAffected, nil
}

// UpsertFace creates or updates a detected face keyed by its deterministic
// (entity, content hash, face index) identity.
func (ds *DataStore) UpsertFace(face *DetectedFace) error {
	var existing DetectedFace
	err := ds.DB.Where(
		"entity_id = ? AND content_hash = ? AND face_index = ?",
		face.EntityID, face.ContentHash, face.FaceIndex,
	).First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		if createErr := ds.DB.Create(face).Error; createErr != nil {
			return dbError(createErr, "create_face", errors.PriorityMedium,
				"entity_id", face.EntityID, "face_index", face.FaceIndex)
		}
		return nil
	}
	if err != nil {
		return dbError(err, "find_face", errors.PriorityMedium, "entity_id", face.EntityID)
	}

	face.ID = existing.ID
	face.PersonID = existing.PersonID // person assignment survives detection reruns
	updateErr := ds.DB.Model(&DetectedFace{}).
		Where("id = ?", existing.ID).
		Updates(map[string]any{
			"bounding_box":   face.BoundingBox,
			"confidence":     face.Confidence,
			"landmarks":      face.Landmarks,
			"crop_file_path": face.CropFilePath,
			"updated_at":     time.Now(),
		}).Error
	if updateErr != nil {
		return dbError(updateErr, "update_face", errors.PriorityMedium, "face_id", existing.ID)
	}
	return nil
}

// GetFace returns a face by id, or nil when not found.
func (ds *DataStore) GetFace(id uint) (*DetectedFace, error) {
	var face DetectedFace
	err := ds.DB.First(&face, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(err, "get_face", errors.PriorityMedium, "face_id", id)
	}
	return &face, nil
}

// ListFacesForEntity returns all faces detected for an entity.
func (ds *DataStore) ListFacesForEntity(entityID int64) ([]DetectedFace, error) {
	var faces []DetectedFace
	err := ds.DB.Where("entity_id = ?", entityID).Order("face_index asc").Find(&faces).Error
	if err != nil {
		return nil, dbError(err, "list_faces", errors.PriorityMedium, "entity_id", entityID)
	}
	return faces, nil
}

// AssignFacePerson commits a face-to-person assignment and bumps the person's
// face count in one transaction.
func (ds *DataStore) AssignFacePerson(faceID, personID uint) error {
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&DetectedFace{}).
			Where("id = ?", faceID).
			Updates(map[string]any{"person_id": personID, "updated_at": time.Now()}).Error; err != nil {
			return err
		}
		return tx.Model(&Person{}).
			Where("id = ?", personID).
			Updates(map[string]any{
				"face_count": gorm.Expr("face_count + 1"),
				"updated_at": time.Now(),
			}).Error
	})
	if err != nil {
		return dbError(err, "assign_face_person", errors.PriorityHigh,
			"face_id", faceID, "person_id", personID)
	}
	return nil
}

// CreatePerson inserts a new person row.
func (ds *DataStore) CreatePerson(person *Person) error {
	if err := ds.DB.Create(person).Error; err != nil {
		return dbError(err, "create_person", errors.PriorityMedium)
	}
	return nil
}

// GetPerson returns a person by id, or nil when not found.
func (ds *DataStore) GetPerson(id uint) (*Person, error) {
	var person Person
	err := ds.DB.First(&person, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(err, "get_person", errors.PriorityMedium, "person_id", id)
	}
	return &person, nil
}

// ListPersons returns every known person, newest first.
func (ds *DataStore) ListPersons() ([]Person, error) {
	var persons []Person
	err := ds.DB.Order("id desc").Find(&persons).Error
	if err != nil {
		return nil, dbError(err, "list_persons", errors.PriorityMedium)
	}
	return persons, nil
}

// ListFacesForPerson returns the faces assigned to one person.
func (ds *DataStore) ListFacesForPerson(personID uint) ([]DetectedFace, error) {
	var faces []DetectedFace
	err := ds.DB.Where("person_id = ?", personID).
		Order("entity_id asc, face_index asc").
		Find(&faces).Error
	if err != nil {
		return nil, dbError(err, "list_faces_for_person", errors.PriorityMedium, "person_id", personID)
	}
	return faces, nil
}

// RenamePerson sets a person's display name.
func (ds *DataStore) RenamePerson(personID uint, displayName string) error {
	result := ds.DB.Model(&Person{}).
		Where("id = ?", personID).
		Updates(map[string]any{
			"display_name": displayName,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return dbError(result.Error, "rename_person", errors.PriorityMedium, "person_id", personID)
	}
	return nil
}

// SaveFaceMatches inserts similarity audit rows.
func (ds *DataStore) SaveFaceMatches(matches []FaceMatch) error {
	if len(matches) == 0 {
		return nil
	}
	if err := ds.DB.Create(&matches).Error; err != nil {
		return dbError(err, "save_face_matches", errors.PriorityLow)
	}
	return nil
}

// Close closes the underlying database connection.
func (ds *DataStore) Close() error {
	if ds.DB == nil {
		return nil
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return dbError(err, "close", errors.PriorityLow)
	}
	return sqlDB.Close()
}
