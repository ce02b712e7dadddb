package datastore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvela/insight-go/internal/conf"
)

func openTestStore(t *testing.T) Interface {
	t.Helper()
	settings := &conf.Settings{}
	settings.Database.SQLite.Enabled = true
	settings.Database.SQLite.Path = filepath.Join(t.TempDir(), "insight.db")

	store := New(settings)
	require.NotNil(t, store)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCheckpointStartsAtZero(t *testing.T) {
	store := openTestStore(t)

	checkpoint, err := store.GetCheckpoint()
	require.NoError(t, err)
	assert.Zero(t, checkpoint)
}

func TestAdvanceCheckpointNeverRegresses(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.AdvanceCheckpoint(10))
	checkpoint, err := store.GetCheckpoint()
	require.NoError(t, err)
	assert.EqualValues(t, 10, checkpoint)

	// A stale writer cannot move the watermark backwards.
	require.NoError(t, store.AdvanceCheckpoint(5))
	checkpoint, err = store.GetCheckpoint()
	require.NoError(t, err)
	assert.EqualValues(t, 10, checkpoint)
}

func TestInsertJobIfAbsentEnforcesSingleActiveJob(t *testing.T) {
	store := openTestStore(t)

	first := &JobRecord{
		JobID:       "job-1",
		EntityID:    1,
		TaskType:    TaskFaceDetect,
		ContentHash: "hash-a",
		FaceIndex:   EntityScopedFaceIndex,
	}
	existing, inserted, err := store.InsertJobIfAbsent(first)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, JobQueued, existing.State)

	// Same idempotency key while the first job is still active.
	duplicate := &JobRecord{
		JobID:       "job-2",
		EntityID:    1,
		TaskType:    TaskFaceDetect,
		ContentHash: "hash-a",
		FaceIndex:   EntityScopedFaceIndex,
	}
	existing, inserted, err = store.InsertJobIfAbsent(duplicate)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "job-1", existing.JobID)

	// A different hash is a different key.
	otherHash := &JobRecord{
		JobID:       "job-3",
		EntityID:    1,
		TaskType:    TaskFaceDetect,
		ContentHash: "hash-b",
		FaceIndex:   EntityScopedFaceIndex,
	}
	_, inserted, err = store.InsertJobIfAbsent(otherHash)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestInsertJobIfAbsentAllowsNewJobAfterTerminal(t *testing.T) {
	store := openTestStore(t)

	first := &JobRecord{
		JobID:       "job-1",
		EntityID:    1,
		TaskType:    TaskSemanticEmbed,
		ContentHash: "hash-a",
		FaceIndex:   EntityScopedFaceIndex,
	}
	_, inserted, err := store.InsertJobIfAbsent(first)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, store.MarkJobCompleted("job-1"))

	// Terminal rows do not hold the uniqueness slot.
	second := &JobRecord{
		JobID:       "job-2",
		EntityID:    1,
		TaskType:    TaskSemanticEmbed,
		ContentHash: "hash-a",
		FaceIndex:   EntityScopedFaceIndex,
	}
	_, inserted, err = store.InsertJobIfAbsent(second)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Both terminal and active rows exist for the key.
	jobs, err := store.ListJobsForHash(1, "hash-a")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestInsertJobIfAbsentScopesFaceEmbedByIndex(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 2; i++ {
		job := &JobRecord{
			JobID:       "job-fe-" + string(rune('a'+i)),
			EntityID:    1,
			TaskType:    TaskFaceEmbed,
			ContentHash: "hash-a",
			FaceIndex:   i,
		}
		_, inserted, err := store.InsertJobIfAbsent(job)
		require.NoError(t, err)
		assert.True(t, inserted)
	}
}

func TestJobLifecycle(t *testing.T) {
	store := openTestStore(t)

	job := &JobRecord{
		JobID:       "pending-xyz",
		EntityID:    2,
		TaskType:    TaskDupEmbed,
		ContentHash: "hash-a",
		FaceIndex:   EntityScopedFaceIndex,
	}
	_, inserted, err := store.InsertJobIfAbsent(job)
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, store.UpdateJobSubmitted(job.ID, "job-ext"))
	record, err := store.GetJobByJobID("job-ext")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, JobInProgress, record.State)
	assert.True(t, record.Active())

	require.NoError(t, store.MarkJobFailed("job-ext", "compute", "boom"))
	record, err = store.GetJobByJobID("job-ext")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, record.State)
	assert.Equal(t, "compute", record.FailedStage)
	assert.False(t, record.Active())
	assert.NotNil(t, record.CompletedAt)
}

func TestDeleteFailedJobs(t *testing.T) {
	store := openTestStore(t)

	failed := &JobRecord{JobID: "job-f", EntityID: 3, TaskType: TaskFaceDetect, ContentHash: "hash-a", FaceIndex: EntityScopedFaceIndex}
	_, _, err := store.InsertJobIfAbsent(failed)
	require.NoError(t, err)
	require.NoError(t, store.MarkJobFailed("job-f", "compute", "boom"))

	completed := &JobRecord{JobID: "job-c", EntityID: 3, TaskType: TaskSemanticEmbed, ContentHash: "hash-a", FaceIndex: EntityScopedFaceIndex}
	_, _, err = store.InsertJobIfAbsent(completed)
	require.NoError(t, err)
	require.NoError(t, store.MarkJobCompleted("job-c"))

	deleted, err := store.DeleteFailedJobs(3, "hash-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	jobs, err := store.ListJobsForHash(3, "hash-a")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-c", jobs[0].JobID)
}

func TestDeleteFailedJobsClearsStaleQueued(t *testing.T) {
	store := openTestStore(t)
	ds := store.(*SQLiteStore)

	// A crash between the record insert and the cluster submission leaves a
	// queued row behind that no callback will ever resolve.
	stale := &JobRecord{JobID: "pending-dead", EntityID: 4, TaskType: TaskFaceDetect, ContentHash: "hash-a", FaceIndex: EntityScopedFaceIndex}
	_, _, err := store.InsertJobIfAbsent(stale)
	require.NoError(t, err)
	backdated := time.Now().Add(-2 * StaleQueuedAge)
	require.NoError(t, ds.DB.Model(&JobRecord{}).
		Where("id = ?", stale.ID).
		Update("started_at", backdated).Error)

	fresh := &JobRecord{JobID: "pending-live", EntityID: 4, TaskType: TaskSemanticEmbed, ContentHash: "hash-a", FaceIndex: EntityScopedFaceIndex}
	_, _, err = store.InsertJobIfAbsent(fresh)
	require.NoError(t, err)

	deleted, err := store.DeleteFailedJobs(4, "hash-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	jobs, err := store.ListJobsForHash(4, "hash-a")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, TaskSemanticEmbed, jobs[0].TaskType)
}

func TestListActiveIntelligence(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.UpsertIntelligence(&IntelligenceRecord{EntityID: 1, ActiveContentHash: "hash-a"}))
	require.NoError(t, store.UpsertIntelligence(&IntelligenceRecord{EntityID: 2, LastProcessedContentHash: "hash-b"}))

	active, err := store.ListActiveIntelligence()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.EqualValues(t, 1, active[0].EntityID)
}

func TestGetLatestEntityVersion(t *testing.T) {
	store := openTestStore(t)
	ds := store.(*SQLiteStore)

	rows := []EntityVersion{
		{EntityID: 1, Version: 10, ContentHash: "a1", MediaType: "image"},
		{EntityID: 1, Version: 12, ContentHash: "a2", MediaType: "image"},
	}
	for i := range rows {
		require.NoError(t, ds.DB.Create(&rows[i]).Error)
	}

	latest, err := store.GetLatestEntityVersion(1)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.EqualValues(t, 12, latest.Version)
	assert.Equal(t, "a2", latest.ContentHash)

	missing, err := store.GetLatestEntityVersion(99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListChangedEntitiesCoalesces(t *testing.T) {
	store := openTestStore(t)
	ds := store.(*SQLiteStore)

	rows := []EntityVersion{
		{EntityID: 1, Version: 10, ContentHash: "a1", MediaType: "image"},
		{EntityID: 2, Version: 11, ContentHash: "b1", MediaType: "image"},
		{EntityID: 1, Version: 12, ContentHash: "a2", MediaType: "image"},
	}
	for i := range rows {
		require.NoError(t, ds.DB.Create(&rows[i]).Error)
	}

	changed, err := store.ListChangedEntities(0)
	require.NoError(t, err)
	require.Len(t, changed, 2)
	assert.EqualValues(t, 11, changed[0].Version)
	assert.Equal(t, "b1", changed[0].ContentHash)
	assert.EqualValues(t, 12, changed[1].Version)
	assert.Equal(t, "a2", changed[1].ContentHash)

	// Nothing newer than the watermark.
	changed, err = store.ListChangedEntities(12)
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestUpsertFacePreservesPersonAssignment(t *testing.T) {
	store := openTestStore(t)

	face := &DetectedFace{EntityID: 1, ContentHash: "hash-a", FaceIndex: 0, Confidence: 0.9}
	require.NoError(t, store.UpsertFace(face))

	person := &Person{}
	require.NoError(t, store.CreatePerson(person))
	require.NoError(t, store.AssignFacePerson(face.ID, person.ID))

	// A detection rerun updates the geometry but must not drop the person.
	rerun := &DetectedFace{EntityID: 1, ContentHash: "hash-a", FaceIndex: 0, Confidence: 0.95}
	require.NoError(t, store.UpsertFace(rerun))

	reloaded, err := store.GetFace(face.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded)
	require.NotNil(t, reloaded.PersonID)
	assert.Equal(t, person.ID, *reloaded.PersonID)
	assert.InDelta(t, 0.95, reloaded.Confidence, 1e-9)

	loadedPerson, err := store.GetPerson(person.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loadedPerson.FaceCount)
}

func TestUpsertIntelligence(t *testing.T) {
	store := openTestStore(t)

	record := &IntelligenceRecord{EntityID: 9, ActiveContentHash: "hash-a", LastProcessedVersion: 4}
	require.NoError(t, store.UpsertIntelligence(record))

	record.ActiveContentHash = ""
	record.LastProcessedContentHash = "hash-a"
	require.NoError(t, store.UpsertIntelligence(record))

	loaded, err := store.GetIntelligence(9)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "hash-a", loaded.LastProcessedContentHash)
	assert.Empty(t, loaded.ActiveContentHash)
	assert.EqualValues(t, 4, loaded.LastProcessedVersion)
}
