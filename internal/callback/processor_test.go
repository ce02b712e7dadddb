package callback

import (
	"encoding/json"
	"testing"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvela/insight-go/internal/compute"
	"github.com/arvela/insight-go/internal/conf"
	"github.com/arvela/insight-go/internal/datastore"
	"github.com/arvela/insight-go/internal/jobs"
	"github.com/arvela/insight-go/internal/observability"
	"github.com/arvela/insight-go/internal/testutil"
	"github.com/arvela/insight-go/internal/vectorindex"
)

type fixture struct {
	store     *testutil.MockStore
	vectors   *testutil.FakeVectorStore
	cluster   *testutil.FakeSubmitter
	blobs     *testutil.FakeBlobStore
	metrics   *observability.Metrics
	processor *Processor
}

func newFixture() *fixture {
	settings := &conf.Settings{}
	settings.Vector.Semantic = conf.CollectionSettings{Name: "semantic", Dimension: 4}
	settings.Vector.Duplicate = conf.CollectionSettings{Name: "duplicate", Dimension: 4}
	settings.Vector.Face = conf.CollectionSettings{Name: "faces", Dimension: 4}
	settings.Vector.FaceMatchThreshold = 0.6
	settings.Vector.SearchLimit = 10

	store := testutil.NewMockStore()
	vectors := testutil.NewFakeVectorStore()
	cluster := testutil.NewFakeSubmitter()
	blobs := testutil.NewFakeBlobStore()
	metrics := observability.NewMetrics()
	orchestrator := jobs.NewOrchestrator(store, cluster, blobs, "http://insight.local:8090", nil)

	return &fixture{
		store:     store,
		vectors:   vectors,
		cluster:   cluster,
		blobs:     blobs,
		metrics:   metrics,
		processor: NewProcessor(store, vectors, cluster, blobs, orchestrator, settings, metrics),
	}
}

// insertJob seeds one in-progress job record as the orchestrator would have
// left it after a successful submission.
func (f *fixture) insertJob(t *testing.T, entityID int64, taskType, contentHash string, faceIndex int, jobID string) {
	t.Helper()
	record := &datastore.JobRecord{
		JobID:       "pending-" + jobID,
		EntityID:    entityID,
		TaskType:    taskType,
		ContentHash: contentHash,
		FaceIndex:   faceIndex,
	}
	_, inserted, err := f.store.InsertJobIfAbsent(record)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, f.store.UpdateJobSubmitted(record.ID, jobID))
}

func (f *fixture) setManifest(jobID string, taskType string, output any) {
	raw, _ := json.Marshal(output)
	var generic map[string]any
	_ = json.Unmarshal(raw, &generic)
	f.cluster.Manifests[jobID] = &compute.Job{
		JobID:      jobID,
		TaskType:   taskType,
		Status:     compute.StatusCompleted,
		TaskOutput: generic,
	}
}

func embeddingJSON(vector []float32) []byte {
	data, _ := json.Marshal(vector)
	return data
}

func TestHandleCompletionUnknownJobIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture()
	require.NoError(t, f.processor.HandleCompletion(t.Context(), "no-such-job"))
}

func TestHandleCompletionDuplicateIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.insertJob(t, 1, datastore.TaskSemanticEmbed, "hash-a", datastore.EntityScopedFaceIndex, "job-s")
	f.setManifest("job-s", datastore.TaskSemanticEmbed, compute.EmbeddingOutput{EmbeddingFile: "emb.json"})
	f.cluster.Files["job-s/emb.json"] = embeddingJSON([]float32{1, 0, 0, 0})

	require.NoError(t, f.processor.HandleCompletion(t.Context(), "job-s"))

	// Replay: the job is terminal, so nothing runs again.
	delete(f.cluster.Manifests, "job-s")
	require.NoError(t, f.processor.HandleCompletion(t.Context(), "job-s"))
}

func TestHandleFaceDetectCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.insertJob(t, 7, datastore.TaskFaceDetect, "hash-a", datastore.EntityScopedFaceIndex, "job-fd")
	f.setManifest("job-fd", datastore.TaskFaceDetect, compute.FaceDetectOutput{
		Faces: []compute.DetectedFaceOutput{
			{Index: 0, BoundingBox: []float64{1, 2, 30, 40}, Confidence: 0.97, CropFile: "face_0.jpg"},
			{Index: 1, BoundingBox: []float64{5, 6, 20, 25}, Confidence: 0.88, CropFile: "face_1.jpg"},
		},
	})
	f.cluster.Files["job-fd/face_0.jpg"] = []byte("crop-0")
	f.cluster.Files["job-fd/face_1.jpg"] = []byte("crop-1")

	require.NoError(t, f.processor.HandleCompletion(t.Context(), "job-fd"))

	faces, err := f.store.ListFacesForEntity(7)
	require.NoError(t, err)
	require.Len(t, faces, 2)
	assert.Equal(t, 0, faces[0].FaceIndex)
	assert.Equal(t, "hash-a", faces[0].ContentHash)
	assert.True(t, f.blobs.Exists(faces[0].CropFilePath))
	assert.True(t, f.blobs.Exists(faces[1].CropFilePath))

	// One face embedding job per face was fanned out.
	assert.Equal(t,
		[]string{datastore.TaskFaceEmbed, datastore.TaskFaceEmbed},
		f.cluster.SubmittedTasks())

	record, err := f.store.GetJobByJobID("job-fd")
	require.NoError(t, err)
	assert.Equal(t, datastore.JobCompleted, record.State)
}

func TestHandleFaceDetectReplayConverges(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.insertJob(t, 7, datastore.TaskFaceDetect, "hash-a", datastore.EntityScopedFaceIndex, "job-fd")
	f.setManifest("job-fd", datastore.TaskFaceDetect, compute.FaceDetectOutput{
		Faces: []compute.DetectedFaceOutput{
			{Index: 0, BoundingBox: []float64{1, 2, 3, 4}, Confidence: 0.9, CropFile: "face_0.jpg"},
		},
	})
	f.cluster.Files["job-fd/face_0.jpg"] = []byte("crop-0")

	// Simulate a crash after face persistence: the handler ran but the job
	// record never became terminal.
	require.NoError(t, f.processor.handleFaceDetect(t.Context(), mustJob(t, f, "job-fd")))
	require.NoError(t, f.processor.HandleCompletion(t.Context(), "job-fd"))

	// Faces did not duplicate and exactly one embedding job exists.
	faces, err := f.store.ListFacesForEntity(7)
	require.NoError(t, err)
	assert.Len(t, faces, 1)
	assert.Len(t, f.cluster.SubmittedTasks(), 1)
}

func TestHandleSemanticEmbeddingStoresVector(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.insertJob(t, 11, datastore.TaskSemanticEmbed, "hash-a", datastore.EntityScopedFaceIndex, "job-s")
	f.setManifest("job-s", datastore.TaskSemanticEmbed, compute.EmbeddingOutput{EmbeddingFile: "emb.json"})
	f.cluster.Files["job-s/emb.json"] = embeddingJSON([]float32{0.1, 0.2, 0.3, 0.4})

	require.NoError(t, f.processor.HandleCompletion(t.Context(), "job-s"))

	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, f.vectors.Stored("semantic", 11))
	record, err := f.store.GetJobByJobID("job-s")
	require.NoError(t, err)
	assert.Equal(t, datastore.JobCompleted, record.State)
}

func TestHandleEmbeddingDimensionMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.insertJob(t, 11, datastore.TaskDupEmbed, "hash-a", datastore.EntityScopedFaceIndex, "job-d")
	f.setManifest("job-d", datastore.TaskDupEmbed, compute.EmbeddingOutput{EmbeddingFile: "emb.json"})
	f.cluster.Files["job-d/emb.json"] = embeddingJSON([]float32{1, 2})

	err := f.processor.HandleCompletion(t.Context(), "job-d")
	require.Error(t, err)

	record, getErr := f.store.GetJobByJobID("job-d")
	require.NoError(t, getErr)
	assert.True(t, record.Active(), "job must stay outstanding after a result processing error")
}

func TestHandleEmbeddingVectorIndexUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.vectors.Unavailable = true
	f.insertJob(t, 11, datastore.TaskSemanticEmbed, "hash-a", datastore.EntityScopedFaceIndex, "job-s")
	f.setManifest("job-s", datastore.TaskSemanticEmbed, compute.EmbeddingOutput{EmbeddingFile: "emb.json"})
	f.cluster.Files["job-s/emb.json"] = embeddingJSON([]float32{1, 0, 0, 0})

	err := f.processor.HandleCompletion(t.Context(), "job-s")
	require.ErrorIs(t, err, vectorindex.ErrUnavailable)

	record, getErr := f.store.GetJobByJobID("job-s")
	require.NoError(t, getErr)
	assert.True(t, record.Active())

	// The index comes back; the redelivered callback succeeds.
	f.vectors.Unavailable = false
	require.NoError(t, f.processor.HandleCompletion(t.Context(), "job-s"))
	record, getErr = f.store.GetJobByJobID("job-s")
	require.NoError(t, getErr)
	assert.Equal(t, datastore.JobCompleted, record.State)
}

func TestHandleFaceEmbedLinksToExistingPerson(t *testing.T) {
	t.Parallel()

	f := newFixture()

	// A previously processed face already belongs to a person.
	knownPerson := &datastore.Person{}
	require.NoError(t, f.store.CreatePerson(knownPerson))
	existingFace := &datastore.DetectedFace{EntityID: 5, ContentHash: "hash-old", FaceIndex: 0}
	require.NoError(t, f.store.UpsertFace(existingFace))
	require.NoError(t, f.store.AssignFacePerson(existingFace.ID, knownPerson.ID))

	// The new face whose embedding just completed.
	newFace := &datastore.DetectedFace{EntityID: 7, ContentHash: "hash-a", FaceIndex: 0}
	require.NoError(t, f.store.UpsertFace(newFace))

	f.insertJob(t, 7, datastore.TaskFaceEmbed, "hash-a", 0, "job-fe")
	f.setManifest("job-fe", datastore.TaskFaceEmbed, compute.EmbeddingOutput{EmbeddingFile: "emb.json"})
	f.cluster.Files["job-fe/emb.json"] = embeddingJSON([]float32{1, 0, 0, 0})
	f.vectors.SearchHits = []vectorindex.Hit{
		{ID: uint64(newFace.ID), Score: 1.0}, // self hit, must be ignored
		{ID: uint64(existingFace.ID), Score: 0.91},
		{ID: 999, Score: 0.75}, // stale index entry, no face row
		{ID: uint64(existingFace.ID), Score: 0.40},
	}

	require.NoError(t, f.processor.HandleCompletion(t.Context(), "job-fe"))

	updated, err := f.store.GetFace(newFace.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.PersonID)
	assert.Equal(t, knownPerson.ID, *updated.PersonID)

	// Only the valid above-threshold hit produced an audit row.
	require.Len(t, f.store.Matches, 1)
	assert.Equal(t, newFace.ID, f.store.Matches[0].FaceID)
	assert.Equal(t, existingFace.ID, f.store.Matches[0].MatchedFaceID)

	// The vector went in under the face row id.
	assert.NotNil(t, f.vectors.Stored("faces", uint64(newFace.ID)))
}

func TestHandleFaceEmbedCreatesNewPerson(t *testing.T) {
	t.Parallel()

	f := newFixture()
	face := &datastore.DetectedFace{EntityID: 7, ContentHash: "hash-a", FaceIndex: 0}
	require.NoError(t, f.store.UpsertFace(face))

	f.insertJob(t, 7, datastore.TaskFaceEmbed, "hash-a", 0, "job-fe")
	f.setManifest("job-fe", datastore.TaskFaceEmbed, compute.EmbeddingOutput{EmbeddingFile: "emb.json"})
	f.cluster.Files["job-fe/emb.json"] = embeddingJSON([]float32{0, 1, 0, 0})

	require.NoError(t, f.processor.HandleCompletion(t.Context(), "job-fe"))

	updated, err := f.store.GetFace(face.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.PersonID)

	person, err := f.store.GetPerson(*updated.PersonID)
	require.NoError(t, err)
	require.NotNil(t, person)
	assert.Equal(t, 1, person.FaceCount)
}

func TestVectorMetricsCountUpsertsAndSearches(t *testing.T) {
	t.Parallel()

	f := newFixture()

	f.insertJob(t, 11, datastore.TaskSemanticEmbed, "hash-a", datastore.EntityScopedFaceIndex, "job-s")
	f.setManifest("job-s", datastore.TaskSemanticEmbed, compute.EmbeddingOutput{EmbeddingFile: "emb.json"})
	f.cluster.Files["job-s/emb.json"] = embeddingJSON([]float32{0.1, 0.2, 0.3, 0.4})
	require.NoError(t, f.processor.HandleCompletion(t.Context(), "job-s"))

	face := &datastore.DetectedFace{EntityID: 11, ContentHash: "hash-a", FaceIndex: 0}
	require.NoError(t, f.store.UpsertFace(face))
	f.insertJob(t, 11, datastore.TaskFaceEmbed, "hash-a", 0, "job-fe")
	f.setManifest("job-fe", datastore.TaskFaceEmbed, compute.EmbeddingOutput{EmbeddingFile: "emb.json"})
	f.cluster.Files["job-fe/emb.json"] = embeddingJSON([]float32{0, 1, 0, 0})
	require.NoError(t, f.processor.HandleCompletion(t.Context(), "job-fe"))

	assert.InDelta(t, 1, promtestutil.ToFloat64(f.metrics.VectorUpserts.WithLabelValues("semantic")), 0)
	assert.InDelta(t, 1, promtestutil.ToFloat64(f.metrics.VectorUpserts.WithLabelValues("faces")), 0)
	assert.InDelta(t, 1, promtestutil.ToFloat64(f.metrics.VectorSearches.WithLabelValues("faces")), 0)
}

func TestHandleFailureIsTerminalAndIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.insertJob(t, 7, datastore.TaskFaceDetect, "hash-a", datastore.EntityScopedFaceIndex, "job-fd")
	require.NoError(t, f.store.UpsertIntelligence(&datastore.IntelligenceRecord{
		EntityID:          7,
		ActiveContentHash: "hash-a",
	}))

	require.NoError(t, f.processor.HandleFailure(t.Context(), "job-fd", "model crashed"))

	record, err := f.store.GetJobByJobID("job-fd")
	require.NoError(t, err)
	assert.Equal(t, datastore.JobFailed, record.State)
	assert.Equal(t, "compute", record.FailedStage)
	assert.Equal(t, "model crashed", record.ErrorMessage)

	intel, err := f.store.GetIntelligence(7)
	require.NoError(t, err)
	assert.Contains(t, intel.ErrorMessage, "model crashed")

	// Redelivery changes nothing.
	require.NoError(t, f.processor.HandleFailure(t.Context(), "job-fd", "different message"))
	record, err = f.store.GetJobByJobID("job-fd")
	require.NoError(t, err)
	assert.Equal(t, "model crashed", record.ErrorMessage)
}

func TestFinalizePromotesActiveHash(t *testing.T) {
	t.Parallel()

	f := newFixture()
	require.NoError(t, f.store.UpsertIntelligence(&datastore.IntelligenceRecord{
		EntityID:          11,
		ActiveContentHash: "hash-a",
	}))

	for i, taskType := range datastore.RequiredTasks {
		jobID := "job-" + taskType
		f.insertJob(t, 11, taskType, "hash-a", datastore.EntityScopedFaceIndex, jobID)
		if taskType == datastore.TaskFaceDetect {
			f.setManifest(jobID, taskType, compute.FaceDetectOutput{})
		} else {
			f.setManifest(jobID, taskType, compute.EmbeddingOutput{EmbeddingFile: "emb.json"})
			f.cluster.Files[jobID+"/emb.json"] = embeddingJSON([]float32{float32(i), 1, 0, 0})
		}
		require.NoError(t, f.processor.HandleCompletion(t.Context(), jobID))
	}

	intel, err := f.store.GetIntelligence(11)
	require.NoError(t, err)
	assert.Equal(t, "hash-a", intel.LastProcessedContentHash)
	assert.Empty(t, intel.ActiveContentHash)
}

func mustJob(t *testing.T, f *fixture, jobID string) *datastore.JobRecord {
	t.Helper()
	record, err := f.store.GetJobByJobID(jobID)
	require.NoError(t, err)
	require.NotNil(t, record)
	return record
}
