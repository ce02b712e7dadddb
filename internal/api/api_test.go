package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvela/insight-go/internal/callback"
	"github.com/arvela/insight-go/internal/capability"
	"github.com/arvela/insight-go/internal/compute"
	"github.com/arvela/insight-go/internal/conf"
	"github.com/arvela/insight-go/internal/datastore"
	"github.com/arvela/insight-go/internal/jobs"
	"github.com/arvela/insight-go/internal/testutil"
	"github.com/arvela/insight-go/internal/vectorindex"
)

type apiFixture struct {
	controller *Controller
	store      *testutil.MockStore
	vectors    *testutil.FakeVectorStore
	cluster    *testutil.FakeSubmitter
	registry   *capability.Registry
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	settings := &conf.Settings{}
	settings.Vector.Semantic = conf.CollectionSettings{Name: "semantic", Dimension: 4}
	settings.Vector.Duplicate = conf.CollectionSettings{Name: "duplicate", Dimension: 4}
	settings.Vector.Face = conf.CollectionSettings{Name: "faces", Dimension: 4}
	settings.Vector.SearchLimit = 10
	settings.Vector.FaceMatchThreshold = 0.6
	settings.WebServer.Port = "8090"

	store := testutil.NewMockStore()
	vectors := testutil.NewFakeVectorStore()
	cluster := testutil.NewFakeSubmitter()
	blobs := testutil.NewFakeBlobStore()
	orchestrator := jobs.NewOrchestrator(store, cluster, blobs, "http://insight.local:8090", nil)
	processor := callback.NewProcessor(store, vectors, cluster, blobs, orchestrator, settings, nil)
	registry := capability.NewRegistry("inference/workers", time.Minute, nil)

	e := echo.New()
	controller := New(e, store, settings, processor, registry, vectors, nil)
	t.Cleanup(controller.Close)

	return &apiFixture{
		controller: controller,
		store:      store,
		vectors:    vectors,
		cluster:    cluster,
		registry:   registry,
	}
}

func (f *apiFixture) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, http.NoBody)
	}
	rec := httptest.NewRecorder()
	f.controller.Echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	rec := f.request(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetIntelligenceDerivesStatus(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	require.NoError(t, f.store.UpsertIntelligence(&datastore.IntelligenceRecord{
		EntityID:          7,
		ActiveContentHash: "hash-a",
	}))
	_, _, err := f.store.InsertJobIfAbsent(&datastore.JobRecord{
		JobID: "job-1", EntityID: 7, TaskType: datastore.TaskFaceDetect,
		ContentHash: "hash-a", FaceIndex: datastore.EntityScopedFaceIndex,
	})
	require.NoError(t, err)

	rec := f.request(t, http.MethodGet, "/api/v1/intelligence/7", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "processing", resp["status"])
	assert.Equal(t, "hash-a", resp["active_content_hash"])
}

func TestGetIntelligenceUnknownEntity(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	rec := f.request(t, http.MethodGet, "/api/v1/intelligence/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobCallbackCompletion(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	_, _, err := f.store.InsertJobIfAbsent(&datastore.JobRecord{
		JobID: "pending-1", EntityID: 7, TaskType: datastore.TaskSemanticEmbed,
		ContentHash: "hash-a", FaceIndex: datastore.EntityScopedFaceIndex,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateJobSubmitted(1, "job-s"))

	f.cluster.Manifests["job-s"] = &compute.Job{
		JobID:    "job-s",
		TaskType: datastore.TaskSemanticEmbed,
		Status:   compute.StatusCompleted,
		TaskOutput: map[string]any{
			"embedding_file": "emb.json",
		},
	}
	f.cluster.Files["job-s/emb.json"] = []byte(`[0.1, 0.2, 0.3, 0.4]`)

	rec := f.request(t, http.MethodPost, "/api/v1/jobs/callback",
		`{"job_id":"job-s","status":"completed"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	record, err := f.store.GetJobByJobID("job-s")
	require.NoError(t, err)
	assert.Equal(t, datastore.JobCompleted, record.State)
	assert.NotNil(t, f.vectors.Stored("semantic", 7))
}

func TestJobCallbackRequiresJobID(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	rec := f.request(t, http.MethodPost, "/api/v1/jobs/callback", `{"status":"completed"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobFailCallback(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	_, _, err := f.store.InsertJobIfAbsent(&datastore.JobRecord{
		JobID: "job-f", EntityID: 7, TaskType: datastore.TaskFaceDetect,
		ContentHash: "hash-a", FaceIndex: datastore.EntityScopedFaceIndex,
	})
	require.NoError(t, err)

	rec := f.request(t, http.MethodPost, "/api/v1/jobs/job-f/fail",
		`{"error_message":"model crashed"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	record, err := f.store.GetJobByJobID("job-f")
	require.NoError(t, err)
	assert.Equal(t, datastore.JobFailed, record.State)
	assert.Equal(t, "model crashed", record.ErrorMessage)
}

func TestResetEntityDeletesFailedJobs(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	require.NoError(t, f.store.UpsertIntelligence(&datastore.IntelligenceRecord{
		EntityID:          7,
		ActiveContentHash: "hash-a",
		ErrorMessage:      "face_detect: model crashed",
	}))
	_, _, err := f.store.InsertJobIfAbsent(&datastore.JobRecord{
		JobID: "job-f", EntityID: 7, TaskType: datastore.TaskFaceDetect,
		ContentHash: "hash-a", FaceIndex: datastore.EntityScopedFaceIndex,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.MarkJobFailed("job-f", "compute", "model crashed"))

	rec := f.request(t, http.MethodPost, "/api/v1/intelligence/7/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp["deleted_jobs"])

	jobsLeft, err := f.store.ListJobsForHash(7, "hash-a")
	require.NoError(t, err)
	assert.Empty(t, jobsLeft)

	intel, err := f.store.GetIntelligence(7)
	require.NoError(t, err)
	assert.Empty(t, intel.ErrorMessage)
}

func TestGetSimilarEntities(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.vectors.SearchHits = []vectorindex.Hit{
		{ID: 7, Score: 1.0}, // the query entity itself
		{ID: 9, Score: 0.87},
		{ID: 12, Score: 0.71},
	}

	rec := f.request(t, http.MethodGet, "/api/v1/intelligence/7/similar?collection=semantic", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.EqualValues(t, 9, resp[0]["entity_id"])
}

func TestGetSimilarEntitiesUnavailableIndex(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.vectors.Unavailable = true

	rec := f.request(t, http.MethodGet, "/api/v1/intelligence/7/similar", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetSimilarEntitiesRejectsBadCollection(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	rec := f.request(t, http.MethodGet, "/api/v1/intelligence/7/similar?collection=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCapabilities(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	f.registry.RecordAnnouncement("worker-1", &capability.Announcement{
		Capabilities: []string{"face_detect"},
		IdleCount:    3,
	})

	rec := f.request(t, http.MethodGet, "/api/v1/capabilities", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Workers      int            `json:"workers"`
		Capabilities map[string]int `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Workers)
	assert.Equal(t, 3, resp.Capabilities["face_detect"])
}

func TestJobCallbackHeartbeatLeavesStateAlone(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	_, _, err := f.store.InsertJobIfAbsent(&datastore.JobRecord{
		JobID: "job-1", EntityID: 7, TaskType: datastore.TaskFaceDetect,
		ContentHash: "hash-a", FaceIndex: datastore.EntityScopedFaceIndex,
	})
	require.NoError(t, err)

	rec := f.request(t, http.MethodPost, "/api/v1/jobs/callback",
		`{"job_id":"job-1","status":"running"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := f.store.GetJobByJobID("job-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.True(t, job.Active())
}

func TestGetPersons(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	require.NoError(t, f.store.CreatePerson(&datastore.Person{DisplayName: "Alice", FaceCount: 2}))
	require.NoError(t, f.store.CreatePerson(&datastore.Person{FaceCount: 1}))

	rec := f.request(t, http.MethodGet, "/api/v1/persons", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	// Newest first.
	assert.EqualValues(t, 2, resp[0]["id"])
	assert.Equal(t, "Alice", resp[1]["display_name"])
}

func TestGetPersonFaces(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	person := &datastore.Person{DisplayName: "Alice"}
	require.NoError(t, f.store.CreatePerson(person))

	face := &datastore.DetectedFace{
		EntityID: 7, ContentHash: "hash-a", FaceIndex: 0,
		CropFilePath: "faces/hash-a_0.jpg",
	}
	require.NoError(t, f.store.UpsertFace(face))
	require.NoError(t, f.store.AssignFacePerson(face.ID, person.ID))

	rec := f.request(t, http.MethodGet, "/api/v1/persons/1/faces", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.EqualValues(t, 7, resp[0]["entity_id"])
	assert.Equal(t, "faces/hash-a_0.jpg", resp[0]["crop_path"])
}

func TestGetPersonFacesUnknownPerson(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	rec := f.request(t, http.MethodGet, "/api/v1/persons/99/faces", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRenamePerson(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	require.NoError(t, f.store.CreatePerson(&datastore.Person{}))

	rec := f.request(t, http.MethodPatch, "/api/v1/persons/1",
		`{"display_name":"Bob"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	person, err := f.store.GetPerson(1)
	require.NoError(t, err)
	require.NotNil(t, person)
	assert.Equal(t, "Bob", person.DisplayName)
}

func TestRenamePersonRejectsEmptyName(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	require.NoError(t, f.store.CreatePerson(&datastore.Person{DisplayName: "Alice"}))

	rec := f.request(t, http.MethodPatch, "/api/v1/persons/1",
		`{"display_name":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	person, err := f.store.GetPerson(1)
	require.NoError(t, err)
	assert.Equal(t, "Alice", person.DisplayName)
}
