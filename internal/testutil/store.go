// Package testutil provides in-memory test doubles shared across package
// tests.
package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/arvela/insight-go/internal/datastore"
)

// MockStore is an in-memory datastore.Interface with the same uniqueness
// and terminality semantics as the real store.
type MockStore struct {
	mu sync.Mutex

	Checkpoint   int64
	Versions     []datastore.EntityVersion
	Intelligence map[int64]*datastore.IntelligenceRecord
	Jobs         []*datastore.JobRecord
	Faces        map[uint]*datastore.DetectedFace
	Persons      map[uint]*datastore.Person
	Matches      []datastore.FaceMatch

	nextJobID    uint
	nextFaceID   uint
	nextPersonID uint
}

// NewMockStore returns an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		Intelligence: make(map[int64]*datastore.IntelligenceRecord),
		Faces:        make(map[uint]*datastore.DetectedFace),
		Persons:      make(map[uint]*datastore.Person),
	}
}

func (m *MockStore) Open() error  { return nil }
func (m *MockStore) Close() error { return nil }

func (m *MockStore) GetCheckpoint() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Checkpoint, nil
}

func (m *MockStore) AdvanceCheckpoint(version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version > m.Checkpoint {
		m.Checkpoint = version
	}
	return nil
}

func (m *MockStore) ListChangedEntities(sinceVersion int64) ([]datastore.EntityVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []datastore.EntityVersion
	for i := range m.Versions {
		if m.Versions[i].Version > sinceVersion {
			out = append(out, m.Versions[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *MockStore) GetIntelligence(entityID int64) (*datastore.IntelligenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.Intelligence[entityID]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (m *MockStore) UpsertIntelligence(record *datastore.IntelligenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *record
	m.Intelligence[record.EntityID] = &clone
	return nil
}

func (m *MockStore) ListActiveIntelligence() ([]datastore.IntelligenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []datastore.IntelligenceRecord
	for _, record := range m.Intelligence {
		if record.ActiveContentHash != "" {
			out = append(out, *record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (m *MockStore) GetLatestEntityVersion(entityID int64) (*datastore.EntityVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *datastore.EntityVersion
	for i := range m.Versions {
		v := &m.Versions[i]
		if v.EntityID != entityID {
			continue
		}
		if latest == nil || v.Version > latest.Version {
			latest = v
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}

func (m *MockStore) InsertJobIfAbsent(job *datastore.JobRecord) (*datastore.JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Jobs {
		if existing.Active() &&
			existing.EntityID == job.EntityID &&
			existing.TaskType == job.TaskType &&
			existing.ContentHash == job.ContentHash &&
			existing.FaceIndex == job.FaceIndex {
			clone := *existing
			return &clone, false, nil
		}
	}
	m.nextJobID++
	job.ID = m.nextJobID
	job.State = datastore.JobQueued
	active := uint8(1)
	job.ActiveKey = &active
	job.StartedAt = time.Now()
	clone := *job
	m.Jobs = append(m.Jobs, &clone)
	result := clone
	return &result, true, nil
}

func (m *MockStore) UpdateJobSubmitted(id uint, externalJobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.Jobs {
		if job.ID == id {
			job.JobID = externalJobID
			job.State = datastore.JobInProgress
			return nil
		}
	}
	return nil
}

func (m *MockStore) MarkJobCompleted(externalJobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.Jobs {
		if job.JobID == externalJobID && job.Active() {
			job.State = datastore.JobCompleted
			job.ActiveKey = nil
			now := time.Now()
			job.CompletedAt = &now
		}
	}
	return nil
}

func (m *MockStore) MarkJobFailed(externalJobID, stage, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.Jobs {
		if job.JobID == externalJobID && job.Active() {
			job.State = datastore.JobFailed
			job.ActiveKey = nil
			job.FailedStage = stage
			job.ErrorMessage = errorMessage
			now := time.Now()
			job.CompletedAt = &now
		}
	}
	return nil
}

func (m *MockStore) GetJobByJobID(externalJobID string) (*datastore.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Jobs) - 1; i >= 0; i-- {
		if m.Jobs[i].JobID == externalJobID {
			clone := *m.Jobs[i]
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *MockStore) ListJobsForHash(entityID int64, contentHash string) ([]datastore.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []datastore.JobRecord
	for _, job := range m.Jobs {
		if job.EntityID == entityID && job.ContentHash == contentHash {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *MockStore) ListJobsForEntity(entityID int64) ([]datastore.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []datastore.JobRecord
	for _, job := range m.Jobs {
		if job.EntityID == entityID {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *MockStore) DeleteFailedJobs(entityID int64, contentHash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-datastore.StaleQueuedAge)
	var kept []*datastore.JobRecord
	var deleted int64
	for _, job := range m.Jobs {
		if job.EntityID == entityID && job.ContentHash == contentHash {
			if job.State == datastore.JobFailed ||
				(job.State == datastore.JobQueued && job.StartedAt.Before(cutoff)) {
				deleted++
				continue
			}
		}
		kept = append(kept, job)
	}
	m.Jobs = kept
	return deleted, nil
}

func (m *MockStore) UpsertFace(face *datastore.DetectedFace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Faces {
		if existing.EntityID == face.EntityID &&
			existing.ContentHash == face.ContentHash &&
			existing.FaceIndex == face.FaceIndex {
			face.ID = existing.ID
			face.PersonID = existing.PersonID
			clone := *face
			m.Faces[existing.ID] = &clone
			return nil
		}
	}
	m.nextFaceID++
	face.ID = m.nextFaceID
	clone := *face
	m.Faces[face.ID] = &clone
	return nil
}

func (m *MockStore) GetFace(id uint) (*datastore.DetectedFace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	face, ok := m.Faces[id]
	if !ok {
		return nil, nil
	}
	clone := *face
	return &clone, nil
}

func (m *MockStore) ListFacesForEntity(entityID int64) ([]datastore.DetectedFace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []datastore.DetectedFace
	for _, face := range m.Faces {
		if face.EntityID == entityID {
			out = append(out, *face)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) AssignFacePerson(faceID, personID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	face, ok := m.Faces[faceID]
	if !ok {
		return nil
	}
	face.PersonID = &personID
	if person, ok := m.Persons[personID]; ok {
		person.FaceCount++
	}
	return nil
}

func (m *MockStore) CreatePerson(person *datastore.Person) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPersonID++
	person.ID = m.nextPersonID
	clone := *person
	m.Persons[person.ID] = &clone
	return nil
}

func (m *MockStore) GetPerson(id uint) (*datastore.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	person, ok := m.Persons[id]
	if !ok {
		return nil, nil
	}
	clone := *person
	return &clone, nil
}

func (m *MockStore) ListPersons() ([]datastore.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []datastore.Person
	for _, person := range m.Persons {
		out = append(out, *person)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *MockStore) ListFacesForPerson(personID uint) ([]datastore.DetectedFace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []datastore.DetectedFace
	for _, face := range m.Faces {
		if face.PersonID != nil && *face.PersonID == personID {
			out = append(out, *face)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].FaceIndex < out[j].FaceIndex
	})
	return out, nil
}

func (m *MockStore) RenamePerson(personID uint, displayName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if person, ok := m.Persons[personID]; ok {
		person.DisplayName = displayName
	}
	return nil
}

func (m *MockStore) SaveFaceMatches(matches []datastore.FaceMatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Matches = append(m.Matches, matches...)
	return nil
}
