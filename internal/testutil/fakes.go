package testutil

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/arvela/insight-go/internal/compute"
	"github.com/arvela/insight-go/internal/vectorindex"
)

// FakeSubmitter is an in-memory compute.Submitter. Submitted jobs get
// sequential handles; tests preload job manifests and output files.
type FakeSubmitter struct {
	mu        sync.Mutex
	SubmitErr error
	Submitted []compute.SubmitRequest
	Manifests map[string]*compute.Job
	Files     map[string][]byte // keyed by jobID + "/" + fileName
	nextID    int
}

// NewFakeSubmitter returns an empty FakeSubmitter.
func NewFakeSubmitter() *FakeSubmitter {
	return &FakeSubmitter{
		Manifests: make(map[string]*compute.Job),
		Files:     make(map[string][]byte),
	}
}

func (f *FakeSubmitter) Submit(_ context.Context, req *compute.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	f.nextID++
	f.Submitted = append(f.Submitted, *req)
	return fmt.Sprintf("job-%d", f.nextID), nil
}

func (f *FakeSubmitter) FetchJob(_ context.Context, jobID string) (*compute.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.Manifests[jobID]
	if !ok {
		return nil, fmt.Errorf("no manifest for job %s", jobID)
	}
	return job, nil
}

func (f *FakeSubmitter) DownloadFile(_ context.Context, jobID, fileName string, dest io.Writer) error {
	f.mu.Lock()
	data, ok := f.Files[jobID+"/"+fileName]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no file %s for job %s", fileName, jobID)
	}
	_, err := dest.Write(data)
	return err
}

// SubmittedTasks returns the task types submitted, in order.
func (f *FakeSubmitter) SubmittedTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Submitted))
	for i := range f.Submitted {
		out = append(out, f.Submitted[i].TaskType)
	}
	return out
}

// FakeVectorStore is an in-memory vectorindex.Store.
type FakeVectorStore struct {
	mu sync.Mutex
	// Unavailable makes every operation fail with ErrUnavailable.
	Unavailable bool
	// SearchHits is returned by Search and SearchByID as-is.
	SearchHits []vectorindex.Hit
	Points     map[string]map[uint64][]float32 // collection -> id -> vector
}

// NewFakeVectorStore returns an empty FakeVectorStore.
func NewFakeVectorStore() *FakeVectorStore {
	return &FakeVectorStore{Points: make(map[string]map[uint64][]float32)}
}

func (f *FakeVectorStore) EnsureCollections(context.Context) error {
	if f.Unavailable {
		return vectorindex.ErrUnavailable
	}
	return nil
}

func (f *FakeVectorStore) Upsert(_ context.Context, collection string, id uint64, vector []float32, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return vectorindex.ErrUnavailable
	}
	if f.Points[collection] == nil {
		f.Points[collection] = make(map[uint64][]float32)
	}
	f.Points[collection][id] = vector
	return nil
}

func (f *FakeVectorStore) Search(_ context.Context, _ string, _ []float32, _ int) ([]vectorindex.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return nil, vectorindex.ErrUnavailable
	}
	return f.SearchHits, nil
}

func (f *FakeVectorStore) SearchByID(_ context.Context, _ string, _ uint64, _ int) ([]vectorindex.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return nil, vectorindex.ErrUnavailable
	}
	return f.SearchHits, nil
}

func (f *FakeVectorStore) DeletePoint(_ context.Context, collection string, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return vectorindex.ErrUnavailable
	}
	delete(f.Points[collection], id)
	return nil
}

func (f *FakeVectorStore) Close() error { return nil }

// Stored returns the vector stored under (collection, id), or nil.
func (f *FakeVectorStore) Stored(collection string, id uint64) []float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Points[collection][id]
}

// FakeBlobStore is an in-memory mediastore.BlobStore.
type FakeBlobStore struct {
	mu    sync.Mutex
	Blobs map[string][]byte
}

// NewFakeBlobStore returns an empty FakeBlobStore.
func NewFakeBlobStore() *FakeBlobStore {
	return &FakeBlobStore{Blobs: make(map[string][]byte)}
}

func (f *FakeBlobStore) AbsolutePath(relPath string) string {
	return filepath.Join("/media", relPath)
}

func (f *FakeBlobStore) SaveFaceCrop(contentHash string, faceIndex int, src io.Reader) (string, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return "", err
	}
	relPath := fmt.Sprintf("faces/%s_%d.jpg", contentHash, faceIndex)
	f.mu.Lock()
	f.Blobs[relPath] = data
	f.mu.Unlock()
	return relPath, nil
}

func (f *FakeBlobStore) Exists(relPath string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Blobs[relPath]
	return ok
}

func (f *FakeBlobStore) Remove(relPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Blobs, relPath)
	return nil
}
