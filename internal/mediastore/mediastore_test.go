package mediastore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvela/insight-go/internal/conf"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	settings := &conf.Settings{}
	settings.Media.StorageDir = t.TempDir()
	settings.Reconcile.FaceCropDir = "faces"

	store, err := NewFileStore(settings)
	require.NoError(t, err)
	return store
}

func TestNewFileStoreRejectsMissingRoot(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Media.StorageDir = filepath.Join(t.TempDir(), "does-not-exist")

	_, err := NewFileStore(settings)
	require.Error(t, err)
}

func TestSaveFaceCrop(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	relPath, err := store.SaveFaceCrop("abc123", 0, bytes.NewReader([]byte("crop-bytes")))
	require.NoError(t, err)
	assert.True(t, store.Exists(relPath))

	// The path is a pure function of hash and index, never of the save time.
	assert.Equal(t, filepath.Join("faces", "ab", "abc123_0.jpg"), relPath)

	data, err := os.ReadFile(store.AbsolutePath(relPath))
	require.NoError(t, err)
	assert.Equal(t, "crop-bytes", string(data))
}

func TestSaveFaceCropOverwritesInPlace(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	first, err := store.SaveFaceCrop("abc123", 1, bytes.NewReader([]byte("v1")))
	require.NoError(t, err)
	second, err := store.SaveFaceCrop("abc123", 1, bytes.NewReader([]byte("v2")))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	data, err := os.ReadFile(store.AbsolutePath(second))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestRemoveMissingFileIsNoError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	assert.NoError(t, store.Remove("faces/never-existed.jpg"))
}
