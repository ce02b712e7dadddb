// Package mediastore resolves media file paths and stores derived artifacts
// such as face crops under the media storage root.
package mediastore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/arvela/insight-go/internal/conf"
	"github.com/arvela/insight-go/internal/errors"
)

// BlobStore is the file storage surface used by the callback processor.
type BlobStore interface {
	// AbsolutePath resolves a path stored relative to the media root.
	AbsolutePath(relPath string) string
	// SaveFaceCrop stores one face crop and returns its path relative to
	// the media root.
	SaveFaceCrop(contentHash string, faceIndex int, src io.Reader) (string, error)
	// Exists reports whether the relative path resolves to a regular file.
	Exists(relPath string) bool
	// Remove deletes a stored artifact. Missing files are not an error.
	Remove(relPath string) error
}

// FileStore implements BlobStore on the local filesystem.
type FileStore struct {
	root    string
	cropDir string
}

// NewFileStore creates a store rooted at the configured media storage
// directory. The root must already exist; derived artifact directories are
// created on demand.
func NewFileStore(settings *conf.Settings) (*FileStore, error) {
	root := settings.Media.StorageDir
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.New(err).
			Component("mediastore").
			Category(errors.CategoryFileIO).
			Context("operation", "stat_root").
			Context("path", root).
			Build()
	}
	if !info.IsDir() {
		return nil, errors.Newf("media storage root %s is not a directory", root).
			Component("mediastore").
			Category(errors.CategoryConfiguration).
			Build()
	}

	cropDir := settings.Reconcile.FaceCropDir
	if cropDir == "" {
		cropDir = "faces"
	}

	return &FileStore{root: root, cropDir: cropDir}, nil
}

// AbsolutePath resolves a path stored relative to the media root.
func (s *FileStore) AbsolutePath(relPath string) string {
	return filepath.Join(s.root, relPath)
}

// SaveFaceCrop stores one face crop under a hash-sharded directory and
// returns its path relative to the media root. The whole path is a pure
// function of the content hash and face index, so a detection replay
// overwrites the same file instead of orphaning the previous crop.
func (s *FileStore) SaveFaceCrop(contentHash string, faceIndex int, src io.Reader) (string, error) {
	shard := contentHash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	relDir := filepath.Join(s.cropDir, shard)

	if err := os.MkdirAll(filepath.Join(s.root, relDir), 0o755); err != nil {
		return "", errors.New(err).
			Component("mediastore").
			Category(errors.CategoryFileIO).
			Context("operation", "mkdir").
			Context("path", relDir).
			Build()
	}

	relPath := filepath.Join(relDir, fmt.Sprintf("%s_%d.jpg", contentHash, faceIndex))
	absPath := filepath.Join(s.root, relPath)

	// Write through a temp file so a failed download never leaves a
	// truncated crop behind.
	tmp, err := os.CreateTemp(filepath.Dir(absPath), ".crop-*")
	if err != nil {
		return "", errors.New(err).
			Component("mediastore").
			Category(errors.CategoryFileIO).
			Context("operation", "create_temp").
			Build()
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", errors.New(err).
			Component("mediastore").
			Category(errors.CategoryFileIO).
			Context("operation", "write_crop").
			Context("path", relPath).
			Build()
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, absPath); err != nil {
		os.Remove(tmpName)
		return "", errors.New(err).
			Component("mediastore").
			Category(errors.CategoryFileIO).
			Context("operation", "rename_crop").
			Context("path", relPath).
			Build()
	}

	return relPath, nil
}

// Exists reports whether the relative path resolves to a regular file.
func (s *FileStore) Exists(relPath string) bool {
	info, err := os.Stat(s.AbsolutePath(relPath))
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes a stored artifact. Missing files are not an error.
func (s *FileStore) Remove(relPath string) error {
	err := os.Remove(s.AbsolutePath(relPath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
