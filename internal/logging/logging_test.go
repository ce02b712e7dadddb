package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Service constructors grab their logger before Init runs in tests and in
// library use, so ForService must always hand back a usable logger.
func TestForServiceWithoutInit(t *testing.T) {
	structuredLogger = nil

	logger := ForService("jobs")
	require.NotNil(t, logger)
	assert.NotPanics(t, func() {
		logger.Info("job submitted", "job_id", "pending-123")
	})
}

func TestForServiceAfterInit(t *testing.T) {
	Init()
	t.Cleanup(func() { structuredLogger = nil })

	logger := ForService("reconciler")
	require.NotNil(t, logger)
	assert.NotPanics(t, func() {
		logger.Warn("pass skipped", "reason", "empty version log")
	})
}

func TestNewFileLoggerCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "service.log")

	logger, closeLogger, err := NewFileLogger(path, "compute", nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	t.Cleanup(func() { _ = closeLogger() })

	logger.Info("request sent")
	assert.FileExists(t, path)
}
