package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTOSAVE_DELAY_MS", "")
	t.Setenv("POLL_MAX_ATTEMPTS", "")
	cfg := Load()

	assert.Equal(t, 1500*time.Millisecond, cfg.Workflow.AutosaveDelay)
	assert.Equal(t, 1500*time.Millisecond, cfg.Workflow.PollInterval)
	assert.Equal(t, 20, cfg.Workflow.PollMaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Workflow.GenerationTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Workflow.AssemblyTimeout)
	assert.True(t, cfg.Workflow.AutoValidate)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("AUTOSAVE_DELAY_MS", "250")
	t.Setenv("POLL_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("STREAM_TOKEN_SECRET", "s3cret")
	cfg := Load()

	assert.Equal(t, 250*time.Millisecond, cfg.Workflow.AutosaveDelay)
	assert.Equal(t, 20, cfg.Workflow.PollMaxAttempts)
	assert.True(t, cfg.MinioUseSSL)
	assert.Equal(t, "s3cret", cfg.StreamSecret)
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexdraft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workflow:
  autosave_delay: 2s
  poll_max_attempts: 5
  auto_validate: false
export_mode: local
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Workflow.AutosaveDelay)
	assert.Equal(t, 5, cfg.Workflow.PollMaxAttempts)
	assert.False(t, cfg.Workflow.AutoValidate)
	assert.Equal(t, "local", cfg.ExportMode)
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workflow:\n  poll_interval: soon\n"), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_interval")
}
