package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSnapshot(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("jpegdata"), 0o644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestCleanerRemovesOldSnapshots(t *testing.T) {
	dataDir := t.TempDir()

	oldCam := filepath.Join(dataDir, "sim_output", "cam1", "snapshots", "old.jpg")
	freshCam := filepath.Join(dataDir, "sim_output", "cam1", "snapshots", "fresh.jpg")
	oldGlobal := filepath.Join(dataDir, "snapshots", "old.jpg")

	writeSnapshot(t, oldCam, 10*24*time.Hour)
	writeSnapshot(t, freshCam, time.Hour)
	writeSnapshot(t, oldGlobal, 10*24*time.Hour)

	removed, freed := NewCleaner(dataDir, 7).Clean()
	assert.Equal(t, 2, removed)
	assert.Equal(t, int64(16), freed)

	assert.NoFileExists(t, oldCam)
	assert.FileExists(t, freshCam)
	assert.NoFileExists(t, oldGlobal)
}

func TestCleanerRetentionBoundary(t *testing.T) {
	dataDir := t.TempDir()

	justInside := filepath.Join(dataDir, "snapshots", "inside.jpg")
	justOutside := filepath.Join(dataDir, "snapshots", "outside.jpg")
	writeSnapshot(t, justInside, 7*24*time.Hour-time.Minute)
	writeSnapshot(t, justOutside, 7*24*time.Hour+time.Minute)

	removed, _ := NewCleaner(dataDir, 7).Clean()
	assert.Equal(t, 1, removed)
	assert.FileExists(t, justInside)
	assert.NoFileExists(t, justOutside)
}

func TestCleanerDisabled(t *testing.T) {
	dataDir := t.TempDir()
	old := filepath.Join(dataDir, "snapshots", "old.jpg")
	writeSnapshot(t, old, 100*24*time.Hour)

	for _, days := range []int{0, -1} {
		removed, freed := NewCleaner(dataDir, days).Clean()
		assert.Equal(t, 0, removed)
		assert.Equal(t, int64(0), freed)
	}
	assert.FileExists(t, old)
}

func TestCleanerIgnoresNonJPEG(t *testing.T) {
	dataDir := t.TempDir()
	journal := filepath.Join(dataDir, "snapshots", "events.jsonl")
	writeSnapshot(t, journal, 100*24*time.Hour)

	removed, _ := NewCleaner(dataDir, 7).Clean()
	assert.Equal(t, 0, removed)
	assert.FileExists(t, journal)
}
