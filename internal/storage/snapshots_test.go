package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/frame"
)

func TestSnapshotStorePaths(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSnapshotStore(dir, 85)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "snapshots"), s.Dir())

	f := frame.New(8, 8)

	path, err := s.SaveLatestFrame(f)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "latest_frame.jpg"), path)
	assert.FileExists(t, path)

	path, err = s.SaveLatestFace("alice", f)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "latest_alice.jpg"), path)
	assert.FileExists(t, path)
}

func TestSnapshotStoreAlertFrameName(t *testing.T) {
	s, err := NewSnapshotStore(t.TempDir(), 85)
	require.NoError(t, err)

	path, err := s.SaveAlertFrame("outlet one", "cam1", frame.New(8, 8))
	require.NoError(t, err)
	assert.FileExists(t, path)

	name := filepath.Base(path)
	assert.Contains(t, name, "_absent_outlet_one_cam1.jpg")
	assert.False(t, strings.Contains(name, " "))

	// Saved frames are valid JPEG.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	loaded, err := frame.DecodeJPEG(raw)
	require.NoError(t, err)
	assert.Equal(t, 8, loaded.Height)
}

func TestSnapshotStoreQualityClamped(t *testing.T) {
	s, err := NewSnapshotStore(t.TempDir(), 0)
	require.NoError(t, err)
	assert.Equal(t, 85, s.quality)

	s, err = NewSnapshotStore(t.TempDir(), 150)
	require.NoError(t, err)
	assert.Equal(t, 85, s.quality)
}
