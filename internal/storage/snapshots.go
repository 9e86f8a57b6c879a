package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vigil/internal/frame"
)

// SnapshotStore writes JPEG snapshots under <dataDir>/snapshots for one
// camera: the rolling preview, the latest face per target, and alert
// frames kept for evidence.
type SnapshotStore struct {
	root    string
	quality int
}

// NewSnapshotStore creates the snapshots directory.
func NewSnapshotStore(dataDir string, quality int) (*SnapshotStore, error) {
	root := filepath.Join(dataDir, "snapshots")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshots dir: %w", err)
	}
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &SnapshotStore{root: root, quality: quality}, nil
}

// Dir returns the snapshots directory.
func (s *SnapshotStore) Dir() string { return s.root }

// SaveAlertFrame persists the frame that triggered an absence alert.
// The returned path goes into the alert event's details.snapshot_path.
func (s *SnapshotStore) SaveAlertFrame(outletID, cameraID string, f *frame.Frame) (string, error) {
	stamp := time.Now().Format("20060102_150405")
	name := fmt.Sprintf("%s_absent_%s_%s.jpg", stamp, outletID, cameraID)
	name = strings.ReplaceAll(name, " ", "_")
	path := filepath.Join(s.root, name)
	return path, s.writeJPEG(path, f)
}

// SaveLatestFace overwrites the most recent face image for a target.
// Callers rate-limit to at most once per target per second.
func (s *SnapshotStore) SaveLatestFace(targetID string, f *frame.Frame) (string, error) {
	path := filepath.Join(s.root, fmt.Sprintf("latest_%s.jpg", targetID))
	return path, s.writeJPEG(path, f)
}

// SaveLatestFrame overwrites the camera's rolling preview image.
func (s *SnapshotStore) SaveLatestFrame(f *frame.Frame) (string, error) {
	path := filepath.Join(s.root, "latest_frame.jpg")
	return path, s.writeJPEG(path, f)
}

func (s *SnapshotStore) writeJPEG(path string, f *frame.Frame) error {
	data, err := f.EncodeJPEG(s.quality)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	return nil
}
