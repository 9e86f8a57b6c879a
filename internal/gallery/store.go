package gallery

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// SampleMeta records the capture conditions of one enrollment sample.
type SampleMeta struct {
	TS          float64 `json:"ts"`
	DetScore    float64 `json:"det_score"`
	FaceWidthPx int     `json:"face_width_px"`
}

// IdentityMeta holds enrollment metadata for one identity.
type IdentityMeta struct {
	CreatedAt      float64      `json:"created_at"`
	NumSamples     int          `json:"num_samples"`
	MinDetScore    float64      `json:"min_det_score"`
	MinFaceWidthPx int          `json:"min_face_width_px"`
	Samples        []SampleMeta `json:"samples"`
}

// Identity is one enrolled person: a display name plus reference
// embeddings. Immutable after enrollment except by full replacement.
type Identity struct {
	TargetID   string       `json:"target_id"`
	Name       string       `json:"name"`
	Embeddings [][]float64  `json:"embeddings"`
	Meta       IdentityMeta `json:"meta"`
}

// Store persists identities as one JSON document per target under
// <dataDir>/gallery.
type Store struct {
	root string
}

// NewStore creates the gallery directory if needed.
func NewStore(dataDir string) (*Store, error) {
	root := filepath.Join(dataDir, "gallery")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create gallery dir: %w", err)
	}
	return &Store{root: root}, nil
}

// Dir returns the gallery directory path.
func (s *Store) Dir() string { return s.root }

// Save writes (or replaces) one identity document.
func (s *Store) Save(id *Identity) (string, error) {
	if id.TargetID == "" {
		return "", fmt.Errorf("identity has empty target_id")
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal identity %s: %w", id.TargetID, err)
	}
	path := filepath.Join(s.root, id.TargetID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write identity %s: %w", id.TargetID, err)
	}
	return path, nil
}

// Delete removes an identity document.
func (s *Store) Delete(targetID string) error {
	return os.Remove(filepath.Join(s.root, targetID+".json"))
}

// FaceCropPath returns the location of a target's last enrolled face crop.
func (s *Store) FaceCropPath(targetID string) string {
	return filepath.Join(s.root, targetID+"_last_face.jpg")
}

// SaveFaceCrop writes the JPEG bytes of the last enrolled face.
func (s *Store) SaveFaceCrop(targetID string, jpegBytes []byte) (string, error) {
	path := s.FaceCropPath(targetID)
	if err := os.WriteFile(path, jpegBytes, 0o644); err != nil {
		return "", fmt.Errorf("write face crop %s: %w", targetID, err)
	}
	return path, nil
}

// LoadAll reads every identity document in the gallery. Corrupt files are
// logged and skipped so that one bad enrollment never takes down the
// recognition worker.
func (s *Store) LoadAll() (map[string]*Identity, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read gallery dir: %w", err)
	}

	out := make(map[string]*Identity)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.root, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[Gallery] Skipping unreadable file %s: %v", path, err)
			continue
		}
		var id Identity
		if err := json.Unmarshal(raw, &id); err != nil {
			log.Printf("[Gallery] Skipping corrupt file %s: %v", path, err)
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".json")
		if id.TargetID == "" {
			id.TargetID = key
		}
		out[key] = &id
	}
	return out, nil
}
