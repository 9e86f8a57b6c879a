package recognition

import "vigil/internal/frame"

// Face is one detection mapped to a plain struct at the detector
// boundary. Downstream code never sees the detector's native response.
type Face struct {
	BBox      [4]float64 // x1, y1, x2, y2 in pixels
	DetScore  float64
	Embedding []float64
}

// Metadata is the lightweight hand-off from a capture worker to the
// recognition worker. The frame itself lives in the camera's slot; Inline
// is only populated when shared-slot mode is disabled.
type Metadata struct {
	CameraID string
	FrameID  int64
	TS       float64
	Inline   *frame.Frame
}

// stop is the sentinel that shuts down the worker loop.
func (m Metadata) stop() bool { return m.FrameID < 0 }

// StopSentinel builds the queue message that makes the worker exit.
func StopSentinel() Metadata { return Metadata{FrameID: -1} }

// FaceMatch is one face in a published result.
type FaceMatch struct {
	BBox        [4]int  `json:"bbox"`
	Matched     bool    `json:"matched"`
	TargetID    string  `json:"target_id,omitempty"`
	DisplayName string  `json:"display_name,omitempty"`
	Similarity  float64 `json:"similarity"`
}

// Result is the recognition outcome for one sampled frame.
type Result struct {
	CameraID    string      `json:"camera_id"`
	FrameID     int64       `json:"frame_id"`
	TS          float64     `json:"timestamp"`
	Faces       []FaceMatch `json:"faces"`
	InferenceMs float64     `json:"inference_ms"`
}
