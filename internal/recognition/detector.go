package recognition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"vigil/internal/frame"
)

// Detector is the face detection + embedding model boundary. Load is
// expensive and fatal on failure; Detect runs synchronously and is the
// dominant CPU cost of the pipeline.
type Detector interface {
	Load() error
	Detect(f *frame.Frame) ([]Face, error)
	Close() error
}

// HTTPDetector talks to the detection sidecar over HTTP. The sidecar owns
// the actual model; one frame is posted as JPEG, faces come back with
// bbox, det_score and embedding.
type HTTPDetector struct {
	endpoint string
	detSize  int
	client   *http.Client
}

// NewHTTPDetector builds a client for the sidecar at endpoint
// (e.g. http://127.0.0.1:18081).
func NewHTTPDetector(endpoint string, detSize int) *HTTPDetector {
	return &HTTPDetector{
		endpoint: endpoint,
		detSize:  detSize,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

type detectResponse struct {
	Faces []struct {
		BBox      []float64 `json:"bbox"`
		DetScore  float64   `json:"det_score"`
		Embedding []float64 `json:"embedding"`
	} `json:"faces"`
}

// Load verifies the sidecar is up and its model is loaded. Failure here is
// fatal for the recognition worker.
func (d *HTTPDetector) Load() error {
	resp, err := d.client.Get(d.endpoint + "/health")
	if err != nil {
		return fmt.Errorf("detector health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("detector health check returned status %d", resp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode detector health response: %w", err)
	}
	if health.Status != "healthy" || !health.ModelLoaded {
		return fmt.Errorf("detector unhealthy: status=%s model_loaded=%v", health.Status, health.ModelLoaded)
	}
	return nil
}

// Detect posts the frame and maps the response to plain Face records.
func (d *HTTPDetector) Detect(f *frame.Frame) ([]Face, error) {
	jpegData, err := f.EncodeJPEG(90)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(jpegData); err != nil {
		return nil, fmt.Errorf("write image data: %w", err)
	}
	if err := writer.WriteField("det_size", fmt.Sprintf("%d", d.detSize)); err != nil {
		return nil, fmt.Errorf("write det_size field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, d.endpoint+"/detect", &buf)
	if err != nil {
		return nil, fmt.Errorf("create detect request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read detect response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detect returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed detectResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode detect response: %w", err)
	}

	faces := make([]Face, 0, len(parsed.Faces))
	for _, pf := range parsed.Faces {
		if len(pf.BBox) != 4 {
			continue
		}
		faces = append(faces, Face{
			BBox:      [4]float64{pf.BBox[0], pf.BBox[1], pf.BBox[2], pf.BBox[3]},
			DetScore:  pf.DetScore,
			Embedding: pf.Embedding,
		})
	}
	return faces, nil
}

// Close releases the client. The sidecar's lifetime is not ours to manage.
func (d *HTTPDetector) Close() error { return nil }

var _ Detector = (*HTTPDetector)(nil)
