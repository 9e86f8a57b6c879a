package enroll

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/gallery"
	"vigil/internal/recognition"
	"vigil/internal/video"
)

// sampleGap spaces accepted samples so enrollment captures pose
// variation instead of ten near-identical frames.
const sampleGap = 500 * time.Millisecond

// Options names the identity being enrolled.
type Options struct {
	TargetID string
	Name     string
	Samples  int
}

// Enroller captures reference embeddings from the webcam and persists
// them to the gallery. One run per identity; re-running replaces the
// previous enrollment.
type Enroller struct {
	cfg      *config.Config
	store    *gallery.Store
	detector recognition.Detector
	source   video.Source
}

// New wires an enroller from configuration. source may be nil to use the
// configured webcam; tests inject their own.
func New(cfg *config.Config, detector recognition.Detector, source video.Source) (*Enroller, error) {
	store, err := gallery.NewStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	if source == nil {
		device := fmt.Sprintf("webcam:%d", cfg.Enroll.WebcamIndex)
		source = video.NewFFmpegSource(device, cfg.Camera.ProcessFPS, false)
	}
	return &Enroller{cfg: cfg, store: store, detector: detector, source: source}, nil
}

// Run captures opts.Samples quality-gated face samples and writes the
// identity document plus the last face crop. The context bounds the whole
// session; a camera pointed at a wall should not hang forever.
func (e *Enroller) Run(ctx context.Context, opts Options) (*gallery.Identity, error) {
	if opts.TargetID == "" {
		return nil, fmt.Errorf("target id is required")
	}
	if opts.Samples < 1 {
		opts.Samples = 10
	}
	name := opts.Name
	if name == "" {
		name = opts.TargetID
	}

	if err := e.detector.Load(); err != nil {
		return nil, fmt.Errorf("detector load: %w", err)
	}
	defer e.detector.Close()

	if err := e.source.Start(); err != nil {
		return nil, fmt.Errorf("open webcam: %w", err)
	}
	defer e.source.Stop()

	log.Printf("[Enroll] Capturing %d samples for %s (%s), look at the camera",
		opts.Samples, name, opts.TargetID)
	log.Printf("[Enroll] Quality gates: det_score >= %.2f, face width >= %d px",
		e.cfg.Enroll.MinDetScore, e.cfg.Enroll.MinFaceWidthPx)

	identity := &gallery.Identity{
		TargetID: opts.TargetID,
		Name:     name,
		Meta: gallery.IdentityMeta{
			CreatedAt:      nowSec(),
			MinDetScore:    e.cfg.Enroll.MinDetScore,
			MinFaceWidthPx: e.cfg.Enroll.MinFaceWidthPx,
		},
	}

	var lastCrop *frame.Frame
	lastAccept := time.Time{}

	for len(identity.Embeddings) < opts.Samples {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("enrollment cancelled with %d/%d samples: %w",
				len(identity.Embeddings), opts.Samples, ctx.Err())
		default:
		}

		f, err := e.source.ReadFrame()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("webcam closed with %d/%d samples",
					len(identity.Embeddings), opts.Samples)
			}
			continue
		}
		if f == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if time.Since(lastAccept) < sampleGap {
			continue
		}

		face, crop := e.bestFace(f)
		if face == nil {
			continue
		}

		identity.Embeddings = append(identity.Embeddings, gallery.Normalize(face.Embedding))
		identity.Meta.Samples = append(identity.Meta.Samples, gallery.SampleMeta{
			TS:          nowSec(),
			DetScore:    face.DetScore,
			FaceWidthPx: int(face.BBox[2] - face.BBox[0]),
		})
		lastCrop = crop
		lastAccept = time.Now()
		log.Printf("[Enroll] Sample %d/%d (det_score %.2f)",
			len(identity.Embeddings), opts.Samples, face.DetScore)
	}

	identity.Meta.NumSamples = len(identity.Embeddings)
	path, err := e.store.Save(identity)
	if err != nil {
		return nil, err
	}
	log.Printf("[Enroll] Saved %s", path)

	if lastCrop != nil {
		jpegData, err := lastCrop.EncodeJPEG(90)
		if err == nil {
			if cropPath, err := e.store.SaveFaceCrop(opts.TargetID, jpegData); err == nil {
				log.Printf("[Enroll] Saved face crop %s", cropPath)
			}
		}
	}
	return identity, nil
}

// bestFace picks the largest face in the frame that passes the quality
// gates, together with its crop.
func (e *Enroller) bestFace(f *frame.Frame) (*recognition.Face, *frame.Frame) {
	faces, err := e.detector.Detect(f)
	if err != nil {
		log.Printf("[Enroll] Detect failed: %v", err)
		return nil, nil
	}

	var best *recognition.Face
	bestArea := 0.0
	for i := range faces {
		face := &faces[i]
		w := face.BBox[2] - face.BBox[0]
		h := face.BBox[3] - face.BBox[1]
		if face.DetScore < e.cfg.Enroll.MinDetScore {
			continue
		}
		if int(w) < e.cfg.Enroll.MinFaceWidthPx {
			continue
		}
		if area := w * h; area > bestArea {
			bestArea = area
			best = face
		}
	}
	if best == nil {
		return nil, nil
	}
	return best, cropBox(f, best.BBox)
}

// cropBox extracts the face region with a 20 px margin, clipped to the
// frame.
func cropBox(f *frame.Frame, bbox [4]float64) *frame.Frame {
	margin := 20
	x1 := int(bbox[0]) - margin
	y1 := int(bbox[1]) - margin
	x2 := int(bbox[2]) + margin
	y2 := int(bbox[3]) + margin

	if x1 < 0 {
		x1 = 0
	}
	if y1 < 0 {
		y1 = 0
	}
	if x2 > f.Width {
		x2 = f.Width
	}
	if y2 > f.Height {
		y2 = f.Height
	}
	if x2-x1 < 2 || y2-y1 < 2 {
		return nil
	}

	crop := frame.New(y2-y1, x2-x1)
	for y := y1; y < y2; y++ {
		srcOff := (y*f.Width + x1) * frame.Channels
		dstOff := (y - y1) * crop.Width * frame.Channels
		copy(crop.Pix[dstOff:dstOff+(x2-x1)*frame.Channels], f.Pix[srcOff:])
	}
	return crop
}

func nowSec() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
