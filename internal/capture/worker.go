package capture

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"vigil/internal/event"
	"vigil/internal/frame"
	"vigil/internal/metrics"
	"vigil/internal/recognition"
	"vigil/internal/storage"
	"vigil/internal/video"
)

// enqueueTimeout bounds how long a capture worker waits on the metadata
// queue before dropping the frame. Recognition falling behind must never
// stall capture.
const enqueueTimeout = 100 * time.Millisecond

// faceSaveInterval rate-limits latest-face snapshots per target.
const faceSaveInterval = time.Second

// Options configures one capture worker.
type Options struct {
	OutletID string
	CameraID string

	Preview             bool
	PreviewWidth        int
	PreviewSaveInterval time.Duration

	MaxFrameHeight int
	MaxFrameWidth  int
}

// Worker drives one camera: it samples frames from the source, publishes
// them to the recognition queue and maintains the camera's journal and
// preview snapshots. Each worker owns its own goroutine; a camera failing
// never takes down its siblings.
type Worker struct {
	opts      Options
	source    video.Source
	slot      *frame.Slot // nil means inline frame hand-off
	metaQ     chan<- recognition.Metadata
	feedback  <-chan recognition.Result
	journal   *storage.EventLog
	snaps     *storage.SnapshotStore
	collector *metrics.Collector

	frameID         int64
	lastResult      *recognition.Result
	lastScale       float64
	lastPreviewSave time.Time
	lastFaceSave    map[string]time.Time
	lastErrorLog    time.Time

	started bool
	stopc   chan struct{}
	done    chan struct{}
}

// NewWorker wires a capture worker. slot may be nil to send frames inline
// on the metadata queue instead of through a shared slot.
func NewWorker(
	opts Options,
	source video.Source,
	slot *frame.Slot,
	metaQ chan<- recognition.Metadata,
	feedback <-chan recognition.Result,
	journal *storage.EventLog,
	snaps *storage.SnapshotStore,
	collector *metrics.Collector,
) *Worker {
	return &Worker{
		opts:         opts,
		source:       source,
		slot:         slot,
		metaQ:        metaQ,
		feedback:     feedback,
		journal:      journal,
		snaps:        snaps,
		collector:    collector,
		lastScale:    1.0,
		lastFaceSave: make(map[string]time.Time),
		stopc:        make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start opens the video source, journals SYSTEM_START and launches the
// capture loop.
func (w *Worker) Start() error {
	if err := w.source.Start(); err != nil {
		return fmt.Errorf("camera %s: %w", w.opts.CameraID, err)
	}

	w.appendEvent(event.Event{
		TS:       now(),
		Type:     event.TypeSystemStart,
		OutletID: w.opts.OutletID,
		CameraID: w.opts.CameraID,
		Details:  map[string]any{"message": "capture worker started"},
	})

	log.Printf("[Capture] %s: worker started", w.opts.CameraID)
	w.started = true
	go w.run()
	return nil
}

// Stop shuts the loop down and waits for it to exit. Safe to call on a
// worker whose Start failed.
func (w *Worker) Stop() {
	if !w.started {
		return
	}
	close(w.stopc)
	w.source.Stop()
	<-w.done
}

// Done is closed when the loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) run() {
	defer close(w.done)

	for {
		select {
		case <-w.stopc:
			return
		default:
		}

		f, err := w.source.ReadFrame()
		if err != nil {
			if err == io.EOF {
				log.Printf("[Capture] %s: source closed, exiting", w.opts.CameraID)
				return
			}
			w.reportError(err)
			continue
		}
		if f == nil {
			// Nothing due yet at the sample rate.
			time.Sleep(10 * time.Millisecond)
			continue
		}

		w.handleFrame(f)
	}
}

// handleFrame publishes one sampled frame and refreshes the preview.
// Per-frame failures are logged and survived.
func (w *Worker) handleFrame(f *frame.Frame) {
	w.frameID++
	ts := now()
	w.collector.FrameCaptured(w.opts.CameraID)

	inf, scale := f.FitWithin(w.opts.MaxFrameHeight, w.opts.MaxFrameWidth)
	w.lastScale = scale

	meta := recognition.Metadata{
		CameraID: w.opts.CameraID,
		FrameID:  w.frameID,
		TS:       ts,
	}
	if w.slot != nil {
		if !w.slot.Write(inf, w.frameID, ts) {
			w.reportError(fmt.Errorf("frame %dx%d exceeds slot capacity", inf.Height, inf.Width))
			return
		}
	} else {
		meta.Inline = inf
	}

	// Bounded enqueue: a full queue means recognition is saturated and the
	// frame is stale by definition.
	timer := time.NewTimer(enqueueTimeout)
	select {
	case w.metaQ <- meta:
		timer.Stop()
	case <-timer.C:
		w.collector.FrameDropped(w.opts.CameraID)
	}

	w.drainFeedback(inf)
	w.savePreview(f)
}

// drainFeedback empties the feedback channel, keeping only the newest
// result for overlays, and persists face crops from fresh results.
func (w *Worker) drainFeedback(inf *frame.Frame) {
	for {
		select {
		case r := <-w.feedback:
			w.lastResult = &r
			w.saveFaceCrops(inf, &r)
		default:
			return
		}
	}
}

// saveFaceCrops writes the latest-face snapshot for each matched target,
// at most once per target per second.
func (w *Worker) saveFaceCrops(inf *frame.Frame, r *recognition.Result) {
	for _, face := range r.Faces {
		if !face.Matched {
			continue
		}
		if time.Since(w.lastFaceSave[face.TargetID]) < faceSaveInterval {
			continue
		}
		crop := cropFace(inf, face.BBox)
		if crop == nil {
			continue
		}
		if _, err := w.snaps.SaveLatestFace(face.TargetID, crop); err != nil {
			log.Printf("[Capture] %s: face snapshot failed: %v", w.opts.CameraID, err)
			continue
		}
		w.lastFaceSave[face.TargetID] = time.Now()
	}
}

// savePreview refreshes the rolling preview image with boxes and labels
// from the most recent result.
func (w *Worker) savePreview(f *frame.Frame) {
	if !w.opts.Preview || w.snaps == nil {
		return
	}
	if time.Since(w.lastPreviewSave) < w.opts.PreviewSaveInterval {
		return
	}

	previewScale := 1.0
	preview := f
	if w.opts.PreviewWidth > 0 && f.Width > w.opts.PreviewWidth {
		previewScale = float64(w.opts.PreviewWidth) / float64(f.Width)
		h := int(float64(f.Height) * previewScale)
		preview = f.Resize(h, w.opts.PreviewWidth)
	} else {
		preview = f.Clone()
	}

	drawResults(preview, w.lastResult, w.lastScale, previewScale)

	if _, err := w.snaps.SaveLatestFrame(preview); err != nil {
		log.Printf("[Capture] %s: preview save failed: %v", w.opts.CameraID, err)
		return
	}
	w.lastPreviewSave = time.Now()
}

// LatestFrameJPEG re-reads the rolling preview for alert attachments,
// along with its write time so callers can pick the freshest preview
// across cameras.
func (w *Worker) LatestFrameJPEG() ([]byte, time.Time) {
	if w.snaps == nil {
		return nil, time.Time{}
	}
	path := filepath.Join(w.snaps.Dir(), "latest_frame.jpg")
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}
	}
	return data, info.ModTime()
}

// reportError logs a loop error and journals it, rate-limited to one
// ERROR event per 10 seconds so a flapping camera cannot flood the
// journal.
func (w *Worker) reportError(err error) {
	log.Printf("[Capture] %s: %v", w.opts.CameraID, err)
	if time.Since(w.lastErrorLog) < 10*time.Second {
		return
	}
	w.lastErrorLog = time.Now()
	w.appendEvent(event.Event{
		TS:       now(),
		Type:     event.TypeError,
		OutletID: w.opts.OutletID,
		CameraID: w.opts.CameraID,
		Details:  map[string]any{"message": err.Error()},
	})
}

func (w *Worker) appendEvent(e event.Event) {
	if w.journal == nil {
		return
	}
	if err := w.journal.Append(e); err != nil {
		log.Printf("[Capture] %s: journal append failed: %v", w.opts.CameraID, err)
	}
}

// now returns the wall clock as fractional Unix seconds, the timestamp
// unit used throughout the journals.
func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
