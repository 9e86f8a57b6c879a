package recognition

import (
	"fmt"
	"log"
	"time"

	"vigil/internal/frame"
	"vigil/internal/gallery"
	"vigil/internal/metrics"
)

// Worker is the single centralized recognition loop. It owns the detector
// and the gallery index and serves every camera through the shared
// metadata queue; parallelism across cameras comes from capture workers,
// never from multi-threading the model.
type Worker struct {
	detector  Detector
	index     *gallery.Index
	in        <-chan Metadata
	out       chan<- Result
	registry  *frame.Registry
	cameraIDs []string
	frameSkip int
	collector *metrics.Collector

	slots        map[string]*frame.Slot
	skipCounters map[string]int
	done         chan struct{}
}

// NewWorker wires the recognition worker. The index must already be built;
// Run loads the detector and attaches the camera slots.
func NewWorker(
	detector Detector,
	index *gallery.Index,
	in <-chan Metadata,
	out chan<- Result,
	registry *frame.Registry,
	cameraIDs []string,
	frameSkip int,
	collector *metrics.Collector,
) *Worker {
	if frameSkip < 0 {
		frameSkip = 0
	}
	return &Worker{
		detector:     detector,
		index:        index,
		in:           in,
		out:          out,
		registry:     registry,
		cameraIDs:    cameraIDs,
		frameSkip:    frameSkip,
		collector:    collector,
		slots:        make(map[string]*frame.Slot),
		skipCounters: make(map[string]int),
		done:         make(chan struct{}),
	}
}

// Start loads the model, attaches slots and launches the loop. A load
// failure is fatal and returned to the supervisor.
func (w *Worker) Start() error {
	log.Printf("[Recognition] Loading detector model...")
	if err := w.detector.Load(); err != nil {
		return fmt.Errorf("detector load: %w", err)
	}

	for _, camID := range w.cameraIDs {
		slot, err := w.registry.Attach(frame.SlotName(camID))
		if err != nil {
			// Shared-slot mode disabled for this camera: frames arrive
			// inline on the metadata queue instead.
			log.Printf("[Recognition] No slot for camera %s, expecting inline frames", camID)
			continue
		}
		w.slots[camID] = slot
	}

	log.Printf("[Recognition] Ready (gallery: %d embeddings, frame_skip=%d)", w.index.Size(), w.frameSkip)
	go w.run()
	return nil
}

// Done is closed when the loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Alive reports whether the loop is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *Worker) run() {
	defer close(w.done)
	defer w.detector.Close()

	idleWait := time.NewTimer(time.Second)
	defer idleWait.Stop()

	for {
		idleWait.Reset(time.Second)
		select {
		case msg, ok := <-w.in:
			if !ok || msg.stop() {
				log.Printf("[Recognition] Received STOP signal")
				return
			}
			w.handle(msg)
		case <-idleWait.C:
			// Bounded dequeue wait; nothing to do this round.
		}
	}
}

// handle processes one metadata message. Errors are logged and the
// message is skipped; the loop never dies on a bad frame.
func (w *Worker) handle(msg Metadata) {
	// Frame-skip policy: strictly per camera, one camera's skip never
	// delays another's.
	if w.frameSkip > 0 {
		count := w.skipCounters[msg.CameraID]
		if count < w.frameSkip {
			w.skipCounters[msg.CameraID] = count + 1
			return
		}
		w.skipCounters[msg.CameraID] = 0
	}

	f := msg.Inline
	if f == nil {
		slot, ok := w.slots[msg.CameraID]
		if !ok {
			return
		}
		f, _ = slot.Read()
		if f == nil {
			// Publisher has not set the valid flag yet.
			return
		}
	}

	t0 := time.Now()
	detected, err := w.detector.Detect(f)
	if err != nil {
		log.Printf("[Recognition] Detect failed for camera %s frame %d: %v", msg.CameraID, msg.FrameID, err)
		return
	}

	faces := make([]FaceMatch, 0, len(detected))
	for _, face := range detected {
		m := w.index.Match(face.Embedding)
		faces = append(faces, FaceMatch{
			BBox: [4]int{
				int(face.BBox[0]), int(face.BBox[1]),
				int(face.BBox[2]), int(face.BBox[3]),
			},
			Matched:     m.Matched,
			TargetID:    m.TargetID,
			DisplayName: m.DisplayName,
			Similarity:  m.Similarity,
		})
	}

	inferenceMs := float64(time.Since(t0)) / float64(time.Millisecond)
	w.collector.ObserveInference(msg.CameraID, inferenceMs)

	result := Result{
		CameraID:    msg.CameraID,
		FrameID:     msg.FrameID,
		TS:          msg.TS,
		Faces:       faces,
		InferenceMs: inferenceMs,
	}

	// Never block the metadata queue on output: visualization and
	// aggregation are best-effort per frame.
	select {
	case w.out <- result:
	default:
		w.collector.ResultDropped(msg.CameraID)
	}
}
