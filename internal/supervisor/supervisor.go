package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"vigil/internal/capture"
	"vigil/internal/config"
	"vigil/internal/event"
	"vigil/internal/frame"
	"vigil/internal/gallery"
	"vigil/internal/metrics"
	"vigil/internal/notify"
	"vigil/internal/presence"
	"vigil/internal/recognition"
	"vigil/internal/storage"
	"vigil/internal/video"
)

const (
	// tickInterval paces the supervisor loop. Presence decisions tolerate
	// tens of milliseconds of jitter; 50 ms keeps result draining snappy.
	tickInterval = 50 * time.Millisecond

	// maxDrainPerTick bounds result processing per tick so a burst cannot
	// starve the absence checks.
	maxDrainPerTick = 50

	// metadataQueueCap bounds the capture-to-recognition queue. Ten frames
	// of backlog is already more than recognition will ever catch up on.
	metadataQueueCap = 10

	stateDumpInterval = time.Second
	tailInterval      = 250 * time.Millisecond
	shutdownTimeout   = 5 * time.Second
)

// cameraUnit bundles everything the supervisor tracks per camera.
type cameraUnit struct {
	id       string
	worker   *capture.Worker
	feedback chan recognition.Result
	journal  *storage.EventLog
	tailer   *storage.Tailer
	engine   *presence.Engine
	snaps    *storage.SnapshotStore
}

// Supervisor owns the whole run: capture workers, the recognition worker,
// per-camera presence engines, the outlet aggregator and the outbound
// sinks. One Supervisor per process.
type Supervisor struct {
	cfg     *config.Config
	cameras []*cameraUnit

	registry  *frame.Registry
	metaQ     chan recognition.Metadata
	results   chan recognition.Result
	recWorker *recognition.Worker

	aggregator *presence.Aggregator
	journal    *storage.EventLog // outlet-level journal
	snaps      *storage.SnapshotStore
	archive    *storage.Archive
	notifier   notify.Notifier
	collector  *metrics.Collector
	metricsSrv *metrics.Server

	newSource func(device string, fps int, loop bool) video.Source
	statePath string
}

// deps are the process boundaries a test replaces: the detector sidecar
// and the FFmpeg decoder. Zero values mean the real thing.
type deps struct {
	detector  recognition.Detector
	newSource func(device string, fps int, loop bool) video.Source
}

// New builds the full pipeline from configuration. Nothing is running
// until Run is called.
func New(cfg *config.Config) (*Supervisor, error) {
	return newSupervisor(cfg, deps{})
}

func newSupervisor(cfg *config.Config, d deps) (*Supervisor, error) {
	dataDir := cfg.Storage.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if d.newSource == nil {
		d.newSource = func(device string, fps int, loop bool) video.Source {
			return video.NewFFmpegSource(device, fps, loop)
		}
	}

	s := &Supervisor{
		cfg:       cfg,
		registry:  frame.NewRegistry(),
		metaQ:     make(chan recognition.Metadata, metadataQueueCap),
		results:   make(chan recognition.Result, metadataQueueCap),
		newSource: d.newSource,
		statePath: filepath.Join(dataDir, "outlet_state.json"),
	}

	if cfg.Metrics.Enabled {
		s.collector = metrics.NewCollector()
		s.metricsSrv = metrics.NewServer(cfg.Metrics.ListenAddr, s.collector)
	}

	storage.NewCleaner(dataDir, cfg.Storage.SnapshotRetentionDays).Clean()

	journal, err := storage.NewEventLog(dataDir)
	if err != nil {
		return nil, err
	}
	s.journal = journal

	s.snaps, err = storage.NewSnapshotStore(dataDir, cfg.Camera.PreviewQuality)
	if err != nil {
		return nil, err
	}

	if cfg.Storage.ArchiveEnabled {
		s.archive, err = storage.NewArchive(filepath.Join(dataDir, "events.db"))
		if err != nil {
			return nil, err
		}
	}

	if cfg.Notification.TelegramEnabled {
		token, chatID, err := cfg.TelegramCredentials()
		if err != nil {
			return nil, fmt.Errorf("telegram enabled but %w", err)
		}
		s.notifier = notify.NewTelegramNotifier(notify.Config{
			BotToken:             token,
			ChatID:               chatID,
			MaxRetries:           cfg.Notification.MaxRetries,
			BackoffBaseSec:       cfg.Notification.BackoffBaseSec,
			RetryAfterDefaultSec: cfg.Notification.RetryAfterDefaultSec,
		})
	}

	// Gallery and index are loaded once; enrollment changes require a
	// restart.
	store, err := gallery.NewStore(dataDir)
	if err != nil {
		return nil, err
	}
	identities, err := store.LoadAll()
	if err != nil {
		return nil, err
	}
	index := gallery.NewIndex(identities, cfg.Outlet.TargetSpgIDs, cfg.Recognition.Threshold)
	if index.Size() == 0 {
		log.Printf("[Supervisor] WARNING: gallery is empty, no target will ever match")
	}

	if err := s.buildCameras(); err != nil {
		return nil, err
	}

	cameraIDs := make([]string, len(s.cameras))
	for i, cam := range s.cameras {
		cameraIDs[i] = cam.id
	}

	detector := d.detector
	if detector == nil {
		detector = recognition.NewHTTPDetector(cfg.Recognition.Endpoint, cfg.Recognition.DetSize)
	}
	s.recWorker = recognition.NewWorker(
		detector, index, s.metaQ, s.results, s.registry,
		cameraIDs, cfg.Inference.FrameSkip, s.collector,
	)

	s.aggregator = presence.NewAggregator(
		cfg.Outlet.ID, cfg.Outlet.TargetSpgIDs,
		cfg.Presence.AbsentSeconds, nowSec(),
	)
	return s, nil
}

// cameraSources resolves the camera list, swapping in the simulation
// videos when dev.simulate is set.
func (s *Supervisor) cameraSources() []config.CameraSource {
	if !s.cfg.Dev.Simulate {
		return s.cfg.Outlet.Cameras
	}
	cams := make([]config.CameraSource, len(s.cfg.Dev.VideoFiles))
	for i, path := range s.cfg.Dev.VideoFiles {
		cams[i] = config.CameraSource{ID: fmt.Sprintf("cam_%02d", i+1), Source: path}
	}
	return cams
}

func (s *Supervisor) buildCameras() error {
	cfg := s.cfg
	for _, cam := range s.cameraSources() {
		camDir := filepath.Join(cfg.Storage.DataDir, "sim_output", cam.ID)

		journal, err := storage.NewEventLog(camDir)
		if err != nil {
			return fmt.Errorf("camera %s: %w", cam.ID, err)
		}
		snaps, err := storage.NewSnapshotStore(camDir, cfg.Camera.PreviewQuality)
		if err != nil {
			return fmt.Errorf("camera %s: %w", cam.ID, err)
		}

		slot, err := s.registry.Create(
			frame.SlotName(cam.ID),
			cfg.Inference.MaxFrameHeight, cfg.Inference.MaxFrameWidth,
		)
		if err != nil {
			return fmt.Errorf("camera %s: %w", cam.ID, err)
		}

		feedback := make(chan recognition.Result, 5)
		source := s.newSource(cam.Source, cfg.Camera.ProcessFPS, cfg.Dev.Simulate)

		worker := capture.NewWorker(
			capture.Options{
				OutletID:            cfg.Outlet.ID,
				CameraID:            cam.ID,
				Preview:             cfg.Camera.Preview,
				PreviewWidth:        cfg.Camera.PreviewWidth,
				PreviewSaveInterval: time.Duration(cfg.Camera.PreviewSaveIntervalSec * float64(time.Second)),
				MaxFrameHeight:      cfg.Inference.MaxFrameHeight,
				MaxFrameWidth:       cfg.Inference.MaxFrameWidth,
			},
			source, slot, s.metaQ, feedback, journal, snaps, s.collector,
		)

		s.cameras = append(s.cameras, &cameraUnit{
			id:       cam.ID,
			worker:   worker,
			feedback: feedback,
			journal:  journal,
			tailer:   storage.NewTailer(journal.Path()),
			engine: presence.NewEngine(
				cfg.Outlet.ID, cam.ID,
				cfg.Presence.GraceSeconds, cfg.Presence.AbsentSeconds,
			),
			snaps: snaps,
		})
	}
	return nil
}

// Run starts every worker and drives the supervision loop until ctx is
// cancelled or the recognition worker dies.
func (s *Supervisor) Run(ctx context.Context) error {
	log.Printf("[Supervisor] Starting outlet %s with %d cameras, %d targets",
		s.cfg.Outlet.ID, len(s.cameras), len(s.cfg.Outlet.TargetSpgIDs))

	if s.metricsSrv != nil {
		s.metricsSrv.Start()
	}

	if err := s.recWorker.Start(); err != nil {
		return fmt.Errorf("recognition worker: %w", err)
	}
	s.collector.SetWorkerUp(true)

	started := 0
	for _, cam := range s.cameras {
		if err := cam.worker.Start(); err != nil {
			log.Printf("[Supervisor] Camera %s failed to start: %v", cam.id, err)
			s.logEvent(cam, event.Event{
				TS:       nowSec(),
				Type:     event.TypeError,
				OutletID: s.cfg.Outlet.ID,
				CameraID: cam.id,
				Details:  map[string]any{"message": err.Error()},
			})
			continue
		}
		started++
	}
	if started == 0 {
		s.shutdown()
		return fmt.Errorf("no camera could be started")
	}

	s.appendOutlet(event.Event{
		TS:       nowSec(),
		Type:     event.TypeSystemStart,
		OutletID: s.cfg.Outlet.ID,
		CameraID: event.AggregatorCameraID,
		Details:  map[string]any{"cameras": started},
	})

	err := s.loop(ctx)
	s.shutdown()
	return err
}

func (s *Supervisor) loop(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	lastDump := time.Time{}
	lastTail := time.Time{}

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Supervisor] Shutdown requested")
			return nil
		case <-ticker.C:
		}

		if !s.recWorker.Alive() {
			s.collector.SetWorkerUp(false)
			return fmt.Errorf("recognition worker died")
		}

		s.drainResults()
		s.tickEngines(nowSec())

		if time.Since(lastTail) >= tailInterval {
			lastTail = time.Now()
			s.feedAggregator()
		}

		for _, alert := range s.aggregator.Tick(nowSec()) {
			s.handleAlert(alert)
		}

		if time.Since(lastDump) >= stateDumpInterval {
			lastDump = time.Now()
			s.aggregator.DumpState(s.statePath, nowSec())
		}
	}
}

// drainResults consumes up to maxDrainPerTick recognition results,
// forwarding each to its camera's overlay feedback and presence engine.
func (s *Supervisor) drainResults() {
	for i := 0; i < maxDrainPerTick; i++ {
		select {
		case r := <-s.results:
			s.handleResult(r)
		default:
			return
		}
	}
}

func (s *Supervisor) handleResult(r recognition.Result) {
	cam := s.camera(r.CameraID)
	if cam == nil {
		return
	}

	offerLatest(cam.feedback, r)

	// One sighting per target per frame, whichever face matched best.
	best := map[string]recognition.FaceMatch{}
	for _, face := range r.Faces {
		if !face.Matched {
			continue
		}
		if prev, ok := best[face.TargetID]; !ok || face.Similarity > prev.Similarity {
			best[face.TargetID] = face
		}
	}
	for _, face := range best {
		for _, e := range cam.engine.ObserveSeen(face.TargetID, face.DisplayName, face.Similarity, r.TS) {
			s.logEvent(cam, e)
		}
	}
}

// offerLatest hands a result to an overlay feedback channel without ever
// blocking. When the channel is full the oldest queued result is evicted
// so the capture worker always sees the newest one.
func offerLatest(ch chan recognition.Result, r recognition.Result) {
	select {
	case ch <- r:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- r:
	default:
	}
}

func (s *Supervisor) tickEngines(now float64) {
	for _, cam := range s.cameras {
		for _, e := range cam.engine.Tick(s.cfg.Outlet.TargetSpgIDs, now) {
			s.logEvent(cam, e)
		}
	}
}

// feedAggregator tails every camera journal and feeds fresh events into
// the aggregator. The journal, not the in-memory path, is the contract:
// the aggregator sees exactly what an operator replaying the file sees.
func (s *Supervisor) feedAggregator() {
	for _, cam := range s.cameras {
		events, err := cam.tailer.Next()
		if err != nil {
			log.Printf("[Supervisor] Tail %s: %v", cam.id, err)
			continue
		}
		s.aggregator.Ingest(events)
	}
}

// handleAlert journals a global absence alert and pushes it to the
// notifier.
func (s *Supervisor) handleAlert(alert event.Event) {
	photo := s.latestFrame()

	// Keep the evidence frame and record its path in the alert itself.
	if photo != nil {
		if f, err := frame.DecodeJPEG(photo); err == nil {
			if path, err := s.snaps.SaveAlertFrame(s.cfg.Outlet.ID, alert.CameraID, f); err == nil {
				alert.Details["snapshot_path"] = path
			}
		}
	}
	s.appendOutlet(alert)

	name := alert.DisplayName
	if name == "" {
		name = alert.TargetID
	}

	var text string
	switch alert.Details["reason"] {
	case "startup_absence_never_arrived":
		text = fmt.Sprintf("ALERT [%s]: %s has not arrived since monitoring started (%v s ago)",
			s.cfg.Outlet.ID, name, alert.Details["seconds_since_startup"])
	default:
		text = fmt.Sprintf("ALERT [%s]: %s absent from all cameras for %v s",
			s.cfg.Outlet.ID, name, alert.Details["seconds_since_last_seen"])
	}
	log.Printf("[Supervisor] %s", text)

	if s.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var err error
	if photo != nil {
		err = s.notifier.SendPhoto(ctx, photo, text)
	} else {
		err = s.notifier.SendText(ctx, text)
	}
	if err != nil {
		log.Printf("[Supervisor] Alert delivery failed: %v", err)
		s.appendOutlet(event.Event{
			TS:       nowSec(),
			Type:     event.TypeError,
			OutletID: s.cfg.Outlet.ID,
			CameraID: event.AggregatorCameraID,
			Details:  map[string]any{"message": "alert delivery failed: " + err.Error()},
		})
		return
	}
	s.collector.AlertSent()
}

// latestFrame returns the freshest preview JPEG across cameras, if any,
// comparing write times so a stalled camera's stale preview never shadows
// a live one.
func (s *Supervisor) latestFrame() []byte {
	var best []byte
	var bestTime time.Time
	for _, cam := range s.cameras {
		data, mtime := cam.worker.LatestFrameJPEG()
		if data == nil {
			continue
		}
		if best == nil || mtime.After(bestTime) {
			best = data
			bestTime = mtime
		}
	}
	return best
}

// logEvent appends a per-camera event to that camera's journal and
// mirrors it to the archive.
func (s *Supervisor) logEvent(cam *cameraUnit, e event.Event) {
	if err := cam.journal.Append(e); err != nil {
		log.Printf("[Supervisor] Journal append failed for %s: %v", cam.id, err)
	}
	s.mirror(e)
}

// appendOutlet appends an outlet-level event to the aggregator journal.
func (s *Supervisor) appendOutlet(e event.Event) {
	if err := s.journal.Append(e); err != nil {
		log.Printf("[Supervisor] Outlet journal append failed: %v", err)
	}
	s.mirror(e)
}

func (s *Supervisor) mirror(e event.Event) {
	s.collector.EventEmitted(string(e.Type))
	if s.archive == nil {
		return
	}
	if _, err := s.archive.Save(e); err != nil {
		log.Printf("[Supervisor] Archive write failed: %v", err)
	}
}

func (s *Supervisor) camera(id string) *cameraUnit {
	for _, cam := range s.cameras {
		if cam.id == id {
			return cam
		}
	}
	return nil
}

// shutdown stops every worker in dependency order, flushes state and
// releases the slots.
func (s *Supervisor) shutdown() {
	log.Printf("[Supervisor] Shutting down")

	for _, cam := range s.cameras {
		cam.worker.Stop()
	}

	// Ask the recognition worker to exit, then wait, but never forever.
	select {
	case s.metaQ <- recognition.StopSentinel():
	case <-time.After(time.Second):
	}
	select {
	case <-s.recWorker.Done():
	case <-time.After(shutdownTimeout):
		log.Printf("[Supervisor] Recognition worker did not exit in time")
	}
	s.collector.SetWorkerUp(false)

	s.aggregator.DumpState(s.statePath, nowSec())

	for _, cam := range s.cameras {
		cam.journal.Close()
	}
	s.journal.Close()
	if s.archive != nil {
		s.archive.Close()
	}
	s.registry.UnlinkAll()
	if s.metricsSrv != nil {
		s.metricsSrv.Stop()
	}
	log.Printf("[Supervisor] Shutdown complete")
}

func nowSec() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
