package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/capture"
	"vigil/internal/config"
	"vigil/internal/event"
	"vigil/internal/frame"
	"vigil/internal/gallery"
	"vigil/internal/recognition"
	"vigil/internal/storage"
	"vigil/internal/video"
)

// fakeStreamSource paces out synthetic frames until stopped, standing in
// for the FFmpeg pipe.
type fakeStreamSource struct {
	pace  time.Duration
	stopc chan struct{}
	once  sync.Once
}

func newFakeStreamSource(pace time.Duration) *fakeStreamSource {
	return &fakeStreamSource{pace: pace, stopc: make(chan struct{})}
}

func (s *fakeStreamSource) Start() error { return nil }

func (s *fakeStreamSource) ReadFrame() (*frame.Frame, error) {
	select {
	case <-s.stopc:
		return nil, io.EOF
	case <-time.After(s.pace):
		return frame.New(120, 160), nil
	}
}

func (s *fakeStreamSource) Stop() {
	s.once.Do(func() { close(s.stopc) })
}

// matchDetector reports one face per frame with a fixed embedding. delay
// simulates a slow model.
type matchDetector struct {
	embedding []float64
	delay     time.Duration
}

func (d *matchDetector) Load() error { return nil }

func (d *matchDetector) Detect(f *frame.Frame) ([]recognition.Face, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return []recognition.Face{{
		BBox:      [4]float64{10, 10, 60, 60},
		DetScore:  0.9,
		Embedding: d.embedding,
	}}, nil
}

func (d *matchDetector) Close() error { return nil }

// recordingNotifier captures every delivered message.
type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) SendText(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	return nil
}

func (n *recordingNotifier) SendPhoto(ctx context.Context, photo []byte, caption string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, caption)
	return nil
}

func (n *recordingNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func testConfig(dataDir string) *config.Config {
	cfg := &config.Config{}
	cfg.Outlet.ID = "outlet1"
	cfg.Outlet.Cameras = []config.CameraSource{
		{ID: "cam1", Source: "stream1"},
		{ID: "cam2", Source: "stream2"},
	}
	cfg.Outlet.TargetSpgIDs = []string{"alice"}
	cfg.Camera.ProcessFPS = 30
	cfg.Camera.PreviewQuality = 80
	cfg.Recognition.Threshold = 0.5
	cfg.Presence.GraceSeconds = 30
	cfg.Presence.AbsentSeconds = 120
	cfg.Inference.MaxFrameHeight = 240
	cfg.Inference.MaxFrameWidth = 320
	cfg.Storage.DataDir = dataDir
	return cfg
}

func enrollAlice(t *testing.T, dataDir string) {
	t.Helper()
	store, err := gallery.NewStore(dataDir)
	require.NoError(t, err)
	_, err = store.Save(&gallery.Identity{
		TargetID:   "alice",
		Name:       "Alice",
		Embeddings: [][]float64{{1, 0, 0}},
	})
	require.NoError(t, err)
}

func fakeSources(pace time.Duration) func(string, int, bool) video.Source {
	return func(string, int, bool) video.Source { return newFakeStreamSource(pace) }
}

// startSupervisor builds the pipeline with fakes, applies the mutators
// before anything runs, and launches Run in the background.
func startSupervisor(t *testing.T, cfg *config.Config, d deps, mutate ...func(*Supervisor)) (*Supervisor, context.CancelFunc, chan error) {
	t.Helper()
	s, err := newSupervisor(cfg, d)
	require.NoError(t, err)
	for _, m := range mutate {
		m(s)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()
	return s, cancel, runErr
}

func stopSupervisor(t *testing.T, cancel context.CancelFunc, runErr chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
}

// waitForEvent polls a journal until an event matches or the timeout
// expires.
func waitForEvent(t *testing.T, path string, timeout time.Duration, pred func(event.Event) bool) event.Event {
	t.Helper()
	tailer := storage.NewTailer(path)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		events, err := tailer.Next()
		require.NoError(t, err)
		for _, e := range events {
			if pred(e) {
				return e
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no matching event appeared in %s", path)
	return event.Event{}
}

func camJournal(dataDir, camID string) string {
	return filepath.Join(dataDir, "sim_output", camID, "events.jsonl")
}

func TestSupervisorTracksPresenceAcrossCameras(t *testing.T) {
	dataDir := t.TempDir()
	enrollAlice(t, dataDir)
	cfg := testConfig(dataDir)
	cfg.Storage.ArchiveEnabled = true

	s, cancel, runErr := startSupervisor(t, cfg, deps{
		detector:  &matchDetector{embedding: []float64{1, 0, 0}},
		newSource: fakeSources(5 * time.Millisecond),
	})

	// Every camera sees alice: each journal gets the sighting and the
	// presence transition.
	for _, camID := range []string{"cam1", "cam2"} {
		journal := camJournal(dataDir, camID)
		seen := waitForEvent(t, journal, 5*time.Second, func(e event.Event) bool {
			return e.Type == event.TypeSeen && e.TargetID == "alice"
		})
		assert.Equal(t, "outlet1", seen.OutletID)
		assert.Equal(t, camID, seen.CameraID)
		assert.Equal(t, "Alice", seen.DisplayName)
		assert.Greater(t, seen.Similarity, 0.5)

		waitForEvent(t, journal, 5*time.Second, func(e event.Event) bool {
			return e.Type == event.TypePresent && e.TargetID == "alice"
		})
	}

	// The aggregator feeds off the journals; give the tail interval a
	// couple of rounds before stopping.
	waitForEvent(t, filepath.Join(dataDir, "events.jsonl"), 5*time.Second, func(e event.Event) bool {
		return e.Type == event.TypeSystemStart && e.CameraID == event.AggregatorCameraID
	})
	time.Sleep(600 * time.Millisecond)

	stopSupervisor(t, cancel, runErr)

	assert.Greater(t, s.aggregator.LastSeen("alice"), 0.0)
	assert.False(t, s.aggregator.IsAbsent("alice"))

	state, err := os.ReadFile(s.statePath)
	require.NoError(t, err)
	assert.Contains(t, string(state), `"PRESENT"`)
	assert.Contains(t, string(state), `"alice"`)

	// Events were mirrored into the archive.
	archive, err := storage.NewArchive(filepath.Join(dataDir, "events.db"))
	require.NoError(t, err)
	defer archive.Close()
	archived, err := archive.List(storage.ListFilter{TargetID: "alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, archived)
}

func TestSupervisorDeliversStartupAbsenceAlert(t *testing.T) {
	dataDir := t.TempDir()
	enrollAlice(t, dataDir)
	cfg := testConfig(dataDir)
	cfg.Outlet.TargetSpgIDs = []string{"alice", "ghost"}
	cfg.Presence.GraceSeconds = 1
	cfg.Presence.AbsentSeconds = 1
	cfg.Camera.Preview = true
	cfg.Camera.PreviewWidth = 160
	cfg.Camera.PreviewSaveIntervalSec = 0.05

	notifier := &recordingNotifier{}
	_, cancel, runErr := startSupervisor(t, cfg,
		deps{
			detector:  &matchDetector{embedding: []float64{1, 0, 0}},
			newSource: fakeSources(5 * time.Millisecond),
		},
		func(s *Supervisor) { s.notifier = notifier },
	)

	// ghost never shows up, so the startup absence alert must fire and
	// reach the notifier.
	alert := waitForEvent(t, filepath.Join(dataDir, "events.jsonl"), 10*time.Second, func(e event.Event) bool {
		return e.Type == event.TypeAbsentAlertFired && e.TargetID == "ghost"
	})
	assert.Equal(t, event.AggregatorCameraID, alert.CameraID)
	assert.Equal(t, "startup_absence_never_arrived", alert.Details["reason"])

	deadline := time.Now().Add(5 * time.Second)
	for len(notifier.sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	stopSupervisor(t, cancel, runErr)

	messages := notifier.sent()
	require.NotEmpty(t, messages)
	for _, msg := range messages {
		assert.Contains(t, msg, "ghost")
		assert.Contains(t, msg, "has not arrived")
	}
}

func TestSupervisorSurvivesSaturatedRecognition(t *testing.T) {
	dataDir := t.TempDir()
	enrollAlice(t, dataDir)
	cfg := testConfig(dataDir)

	// Two fast cameras against a 30 ms model: the metadata queue stays
	// full and capture workers keep dropping stale frames.
	_, cancel, runErr := startSupervisor(t, cfg, deps{
		detector:  &matchDetector{embedding: []float64{1, 0, 0}, delay: 30 * time.Millisecond},
		newSource: fakeSources(2 * time.Millisecond),
	})

	// Sightings still flow while recognition is saturated.
	waitForEvent(t, camJournal(dataDir, "cam1"), 10*time.Second, func(e event.Event) bool {
		return e.Type == event.TypeSeen && e.TargetID == "alice"
	})
	time.Sleep(500 * time.Millisecond)

	// Full queues must not wedge shutdown.
	stopSupervisor(t, cancel, runErr)
}

func TestOfferLatestEvictsOldest(t *testing.T) {
	ch := make(chan recognition.Result, 2)

	offerLatest(ch, recognition.Result{FrameID: 1})
	offerLatest(ch, recognition.Result{FrameID: 2})
	offerLatest(ch, recognition.Result{FrameID: 3})

	// The oldest result made room for the newest.
	require.Len(t, ch, 2)
	assert.Equal(t, int64(2), (<-ch).FrameID)
	assert.Equal(t, int64(3), (<-ch).FrameID)
}

func TestLatestFramePrefersFreshestPreview(t *testing.T) {
	mkCam := func(id string, payload []byte, mtime time.Time) *cameraUnit {
		snaps, err := storage.NewSnapshotStore(t.TempDir(), 80)
		require.NoError(t, err)
		if payload != nil {
			path := filepath.Join(snaps.Dir(), "latest_frame.jpg")
			require.NoError(t, os.WriteFile(path, payload, 0o644))
			require.NoError(t, os.Chtimes(path, mtime, mtime))
		}
		worker := capture.NewWorker(
			capture.Options{OutletID: "outlet1", CameraID: id},
			newFakeStreamSource(time.Millisecond), nil,
			make(chan recognition.Metadata, 1), make(chan recognition.Result),
			nil, snaps, nil,
		)
		return &cameraUnit{id: id, worker: worker, snaps: snaps}
	}

	now := time.Now()
	s := &Supervisor{cameras: []*cameraUnit{
		mkCam("cam1", nil, now),
		mkCam("cam2", []byte("stale"), now.Add(-time.Hour)),
		mkCam("cam3", []byte("fresh"), now),
	}}

	assert.Equal(t, []byte("fresh"), s.latestFrame())
}
