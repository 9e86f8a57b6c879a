package video

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"vigil/internal/frame"
)

// Source yields decoded frames at a target sample rate. ReadFrame returns
// a frame only when 1/fps has elapsed since the last emission; it still
// consumes the underlying stream so the pipe never backs up. A nil frame
// with nil error means "nothing due yet".
type Source interface {
	Start() error
	ReadFrame() (*frame.Frame, error)
	Stop()
}

// reconnectCooldown is the minimum wait before reopening a failed stream.
const reconnectCooldown = 5 * time.Second

// FFmpegSource decodes RTSP streams, webcam devices (webcam:<index>) and
// video files through an FFmpeg MJPEG pipe. ReadFrame is single-consumer:
// exactly one goroutine calls it. The mutex protects the process handle
// and buffer against Stop, and is never held across the pipe read, so a
// stalled stream cannot block Stop.
type FFmpegSource struct {
	device string
	fps    int
	loop   bool

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	buf      []byte
	chunk    []byte
	lastEmit time.Time
	interval time.Duration
	stopped  bool

	lastReconnect time.Time
}

// NewFFmpegSource builds a source for the given device descriptor.
// loop only applies to file sources: on EOF the file is replayed.
func NewFFmpegSource(device string, fps int, loop bool) *FFmpegSource {
	if fps < 1 {
		fps = 1
	}
	return &FFmpegSource{
		device:   device,
		fps:      fps,
		loop:     loop,
		chunk:    make([]byte, 64*1024),
		interval: time.Second / time.Duration(fps),
	}
}

// Start launches the decoder process.
func (s *FFmpegSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("source for %s already stopped", s.device)
	}
	return s.spawnLocked()
}

func (s *FFmpegSource) spawnLocked() error {
	args := s.ffmpegArgs()
	cmd := exec.Command("ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg for %s: %w", s.device, err)
	}

	// Consume stderr so ffmpeg never blocks on its log output.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	s.cmd = cmd
	s.stdout = stdout
	s.buf = s.buf[:0]
	return nil
}

func (s *FFmpegSource) ffmpegArgs() []string {
	switch {
	case strings.HasPrefix(s.device, "rtsp://"):
		return []string{
			"-rtsp_transport", "tcp",
			"-i", s.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", strconv.Itoa(s.fps),
			"-q:v", "5",
			"-",
		}
	case strings.HasPrefix(s.device, "webcam:"):
		idx := strings.TrimPrefix(s.device, "webcam:")
		return []string{
			"-f", "v4l2",
			"-framerate", strconv.Itoa(s.fps),
			"-i", "/dev/video" + idx,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	default:
		// Video file. -re paces decoding at native speed so simulation
		// behaves like a live camera.
		args := []string{"-re"}
		if s.loop {
			args = append(args, "-stream_loop", "-1")
		}
		return append(args,
			"-i", s.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", strconv.Itoa(s.fps),
			"-q:v", "5",
			"-",
		)
	}
}

// ReadFrame pulls the next complete JPEG off the pipe and decodes it when
// an emission is due. Stream errors trigger a cooled-down reconnect and
// surface as a nil frame, never as a hard error; only a stopped source
// returns io.EOF. The blocking pipe read happens outside the mutex; Stop
// closes the pipe, which unblocks a pending read.
func (s *FFmpegSource) ReadFrame() (*frame.Frame, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, io.EOF
	}
	if s.stdout == nil {
		s.reconnectLocked("stream not open")
		s.mu.Unlock()
		return nil, nil
	}
	jpegData := s.nextJPEGLocked()
	stdout := s.stdout
	s.mu.Unlock()

	if jpegData == nil {
		// Single consumer: chunk is only touched here.
		n, err := stdout.Read(s.chunk)

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil, io.EOF
		}
		if err != nil {
			// Only reconnect if the pipe we read from is still current;
			// a concurrent reconnect already replaced it otherwise.
			if stdout == s.stdout {
				s.reconnectLocked(err.Error())
			}
			s.mu.Unlock()
			return nil, nil
		}
		s.buf = append(s.buf, s.chunk[:n]...)
		jpegData = s.nextJPEGLocked()
		s.mu.Unlock()
		if jpegData == nil {
			return nil, nil
		}
	}

	// Throttle: the stream is consumed regardless, but frames are only
	// emitted at the configured sample rate.
	now := time.Now()
	if now.Sub(s.lastEmit) < s.interval {
		return nil, nil
	}
	s.lastEmit = now

	f, err := frame.DecodeJPEG(jpegData)
	if err != nil {
		log.Printf("[Video] %s: dropping undecodable frame: %v", s.device, err)
		return nil, nil
	}
	return f, nil
}

// nextJPEGLocked extracts one complete JPEG (FFD8..FFD9) from the buffer.
func (s *FFmpegSource) nextJPEGLocked() []byte {
	start := -1
	for i := 0; i+1 < len(s.buf); i++ {
		if s.buf[i] == 0xFF && s.buf[i+1] == 0xD8 {
			start = i
			break
		}
	}
	if start == -1 {
		return nil
	}
	for i := start + 2; i+1 < len(s.buf); i++ {
		if s.buf[i] == 0xFF && s.buf[i+1] == 0xD9 {
			end := i + 2
			out := make([]byte, end-start)
			copy(out, s.buf[start:end])
			s.buf = s.buf[end:]
			return out
		}
	}
	return nil
}

// reconnectLocked tears down the decoder and relaunches it after the
// cooldown. File sources in loop mode restart immediately; everything
// else waits out the cooldown first.
func (s *FFmpegSource) reconnectLocked(reason string) {
	s.killLocked()

	isFile := !strings.HasPrefix(s.device, "rtsp://") && !strings.HasPrefix(s.device, "webcam:")
	if !(isFile && s.loop) {
		if since := time.Since(s.lastReconnect); since < reconnectCooldown {
			return
		}
		log.Printf("[Video] %s: stream lost (%s), reconnecting", s.device, reason)
	}
	s.lastReconnect = time.Now()

	if err := s.spawnLocked(); err != nil {
		log.Printf("[Video] %s: reconnect failed: %v", s.device, err)
	}
}

func (s *FFmpegSource) killLocked() {
	if s.stdout != nil {
		s.stdout.Close()
		s.stdout = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		go s.cmd.Wait()
	}
	s.cmd = nil
}

// Stop releases the decoder process. Closing the pipe unblocks a reader
// stuck in ReadFrame; subsequent ReadFrame calls return io.EOF.
func (s *FFmpegSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.killLocked()
}

var _ Source = (*FFmpegSource)(nil)
