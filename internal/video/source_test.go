package video

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stalledPipe blocks Read until Close is called, mimicking a stream that
// has gone silent without erroring.
type stalledPipe struct {
	closed chan struct{}
	once   sync.Once
}

func newStalledPipe() *stalledPipe {
	return &stalledPipe{closed: make(chan struct{})}
}

func (p *stalledPipe) Read(b []byte) (int, error) {
	<-p.closed
	return 0, io.ErrClosedPipe
}

func (p *stalledPipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestStopUnblocksStalledRead(t *testing.T) {
	s := NewFFmpegSource("rtsp://example/stream", 5, false)
	s.stdout = newStalledPipe()

	readDone := make(chan error, 1)
	go func() {
		for {
			_, err := s.ReadFrame()
			if err != nil {
				readDone <- err
				return
			}
		}
	}()

	// Give the reader time to park inside the pipe read.
	time.Sleep(50 * time.Millisecond)

	stopDone := make(chan struct{})
	go func() {
		s.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return while ReadFrame was blocked on the pipe")
	}

	select {
	case err := <-readDone:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("ReadFrame did not unblock after Stop")
	}
}

func TestReadFrameAfterStop(t *testing.T) {
	s := NewFFmpegSource("rtsp://example/stream", 5, false)
	s.stdout = newStalledPipe()
	s.Stop()

	f, err := s.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
	assert.Nil(t, f)
}

func TestNextJPEGExtraction(t *testing.T) {
	s := NewFFmpegSource("file.mp4", 5, false)

	jpeg := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}
	s.buf = append([]byte{0x00, 0x11, 0x22}, jpeg...)
	s.buf = append(s.buf, 0xFF, 0xD8, 0x04) // incomplete next frame

	got := s.nextJPEGLocked()
	require.Equal(t, jpeg, got)

	// The incomplete trailing frame stays buffered until its end marker
	// arrives.
	assert.Nil(t, s.nextJPEGLocked())
	s.buf = append(s.buf, 0xFF, 0xD9)
	next := s.nextJPEGLocked()
	require.NotNil(t, next)
	assert.Equal(t, []byte{0xFF, 0xD8, 0x04, 0xFF, 0xD9}, next)
	assert.Empty(t, s.buf)
}
