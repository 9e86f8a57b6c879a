package frame

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// Slot is a single-slot frame buffer shared between one capture worker
// (writer) and the recognition worker (reader). A write overwrites the
// previous frame; a read copies the current frame out. Holding only the
// newest frame is the backpressure policy: stale frames are worthless to a
// live monitor.
//
// Region layout, mirroring a raw shared-memory segment:
//
//	[0:4]   height  (int32, little-endian)
//	[4:8]   width   (int32)
//	[8:16]  frameID (int64)
//	[16:24] timestamp (float64)
//	[24:28] valid flag (int32, 1 = frame present)
//	[28:]   raw BGR pixels (maxH * maxW * 3 bytes)
//
// The valid flag is written last and checked first, so a reader never sees
// a half-published header.
type Slot struct {
	mu   sync.Mutex
	buf  []byte
	maxH int
	maxW int
}

// HeaderSize is the byte offset of the pixel region inside a slot.
const HeaderSize = 28

const (
	offHeight    = 0
	offWidth     = 4
	offFrameID   = 8
	offTimestamp = 16
	offValid     = 24
)

// Meta describes the frame currently held by a slot.
type Meta struct {
	Height    int
	Width     int
	FrameID   int64
	Timestamp float64
}

// NewSlot allocates a slot sized for frames up to maxH x maxW.
func NewSlot(maxH, maxW int) (*Slot, error) {
	if maxH < 1 || maxW < 1 {
		return nil, fmt.Errorf("slot dimensions must be positive, got %dx%d", maxH, maxW)
	}
	return &Slot{
		buf:  make([]byte, HeaderSize+maxH*maxW*Channels),
		maxH: maxH,
		maxW: maxW,
	}, nil
}

// MaxHeight returns the slot's height capacity.
func (s *Slot) MaxHeight() int { return s.maxH }

// MaxWidth returns the slot's width capacity.
func (s *Slot) MaxWidth() int { return s.maxW }

// Write publishes a frame into the slot. It returns false when the frame
// does not fit; in that case the slot's previous content is untouched.
func (s *Slot) Write(f *Frame, frameID int64, ts float64) bool {
	if f == nil || f.Height > s.maxH || f.Width > s.maxW {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	binary.LittleEndian.PutUint32(s.buf[offHeight:], uint32(f.Height))
	binary.LittleEndian.PutUint32(s.buf[offWidth:], uint32(f.Width))
	binary.LittleEndian.PutUint64(s.buf[offFrameID:], uint64(frameID))
	binary.LittleEndian.PutUint64(s.buf[offTimestamp:], math.Float64bits(ts))
	copy(s.buf[HeaderSize:], f.Pix)

	// Publish fence: the valid flag is the last store.
	binary.LittleEndian.PutUint32(s.buf[offValid:], 1)
	return true
}

// Read returns an independent copy of the current frame, or nil when no
// frame has been published yet.
func (s *Slot) Read() (*Frame, *Meta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if binary.LittleEndian.Uint32(s.buf[offValid:]) == 0 {
		return nil, nil
	}

	h := int(int32(binary.LittleEndian.Uint32(s.buf[offHeight:])))
	w := int(int32(binary.LittleEndian.Uint32(s.buf[offWidth:])))
	meta := &Meta{
		Height:    h,
		Width:     w,
		FrameID:   int64(binary.LittleEndian.Uint64(s.buf[offFrameID:])),
		Timestamp: math.Float64frombits(binary.LittleEndian.Uint64(s.buf[offTimestamp:])),
	}

	f := New(h, w)
	copy(f.Pix, s.buf[HeaderSize:HeaderSize+h*w*Channels])
	return f, meta
}

// Clear resets the valid flag, emptying the slot.
func (s *Slot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	binary.LittleEndian.PutUint32(s.buf[offValid:], 0)
}
