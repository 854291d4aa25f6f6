// Package frame carries raw preview buffers from a backend to registered
// processors through a fixed pool of reusable frames.
package frame

import (
	"sync/atomic"
	"time"

	"github.com/cjeanneret/camkit/internal/camera"
)

const (
	stateFree int32 = iota
	stateFilling
	stateDispatched
)

// Frame is one raw preview buffer. Frames handed to a Processor are borrowed:
// they go back to the pool as soon as the last processor returns, so a
// processor that needs the data later must call Freeze.
type Frame struct {
	Seq            uint64
	Format         camera.FrameFormat
	Size           camera.Size
	Timestamp      time.Time
	RotationToUser int
	RotationToView int

	buf    []byte
	data   []byte
	pool   *pool
	state  atomic.Int32
	frozen bool
}

// Data returns the frame bytes. It returns nil once a pooled frame has been
// recycled.
func (f *Frame) Data() []byte {
	if !f.frozen && f.state.Load() == stateFree {
		return nil
	}
	return f.data
}

// Len returns the number of valid bytes.
func (f *Frame) Len() int { return len(f.data) }

// Frozen reports whether f is an owned copy detached from the pool.
func (f *Frame) Frozen() bool { return f.frozen }

// Freeze returns an owned copy of f that stays valid after f is recycled.
func (f *Frame) Freeze() *Frame {
	c := &Frame{
		Seq:            f.Seq,
		Format:         f.Format,
		Size:           f.Size,
		Timestamp:      f.Timestamp,
		RotationToUser: f.RotationToUser,
		RotationToView: f.RotationToView,
		frozen:         true,
	}
	c.data = append([]byte(nil), f.data...)
	c.buf = c.data
	return c
}

// fill copies src into the frame buffer, growing it only when a variable
// sized format (MJPEG) exceeds the preallocated capacity.
func (f *Frame) fill(src []byte) {
	if cap(f.buf) < len(src) {
		f.buf = make([]byte, len(src))
	}
	f.data = f.buf[:len(src)]
	copy(f.data, src)
}

// pool is a fixed set of frames of one configuration (generation).
type pool struct {
	gen  uint64
	free chan *Frame
}

func newPool(gen uint64, size int, bufSize int) *pool {
	p := &pool{gen: gen, free: make(chan *Frame, size)}
	for i := 0; i < size; i++ {
		p.free <- &Frame{buf: make([]byte, bufSize), pool: p}
	}
	return p
}

// get returns a free frame or nil when every frame is borrowed.
func (p *pool) get() *Frame {
	select {
	case f := <-p.free:
		f.state.Store(stateFilling)
		return f
	default:
		return nil
	}
}

// put recycles f. Frames from a retired pool are simply let go.
func (p *pool) put(f *Frame) {
	f.state.Store(stateFree)
	select {
	case p.free <- f:
	default:
	}
}
