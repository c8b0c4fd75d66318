package odometry

import (
	"sync"

	"go.uber.org/atomic"

	"go.viam.com/rgbdodometry/rimage"
)

// FrameSource hands out the newest frame, if one arrived since the last call.
type FrameSource interface {
	TryGetLatest() (*rimage.Pyramid, bool)
}

// exhaustible is implemented by frame sources that can run out of frames.
type exhaustible interface {
	Exhausted() bool
}

// FrameBuffer is a single slot FrameSource fed by a transport. Delivering a frame replaces any
// frame not yet taken.
type FrameBuffer struct {
	mu      sync.Mutex
	latest  *rimage.Pyramid
	closed  bool
	dropped atomic.Uint64
}

// NewFrameBuffer returns an empty frame buffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// Deliver stores p as the newest frame. The buffer owns p from now on. Frames delivered after
// Close are ignored and Deliver returns false.
func (fb *FrameBuffer) Deliver(p *rimage.Pyramid) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.closed || p == nil {
		return false
	}
	if fb.latest != nil {
		fb.dropped.Inc()
	}
	fb.latest = p
	return true
}

// TryGetLatest takes the newest frame out of the buffer.
func (fb *FrameBuffer) TryGetLatest() (*rimage.Pyramid, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	p := fb.latest
	fb.latest = nil
	return p, p != nil
}

// Close stops accepting frames. A frame still in the slot can be taken.
func (fb *FrameBuffer) Close() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.closed = true
}

// Exhausted returns whether the buffer is closed and empty.
func (fb *FrameBuffer) Exhausted() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.closed && fb.latest == nil
}

// Dropped returns the number of frames replaced before being taken.
func (fb *FrameBuffer) Dropped() uint64 {
	return fb.dropped.Load()
}
