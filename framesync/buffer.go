package framesync

import (
	"sync"

	"github.com/pkg/errors"
)

var errBufferClosed = errors.New("frame buffer closed")

// frameBuffer holds the pending (unassigned) frames of one port. Writers
// block when the buffer is full, giving the harvester backpressure instead of
// unbounded growth; readers block until the requested frame exists. All
// waiting is condition-variable based.
type frameBuffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	frames   []FramePacket
	capacity int
	closed   bool
}

func newFrameBuffer(capacity int) *frameBuffer {
	b := &frameBuffer{capacity: capacity}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// push appends a frame, blocking while the buffer is at capacity.
func (b *frameBuffer) push(fp FramePacket) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.frames) >= b.capacity && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return errBufferClosed
	}
	b.frames = append(b.frames, fp)
	b.cond.Broadcast()
	return nil
}

// frameAt returns the pending frame at offset i (0 = current unassigned,
// 1 = next), blocking until it exists.
func (b *frameBuffer) frameAt(i int) (FramePacket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.frames) <= i && !b.closed {
		b.cond.Wait()
	}
	if len(b.frames) <= i {
		return FramePacket{}, errBufferClosed
	}
	return b.frames[i], nil
}

// consume discards the current frame, advancing the port's cursor.
func (b *frameBuffer) consume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) > 0 {
		b.frames = b.frames[1:]
	}
	b.cond.Broadcast()
}

// close wakes all waiters; subsequent pushes fail and reads beyond the
// remaining frames fail.
func (b *frameBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}
