package framesync

import (
	"sync"

	"github.com/mprib/caliscope/logging"
)

// Broadcaster fans SyncPackets out to two kinds of subscribers: ordered
// subscribers receive every packet exactly once, in order, with backpressure;
// notice subscribers receive a coalesced "new data ready" signal and may miss
// updates. Channel close is the explicit terminal marker, letting consumers
// distinguish "finished" from "paused".
type Broadcaster struct {
	mu      sync.Mutex
	ordered []chan *SyncPacket
	notices []chan struct{}
	closed  bool
	logger  logging.Logger
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster(logger logging.Logger) *Broadcaster {
	return &Broadcaster{logger: logger}
}

// SubscribeOrdered registers a lossless in-order subscriber. The publisher
// blocks when the subscriber falls more than size packets behind, so
// subscribers must keep draining until the channel closes.
func (b *Broadcaster) SubscribeOrdered(size int) <-chan *SyncPacket {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *SyncPacket, size)
	if b.closed {
		close(ch)
		return ch
	}
	b.ordered = append(b.ordered, ch)
	return ch
}

// UnsubscribeOrdered removes a previously registered ordered subscriber. The
// channel is left open and simply stops receiving.
func (b *Broadcaster) UnsubscribeOrdered(ch <-chan *SyncPacket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.ordered {
		if sub == ch {
			b.ordered = append(b.ordered[:i], b.ordered[i+1:]...)
			return
		}
	}
}

// SubscribeNotice registers a latest-only subscriber. Signals coalesce; a
// slow consumer sees at most one pending notice.
func (b *Broadcaster) SubscribeNotice() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{}, 1)
	if b.closed {
		close(ch)
		return ch
	}
	b.notices = append(b.notices, ch)
	return ch
}

// Publish delivers a packet to every subscriber.
func (b *Broadcaster) Publish(sp *SyncPacket) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	ordered := make([]chan *SyncPacket, len(b.ordered))
	copy(ordered, b.ordered)
	notices := make([]chan struct{}, len(b.notices))
	copy(notices, b.notices)
	b.mu.Unlock()

	for _, ch := range ordered {
		ch <- sp
	}
	for _, ch := range notices {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close marks the end of the stream by closing every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.ordered {
		close(ch)
	}
	for _, ch := range b.notices {
		close(ch)
	}
	b.ordered = nil
	b.notices = nil
	b.logger.Debug("broadcaster closed; terminal marker delivered to all subscribers")
}
