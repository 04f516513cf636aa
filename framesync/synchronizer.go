package framesync

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/mprib/caliscope/logging"
)

// Options configures a Synchronizer.
type Options struct {
	// BufferSize bounds each port's pending-frame buffer; harvesters block
	// when their buffer is full.
	BufferSize int
	// DropWindow is the trailing number of sync indices used for the rolling
	// dropped-frame rate.
	DropWindow int
	// SubscriberQueueSize is the depth of ordered subscriber channels.
	SubscriberQueueSize int
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 64
	}
	if o.DropWindow <= 0 {
		o.DropWindow = 100
	}
	if o.SubscriberQueueSize <= 0 {
		o.SubscriberQueueSize = 16
	}
	return o
}

// Synchronizer runs one harvester goroutine per camera and a single
// synchronization loop that assembles SyncPackets in increasing sync-index
// order. Frames are assigned to the bundle whose neighborhood of timestamps
// they are closest to; a port with no fitting frame gets a nil slot.
type Synchronizer struct {
	opts        Options
	sources     map[int]FrameSource
	buffers     map[int]*frameBuffer
	broadcaster *Broadcaster
	drops       map[int]*dropWindow
	logger      logging.Logger

	mu           sync.Mutex
	harvestErrs  error
	started      bool
	cancel       context.CancelFunc
	done         chan struct{}
	activeBackgroundWorkers sync.WaitGroup
}

// New builds a Synchronizer over the given per-camera sources.
func New(sources []FrameSource, opts Options, logger logging.Logger) (*Synchronizer, error) {
	if len(sources) == 0 {
		return nil, errors.New("synchronizer needs at least one frame source")
	}
	opts = opts.withDefaults()
	s := &Synchronizer{
		opts:        opts,
		sources:     map[int]FrameSource{},
		buffers:     map[int]*frameBuffer{},
		broadcaster: NewBroadcaster(logger),
		drops:       map[int]*dropWindow{},
		logger:      logger,
		done:        make(chan struct{}),
	}
	for _, src := range sources {
		port := src.Port()
		if _, ok := s.sources[port]; ok {
			return nil, errors.Errorf("duplicate frame source for port %d", port)
		}
		s.sources[port] = src
		s.buffers[port] = newFrameBuffer(opts.BufferSize)
		s.drops[port] = newDropWindow(opts.DropWindow)
	}
	return s, nil
}

// SubscribeOrdered registers a lossless in-order SyncPacket subscriber.
func (s *Synchronizer) SubscribeOrdered() <-chan *SyncPacket {
	return s.broadcaster.SubscribeOrdered(s.opts.SubscriberQueueSize)
}

// UnsubscribeOrdered removes an ordered subscriber.
func (s *Synchronizer) UnsubscribeOrdered(ch <-chan *SyncPacket) {
	s.broadcaster.UnsubscribeOrdered(ch)
}

// SubscribeNotice registers a coalesced "new data ready" subscriber.
func (s *Synchronizer) SubscribeNotice() <-chan struct{} {
	return s.broadcaster.SubscribeNotice()
}

// RollingDropRate reports each port's dropped-frame rate over the trailing
// window of sync indices.
func (s *Synchronizer) RollingDropRate() map[int]float64 {
	out := map[int]float64{}
	for port, window := range s.drops {
		out[port] = window.rate()
	}
	return out
}

// Done is closed once the stream has ended and the terminal marker has been
// delivered.
func (s *Synchronizer) Done() <-chan struct{} {
	return s.done
}

// Start launches the harvesters and the synchronization loop.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("synchronizer already started")
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for port := range s.sources {
		src := s.sources[port]
		buf := s.buffers[port]
		s.activeBackgroundWorkers.Add(1)
		goutils.ManagedGo(func() {
			s.harvest(ctx, src, buf)
		}, s.activeBackgroundWorkers.Done)
	}

	s.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		s.syncLoop(ctx)
	}, s.activeBackgroundWorkers.Done)
	return nil
}

// Close stops all workers, delivers the terminal marker if it has not been
// delivered already, and returns any harvester errors.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, buf := range s.buffers {
		buf.close()
	}
	s.activeBackgroundWorkers.Wait()
	s.broadcaster.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.harvestErrs
}

// harvest tags incoming frames with per-camera sequence numbers and buffers
// them for the synchronization loop.
func (s *Synchronizer) harvest(ctx context.Context, src FrameSource, buf *frameBuffer) {
	port := src.Port()
	sequence := 0
	s.logger.Debugf("harvester for port %d starting", port)
	for {
		fp, err := src.NextFrame(ctx)
		switch {
		case errors.Is(err, io.EOF):
			fp = FramePacket{Port: port, Sequence: sequence, EOS: true}
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return
		case err != nil:
			s.recordHarvestError(errors.Wrapf(err, "port %d harvester", port))
			fp = FramePacket{Port: port, Sequence: sequence, EOS: true}
		default:
			if fp.FrameTime == LegacyEndOfStreamTime {
				fp = FramePacket{Port: port, Sequence: sequence, EOS: true}
			} else {
				fp.Port = port
				fp.Sequence = sequence
			}
		}
		done := fp.EOS
		if pushErr := buf.push(fp); pushErr != nil {
			return
		}
		if done {
			s.logger.Debugf("harvester for port %d delivered end-of-stream after %d frames", port, sequence)
			return
		}
		sequence++
	}
}

func (s *Synchronizer) recordHarvestError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.harvestErrs = multierr.Combine(s.harvestErrs, err)
}

// syncLoop assembles successive SyncPackets. For each port it compares the
// current unassigned frame's timestamp against the earliest next frame and
// the latest current frame on the other ports, deferring frames that belong
// to a later bundle.
func (s *Synchronizer) syncLoop(ctx context.Context) {
	defer close(s.done)
	defer s.broadcaster.Close()

	ports := make([]int, 0, len(s.buffers))
	for port := range s.buffers {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	syncIndex := 0
	for ctx.Err() == nil {
		current := map[int]FramePacket{}
		next := map[int]FramePacket{}
		for _, port := range ports {
			curr, err := s.buffers[port].frameAt(0)
			if err != nil {
				return
			}
			if curr.EOS {
				s.logger.Infof("end of frames at port %d detected; ending synchronization", port)
				return
			}
			nxt, err := s.buffers[port].frameAt(1)
			if err != nil {
				return
			}
			if nxt.EOS {
				s.logger.Infof("end of frames at port %d detected; ending synchronization", port)
				return
			}
			current[port] = curr
			next[port] = nxt
		}

		frames := map[int]*FramePacket{}
		for _, port := range ports {
			earliestNext, latestCurrent, others := neighborTimes(ports, port, current, next)
			frame := current[port]
			switch {
			case !others:
				// single-camera rig: every frame is its own bundle
				fp := frame
				frames[port] = &fp
				s.buffers[port].consume()
			case frame.FrameTime > earliestNext:
				// belongs after another port's next frame; defer
				frames[port] = nil
			case earliestNext-frame.FrameTime < frame.FrameTime-latestCurrent:
				// closer to the assembling of the next bundle than this one
				frames[port] = nil
			default:
				fp := frame
				frames[port] = &fp
				s.buffers[port].consume()
			}
		}

		sp := &SyncPacket{SyncIndex: syncIndex, Frames: frames}
		for port, fp := range frames {
			s.drops[port].add(fp == nil)
		}
		s.broadcaster.Publish(sp)
		syncIndex++
	}
}

// neighborTimes returns the earliest next-frame time and the latest
// current-frame time across every port other than the one given.
func neighborTimes(ports []int, port int, current, next map[int]FramePacket) (earliestNext, latestCurrent float64, others bool) {
	first := true
	for _, p := range ports {
		if p == port {
			continue
		}
		if first {
			earliestNext = next[p].FrameTime
			latestCurrent = current[p].FrameTime
			first = false
			continue
		}
		if next[p].FrameTime < earliestNext {
			earliestNext = next[p].FrameTime
		}
		if current[p].FrameTime > latestCurrent {
			latestCurrent = current[p].FrameTime
		}
	}
	return earliestNext, latestCurrent, !first
}
