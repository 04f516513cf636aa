package triangulate

import (
	"sync"

	"github.com/golang/geo/r3"
	goutils "go.viam.com/utils"

	"github.com/mprib/caliscope/cameras"
	"github.com/mprib/caliscope/framesync"
	"github.com/mprib/caliscope/logging"
)

// XYZPacket carries the triangulated landmark positions of one sync bundle.
type XYZPacket struct {
	SyncIndex int
	Points    map[int]r3.Vector
}

// RealTimeTriangulator consumes a synchronizer's ordered stream and emits a
// 3D estimate per bundle as it arrives. Its output channel closes when the
// upstream stream ends, mirroring the terminal-marker convention.
type RealTimeTriangulator struct {
	array  *cameras.CameraArray
	in     <-chan *framesync.SyncPacket
	out    chan XYZPacket
	logger logging.Logger

	mu      sync.Mutex
	history []XYZPacket
	lastErr error

	activeBackgroundWorkers sync.WaitGroup
}

// NewRealTimeTriangulator subscribes to the synchronizer and starts the
// processing worker immediately.
func NewRealTimeTriangulator(array *cameras.CameraArray, sync *framesync.Synchronizer, logger logging.Logger) *RealTimeTriangulator {
	rt := &RealTimeTriangulator{
		array:  array,
		in:     sync.SubscribeOrdered(),
		out:    make(chan XYZPacket, 16),
		logger: logger,
	}
	rt.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(rt.run, rt.activeBackgroundWorkers.Done)
	return rt
}

// Packets streams one XYZPacket per sync bundle, in order. The channel closes
// once the upstream synchronizer finishes.
func (rt *RealTimeTriangulator) Packets() <-chan XYZPacket {
	return rt.out
}

// History returns a copy of every packet emitted so far.
func (rt *RealTimeTriangulator) History() []XYZPacket {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]XYZPacket, len(rt.history))
	copy(out, rt.history)
	return out
}

// Err reports the first triangulation failure, if any bundle failed.
func (rt *RealTimeTriangulator) Err() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.lastErr
}

// Wait blocks until the worker has drained the upstream stream.
func (rt *RealTimeTriangulator) Wait() {
	rt.activeBackgroundWorkers.Wait()
}

func (rt *RealTimeTriangulator) run() {
	defer close(rt.out)
	for sp := range rt.in {
		points, err := TriangulateSyncPacket(rt.array, sp)
		if err != nil {
			rt.logger.Errorw("triangulation failed for bundle", "sync_index", sp.SyncIndex, "error", err)
			rt.mu.Lock()
			if rt.lastErr == nil {
				rt.lastErr = err
			}
			rt.mu.Unlock()
			continue
		}
		pkt := XYZPacket{SyncIndex: sp.SyncIndex, Points: points}
		rt.mu.Lock()
		rt.history = append(rt.history, pkt)
		rt.mu.Unlock()
		rt.out <- pkt
	}
}
