package framesync

import (
	"context"
	"io"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"github.com/mprib/caliscope/logging"
)

// scriptedSource plays back a fixed list of frames and then reports EOF.
type scriptedSource struct {
	port   int
	frames []FramePacket
	idx    int
}

func (s *scriptedSource) Port() int { return s.port }

func (s *scriptedSource) NextFrame(ctx context.Context) (FramePacket, error) {
	if err := ctx.Err(); err != nil {
		return FramePacket{}, err
	}
	if s.idx >= len(s.frames) {
		return FramePacket{}, io.EOF
	}
	fp := s.frames[s.idx]
	s.idx++
	return fp, nil
}

func framesAt(times ...float64) []FramePacket {
	out := make([]FramePacket, 0, len(times))
	for _, t := range times {
		out = append(out, FramePacket{
			FrameTime: t,
			Points:    []PointObservation{{PointID: 7, ImgLoc: r2.Point{X: t, Y: t}}},
		})
	}
	return out
}

func collect(t *testing.T, sync *Synchronizer, ch <-chan *SyncPacket) []*SyncPacket {
	t.Helper()
	var packets []*SyncPacket
	for sp := range ch {
		packets = append(packets, sp)
	}
	<-sync.Done()
	return packets
}

func TestSynchronizerAlignedStreams(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sync, err := New([]FrameSource{
		&scriptedSource{port: 1, frames: framesAt(0, 10, 20, 30, 40)},
		&scriptedSource{port: 2, frames: framesAt(1, 11, 21, 31, 41)},
	}, Options{}, logger)
	test.That(t, err, test.ShouldBeNil)

	ch := sync.SubscribeOrdered()
	test.That(t, sync.Start(context.Background()), test.ShouldBeNil)
	packets := collect(t, sync, ch)
	test.That(t, sync.Close(), test.ShouldBeNil)

	// the last frame pair never bundles because no later frame follows it
	test.That(t, len(packets), test.ShouldEqual, 4)
	for i, sp := range packets {
		test.That(t, sp.SyncIndex, test.ShouldEqual, i)
		test.That(t, sp.FrameCount(), test.ShouldEqual, 2)
		test.That(t, sp.Frames[1].Sequence, test.ShouldEqual, i)
		test.That(t, sp.Frames[2].Sequence, test.ShouldEqual, i)
		test.That(t, sp.Frames[2].FrameTime-sp.Frames[1].FrameTime, test.ShouldAlmostEqual, 1.0)
	}
}

func TestSynchronizerDroppedFrame(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sync, err := New([]FrameSource{
		&scriptedSource{port: 1, frames: framesAt(0, 10, 20, 30, 40)},
		&scriptedSource{port: 2, frames: framesAt(1, 11, 31, 41)},
	}, Options{}, logger)
	test.That(t, err, test.ShouldBeNil)

	ch := sync.SubscribeOrdered()
	test.That(t, sync.Start(context.Background()), test.ShouldBeNil)
	packets := collect(t, sync, ch)

	test.That(t, len(packets), test.ShouldEqual, 4)
	test.That(t, packets[2].Frames[1], test.ShouldNotBeNil)
	test.That(t, packets[2].Frames[1].FrameTime, test.ShouldAlmostEqual, 20.0)
	test.That(t, packets[2].Frames[2], test.ShouldBeNil)
	test.That(t, packets[2].FrameCount(), test.ShouldEqual, 1)
	test.That(t, packets[2].Dropped()[2], test.ShouldBeTrue)
	test.That(t, packets[3].Frames[2].FrameTime, test.ShouldAlmostEqual, 31.0)

	rates := sync.RollingDropRate()
	test.That(t, rates[1], test.ShouldAlmostEqual, 0.0)
	test.That(t, rates[2], test.ShouldAlmostEqual, 0.25)
	test.That(t, sync.Close(), test.ShouldBeNil)
}

func TestSynchronizerExactlyOnceDelivery(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sync, err := New([]FrameSource{
		&scriptedSource{port: 1, frames: framesAt(0, 10, 20, 30)},
		&scriptedSource{port: 2, frames: framesAt(0.5, 10.5, 20.5, 30.5)},
	}, Options{}, logger)
	test.That(t, err, test.ShouldBeNil)

	chA := sync.SubscribeOrdered()
	chB := sync.SubscribeOrdered()
	test.That(t, sync.Start(context.Background()), test.ShouldBeNil)

	packetsA := collect(t, sync, chA)
	var packetsB []*SyncPacket
	for sp := range chB {
		packetsB = append(packetsB, sp)
	}
	test.That(t, sync.Close(), test.ShouldBeNil)

	test.That(t, len(packetsA), test.ShouldEqual, len(packetsB))
	for i := range packetsA {
		test.That(t, packetsA[i].SyncIndex, test.ShouldEqual, i)
		test.That(t, packetsB[i].SyncIndex, test.ShouldEqual, i)
	}
}

func TestSynchronizerSinglePort(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sync, err := New([]FrameSource{
		&scriptedSource{port: 5, frames: framesAt(0, 10, 20, 30)},
	}, Options{}, logger)
	test.That(t, err, test.ShouldBeNil)

	ch := sync.SubscribeOrdered()
	test.That(t, sync.Start(context.Background()), test.ShouldBeNil)
	packets := collect(t, sync, ch)
	test.That(t, sync.Close(), test.ShouldBeNil)

	test.That(t, len(packets), test.ShouldEqual, 3)
	for i, sp := range packets {
		test.That(t, sp.FrameCount(), test.ShouldEqual, 1)
		test.That(t, sp.Frames[5].Sequence, test.ShouldEqual, i)
	}
}

func TestSynchronizerLegacySentinelEndsStream(t *testing.T) {
	logger := logging.NewTestLogger(t)
	withSentinel := append(framesAt(0, 10, 20), FramePacket{FrameTime: LegacyEndOfStreamTime})
	sync, err := New([]FrameSource{
		&scriptedSource{port: 1, frames: withSentinel},
		&scriptedSource{port: 2, frames: framesAt(1, 11, 21, 31)},
	}, Options{}, logger)
	test.That(t, err, test.ShouldBeNil)

	ch := sync.SubscribeOrdered()
	test.That(t, sync.Start(context.Background()), test.ShouldBeNil)
	packets := collect(t, sync, ch)
	test.That(t, sync.Close(), test.ShouldBeNil)

	test.That(t, len(packets), test.ShouldEqual, 2)
	for _, sp := range packets {
		test.That(t, sp.FrameCount(), test.ShouldEqual, 2)
	}
}

func TestSynchronizerNoticeCoalesces(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sync, err := New([]FrameSource{
		&scriptedSource{port: 1, frames: framesAt(0, 10, 20, 30, 40)},
		&scriptedSource{port: 2, frames: framesAt(1, 11, 21, 31, 41)},
	}, Options{}, logger)
	test.That(t, err, test.ShouldBeNil)

	notice := sync.SubscribeNotice()
	ordered := sync.SubscribeOrdered()
	test.That(t, sync.Start(context.Background()), test.ShouldBeNil)
	collect(t, sync, ordered)

	// several publishes happened while nobody drained the notice channel;
	// the signal coalesced to at most one pending entry before close
	pending := 0
	for range notice {
		pending++
	}
	test.That(t, pending, test.ShouldBeLessThanOrEqualTo, 1)
	test.That(t, sync.Close(), test.ShouldBeNil)
}

func TestSynchronizerTerminalMarker(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sync, err := New([]FrameSource{
		&scriptedSource{port: 1, frames: framesAt(0, 10)},
		&scriptedSource{port: 2, frames: framesAt(1, 11)},
	}, Options{}, logger)
	test.That(t, err, test.ShouldBeNil)

	ch := sync.SubscribeOrdered()
	test.That(t, sync.Start(context.Background()), test.ShouldBeNil)
	collect(t, sync, ch)

	// late subscribers see an already-closed channel, not a hang
	late := sync.SubscribeOrdered()
	_, ok := <-late
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, sync.Close(), test.ShouldBeNil)
}
