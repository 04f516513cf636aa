// Package framesync merges independently-running per-camera frame streams
// into ordered, index-aligned bundles despite jitter and dropped frames.
package framesync

import (
	"context"

	"github.com/golang/geo/r2"
)

// LegacyEndOfStreamTime is the reserved timestamp some recorded sources use
// to mark their final frame. It is translated into an explicit EOS marker at
// the harvester boundary and never propagates further.
const LegacyEndOfStreamTime = -1.0

// PointObservation is one 2D landmark detection within a frame.
type PointObservation struct {
	PointID int
	ImgLoc  r2.Point
	// BoardLoc is the known board-frame location of a calibration target
	// point; zero for freeform tracker points.
	BoardLoc r2.Point
}

// FramePacket is one frame's worth of detections from a single camera.
// Sequence numbers are assigned by the harvester and strictly increase per
// camera; FrameTime must strictly increase per camera as well.
type FramePacket struct {
	Port      int
	Sequence  int
	FrameTime float64
	Points    []PointObservation
	// EOS marks the end of the stream; no fields besides Port are meaningful.
	EOS bool
}

// SyncPacket bundles at most one frame per port at a common sync index. A nil
// entry records a dropped frame for that camera at this index.
type SyncPacket struct {
	SyncIndex int
	Frames    map[int]*FramePacket
}

// FrameCount returns the number of non-dropped frames in the bundle.
func (sp *SyncPacket) FrameCount() int {
	count := 0
	for _, fp := range sp.Frames {
		if fp != nil {
			count++
		}
	}
	return count
}

// Dropped reports, per port, whether the frame was dropped at this index.
func (sp *SyncPacket) Dropped() map[int]bool {
	out := map[int]bool{}
	for port, fp := range sp.Frames {
		out[port] = fp == nil
	}
	return out
}

// FrameSource delivers successive frames for one camera. NextFrame blocks
// until a frame is available, the context is canceled, or the stream ends
// with io.EOF.
type FrameSource interface {
	Port() int
	NextFrame(ctx context.Context) (FramePacket, error)
}
