package triangulate

import (
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mprib/caliscope/cameras"
	"github.com/mprib/caliscope/framesync"
)

// StereoPointsPacket is the set of landmarks a pair of cameras observed in
// common at one sync index. Parallel slices are aligned by index and sorted by
// point ID, the layout the two-camera calibration primitive consumes.
type StereoPointsPacket struct {
	SyncIndex int
	PortA     int
	PortB     int
	PointIDs  []int
	BoardLocs []r2.Point
	ImgLocsA  []r2.Point
	ImgLocsB  []r2.Point
}

// PairPoints intersects the detections of two ports within a bundle. It
// reports false when either frame is missing or fewer than minCommon landmarks
// are shared, since sparse overlap yields unstable relative poses.
func PairPoints(sp *framesync.SyncPacket, portA, portB, minCommon int) (*StereoPointsPacket, bool) {
	frameA := sp.Frames[portA]
	frameB := sp.Frames[portB]
	if frameA == nil || frameB == nil {
		return nil, false
	}

	byID := map[int]framesync.PointObservation{}
	for _, obs := range frameA.Points {
		byID[obs.PointID] = obs
	}

	pkt := &StereoPointsPacket{SyncIndex: sp.SyncIndex, PortA: portA, PortB: portB}
	type match struct {
		a, b framesync.PointObservation
	}
	matches := map[int]match{}
	for _, obsB := range frameB.Points {
		if obsA, ok := byID[obsB.PointID]; ok {
			matches[obsB.PointID] = match{a: obsA, b: obsB}
		}
	}
	if len(matches) < minCommon {
		return nil, false
	}

	ids := make([]int, 0, len(matches))
	for id := range matches {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		m := matches[id]
		pkt.PointIDs = append(pkt.PointIDs, id)
		pkt.BoardLocs = append(pkt.BoardLocs, m.a.BoardLoc)
		pkt.ImgLocsA = append(pkt.ImgLocsA, m.a.ImgLoc)
		pkt.ImgLocsB = append(pkt.ImgLocsB, m.b.ImgLoc)
	}
	return pkt, true
}

// TriangulatePair recovers the shared landmarks of a stereo packet in world
// coordinates using just the two paired cameras.
func TriangulatePair(camA, camB *cameras.CameraData, pkt *StereoPointsPacket) (map[int]r3.Vector, error) {
	projA, err := camA.NormalizedProjectionMatrix()
	if err != nil {
		return nil, err
	}
	projB, err := camB.NormalizedProjectionMatrix()
	if err != nil {
		return nil, err
	}

	out := map[int]r3.Vector{}
	for i, id := range pkt.PointIDs {
		pts := []r2.Point{
			camA.UndistortToNormalized(pkt.ImgLocsA[i]),
			camB.UndistortToNormalized(pkt.ImgLocsB[i]),
		}
		xyz, err := Triangulate(pts, []*mat.Dense{projA, projB})
		if err != nil {
			return nil, errors.Wrapf(err, "point %d at sync index %d", id, pkt.SyncIndex)
		}
		out[id] = xyz
	}
	return out, nil
}
