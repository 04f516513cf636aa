// Package capturevolume refines a seeded multi-camera rig and its
// triangulated landmark field through sparse bundle adjustment, then filters,
// rescales, and reanchors the result.
package capturevolume

import (
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mprib/caliscope/cameras"
	"github.com/mprib/caliscope/triangulate"
)

// PointParamCount is the number of free parameters per landmark.
const PointParamCount = 3

// PointEstimates is the observation structure bundle adjustment works on:
// parallel per-observation arrays tying each 2D detection to one camera and
// one shared 3D landmark estimate. Every landmark must be observed by at
// least two cameras or its depth is unconstrained.
type PointEstimates struct {
	// per-observation arrays, all the same length
	SyncIndices   []int
	CameraIndices []int
	PointIDs      []int
	Img           []r2.Point
	BoardLocs     []r2.Point
	ObjIndices    []int

	// per-landmark world estimates, indexed by ObjIndices
	Obj []r3.Vector
}

// ObservationCount returns the number of 2D detections.
func (pe *PointEstimates) ObservationCount() int {
	return len(pe.Img)
}

// LandmarkCount returns the number of shared 3D estimates.
func (pe *PointEstimates) LandmarkCount() int {
	return len(pe.Obj)
}

// CheckValid verifies the parallel-array invariants: equal lengths, object
// indices in range, and at least two observations per landmark.
func (pe *PointEstimates) CheckValid() error {
	n := len(pe.Img)
	if len(pe.SyncIndices) != n || len(pe.CameraIndices) != n ||
		len(pe.PointIDs) != n || len(pe.BoardLocs) != n || len(pe.ObjIndices) != n {
		return errors.New("point estimate arrays have mismatched lengths")
	}
	views := make([]int, len(pe.Obj))
	for _, objIdx := range pe.ObjIndices {
		if objIdx < 0 || objIdx >= len(pe.Obj) {
			return errors.Errorf("object index %d out of range [0,%d)", objIdx, len(pe.Obj))
		}
		views[objIdx]++
	}
	for objIdx, count := range views {
		if count < 2 {
			return errors.Errorf("landmark %d has %d observations, need at least 2", objIdx, count)
		}
	}
	return nil
}

// BuildPointEstimates triangulates a recorded observation table against a
// posed camera array and assembles the bundle adjustment structure. Rows from
// unposed or ignored cameras are skipped, as are landmarks any given sync
// index sees from fewer than two cameras.
func BuildPointEstimates(array *cameras.CameraArray, table *triangulate.PointTable) (*PointEstimates, error) {
	portIndex := array.PortIndex()
	if len(portIndex) < 2 {
		return nil, errors.New("building point estimates requires at least two posed cameras")
	}

	pe := &PointEstimates{}
	for _, syncIndex := range table.SyncIndices() {
		rows := table.RowsAt(syncIndex)

		byPoint := map[int][]triangulate.PointRow{}
		for _, row := range rows {
			if _, posed := portIndex[row.Port]; !posed {
				continue
			}
			byPoint[row.PointID] = append(byPoint[row.PointID], row)
		}

		ids := make([]int, 0, len(byPoint))
		for id := range byPoint {
			ids = append(ids, id)
		}
		sort.Ints(ids)

		for _, id := range ids {
			obs := byPoint[id]
			if len(obs) < 2 {
				continue
			}
			xyz, err := triangulatePointRows(array, obs)
			if err != nil {
				return nil, errors.Wrapf(err, "sync index %d point %d", syncIndex, id)
			}
			objIdx := len(pe.Obj)
			pe.Obj = append(pe.Obj, xyz)
			for _, row := range obs {
				pe.SyncIndices = append(pe.SyncIndices, syncIndex)
				pe.CameraIndices = append(pe.CameraIndices, portIndex[row.Port])
				pe.PointIDs = append(pe.PointIDs, id)
				pe.Img = append(pe.Img, row.ImgLoc)
				pe.BoardLocs = append(pe.BoardLocs, row.BoardLoc)
				pe.ObjIndices = append(pe.ObjIndices, objIdx)
			}
		}
	}

	if pe.LandmarkCount() == 0 {
		return nil, errors.New("no multi-view landmarks found in observation table")
	}
	return pe, pe.CheckValid()
}

func triangulatePointRows(array *cameras.CameraArray, rows []triangulate.PointRow) (r3.Vector, error) {
	pts := make([]r2.Point, len(rows))
	projections := make([]*mat.Dense, len(rows))
	for i, row := range rows {
		cam := array.Cameras[row.Port]
		proj, err := cam.NormalizedProjectionMatrix()
		if err != nil {
			return r3.Vector{}, err
		}
		pts[i] = cam.UndistortToNormalized(row.ImgLoc)
		projections[i] = proj
	}
	return triangulate.Triangulate(pts, projections)
}
