// Package triangulate recovers 3D landmark positions from synchronized
// multi-camera observations via direct linear transformation.
package triangulate

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mprib/caliscope/cameras"
	"github.com/mprib/caliscope/framesync"
)

// ErrInsufficientViews is returned when fewer than two cameras observe a
// point; a single ray cannot fix depth.
var ErrInsufficientViews = errors.New("triangulation requires at least two views")

// Triangulate solves for the world point that best reprojects onto the given
// observations. Each observation pairs with the 3x4 projection matrix of the
// camera that made it; observations must live on the same image plane the
// matrices project onto (pixels for K·[R|t], normalized for [R|t]).
func Triangulate(points []r2.Point, projections []*mat.Dense) (r3.Vector, error) {
	if len(points) != len(projections) {
		return r3.Vector{}, errors.Errorf("got %d points for %d projection matrices", len(points), len(projections))
	}
	if len(points) < 2 {
		return r3.Vector{}, ErrInsufficientViews
	}

	// each view contributes the two DLT rows x·P3-P1 and y·P3-P2
	a := mat.NewDense(2*len(points), 4, nil)
	for i, pt := range points {
		p := projections[i]
		for j := 0; j < 4; j++ {
			a.Set(2*i, j, pt.X*p.At(2, j)-p.At(0, j))
			a.Set(2*i+1, j, pt.Y*p.At(2, j)-p.At(1, j))
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return r3.Vector{}, errors.New("svd factorization failed")
	}
	var v mat.Dense
	svd.VTo(&v)

	// homogeneous solution is the right singular vector of the smallest
	// singular value, the last column of V
	w := v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, errors.New("triangulated point is at infinity")
	}
	return r3.Vector{
		X: v.At(0, 3) / w,
		Y: v.At(1, 3) / w,
		Z: v.At(2, 3) / w,
	}, nil
}

// TriangulateSyncPacket estimates a world position for every landmark seen by
// two or more posed cameras in the bundle. Observations are undistorted onto
// the normalized image plane so lens distortion does not bias the estimate.
// Landmarks with a single view are skipped, not errored.
func TriangulateSyncPacket(array *cameras.CameraArray, sp *framesync.SyncPacket) (map[int]r3.Vector, error) {
	type ray struct {
		pt   r2.Point
		proj *mat.Dense
	}
	projections, err := array.NormalizedProjectionMatrices()
	if err != nil {
		return nil, err
	}

	rays := map[int][]ray{}
	for port, fp := range sp.Frames {
		if fp == nil {
			continue
		}
		proj, ok := projections[port]
		if !ok {
			continue
		}
		cam := array.Cameras[port]
		for _, obs := range fp.Points {
			rays[obs.PointID] = append(rays[obs.PointID], ray{
				pt:   cam.UndistortToNormalized(obs.ImgLoc),
				proj: proj,
			})
		}
	}

	out := map[int]r3.Vector{}
	ids := make([]int, 0, len(rays))
	for id := range rays {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		views := rays[id]
		if len(views) < 2 {
			continue
		}
		pts := make([]r2.Point, len(views))
		mats := make([]*mat.Dense, len(views))
		for i, v := range views {
			pts[i] = v.pt
			mats[i] = v.proj
		}
		xyz, err := Triangulate(pts, mats)
		if err != nil {
			return nil, errors.Wrapf(err, "point %d at sync index %d", id, sp.SyncIndex)
		}
		out[id] = xyz
	}
	return out, nil
}
