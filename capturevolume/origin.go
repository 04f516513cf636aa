package capturevolume

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/mprib/caliscope/board"
	"github.com/mprib/caliscope/framesync"
	"github.com/mprib/caliscope/logging"
	"github.com/mprib/caliscope/spatialmath"
	"github.com/mprib/caliscope/triangulate"
)

// Axis names a world axis for quarter-turn reanchoring.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// ApplyTransform moves the world origin to the frame described by transform
// (the new frame's pose expressed in current world coordinates). Landmarks
// are pulled into the new frame and every posed camera's extrinsics are
// recomposed, so reprojection errors are unchanged.
func (cv *CaptureVolume) ApplyTransform(transform *mat.Dense) error {
	if !spatialmath.IsRigid(transform, 1e-9) {
		return errors.New("origin transform must be rigid")
	}
	inv := spatialmath.RigidInverse(transform)

	for i, p := range cv.Points.Obj {
		cv.Points.Obj[i] = spatialmath.TransformPoint(inv, p)
	}
	for _, port := range cv.Array.PosedPorts() {
		cam := cv.Array.Cameras[port]
		t, err := cam.Transformation()
		if err != nil {
			return err
		}
		cam.SetTransformation(spatialmath.Compose(t, transform))
	}
	return nil
}

// Rotate90 spins the world frame a quarter turn about one of its axes.
// turns may be negative; only the remainder mod 4 matters.
func (cv *CaptureVolume) Rotate90(axis Axis, turns int) error {
	turns = ((turns % 4) + 4) % 4
	if turns == 0 {
		return nil
	}
	angle := float64(turns) * math.Pi / 2
	c, s := math.Cos(angle), math.Sin(angle)
	// quarter turns are exact; snap the trig noise away
	c, s = math.Round(c), math.Round(s)

	var rot *mat.Dense
	switch axis {
	case AxisX:
		rot = mat.NewDense(3, 3, []float64{1, 0, 0, 0, c, -s, 0, s, c})
	case AxisY:
		rot = mat.NewDense(3, 3, []float64{c, 0, s, 0, 1, 0, -s, 0, c})
	case AxisZ:
		rot = mat.NewDense(3, 3, []float64{c, -s, 0, s, c, 0, 0, 0, 1})
	default:
		return errors.Errorf("unknown axis %d", axis)
	}
	return cv.ApplyTransform(spatialmath.NewRigidTransform(rot, r3.Vector{}))
}

// OriginOptions tunes SetOriginToBoard.
type OriginOptions struct {
	// MinCorners is the fewest board corners a camera must see at the chosen
	// sync index to contribute a pose estimate. Defaults to 4, the planar
	// solve's minimum.
	MinCorners int
	// SkipRefinement keeps the averaged closed-form pose instead of running
	// the reprojection refinement, trading accuracy for speed.
	SkipRefinement bool
	// ApplyScaleCorrection rescales the volume by the mean ratio of known to
	// estimated board corner spacing before solving the pose. Only needed
	// when the pairwise seed's metric scale drifted from the board geometry.
	ApplyScaleCorrection bool
}

// ScaleVolume applies a uniform scale to the whole volume: landmark positions
// and camera translations. Normalized projections are unchanged, so RMSE is
// preserved while metric distances rescale.
func (cv *CaptureVolume) ScaleVolume(scale float64) error {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return errors.Errorf("volume scale must be positive and finite, got %f", scale)
	}
	for i, p := range cv.Points.Obj {
		cv.Points.Obj[i] = p.Mul(scale)
	}
	for _, port := range cv.Array.PosedPorts() {
		cam := cv.Array.Cameras[port]
		cam.Translation = cam.Translation.Mul(scale)
	}
	return nil
}

// ScaleToBoard measures the ratio between the board's known corner spacing
// and the spacing of the corners as currently triangulated at one sync index,
// rescales the volume by the mean ratio, and returns the scale applied. The
// fast-path alternative to absorbing scale drift through optimization.
func (cv *CaptureVolume) ScaleToBoard(b board.Board, table *triangulate.PointTable, syncIndex int, logger logging.Logger) (float64, error) {
	if err := b.CheckValid(); err != nil {
		return 0, err
	}

	frames := map[int]*framesync.FramePacket{}
	for _, row := range table.RowsAt(syncIndex) {
		fp, ok := frames[row.Port]
		if !ok {
			fp = &framesync.FramePacket{Port: row.Port}
			frames[row.Port] = fp
		}
		fp.Points = append(fp.Points, framesync.PointObservation{
			PointID: row.PointID,
			ImgLoc:  row.ImgLoc,
		})
	}
	estimated, err := triangulate.TriangulateSyncPacket(cv.Array, &framesync.SyncPacket{SyncIndex: syncIndex, Frames: frames})
	if err != nil {
		return 0, err
	}

	ids := make([]int, 0, len(estimated))
	for id := range estimated {
		if _, cornerErr := b.Corner(id); cornerErr == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	if len(ids) < 2 {
		return 0, errors.Errorf("need at least 2 triangulated board corners at sync index %d, got %d", syncIndex, len(ids))
	}

	sum, count := 0.0, 0
	for i := 0; i < len(ids); i++ {
		cornerA, _ := b.Corner(ids[i])
		for j := i + 1; j < len(ids); j++ {
			cornerB, _ := b.Corner(ids[j])
			got := estimated[ids[i]].Sub(estimated[ids[j]]).Norm()
			if got < 1e-12 {
				continue
			}
			sum += cornerA.Sub(cornerB).Norm() / got
			count++
		}
	}
	if count == 0 {
		return 0, errors.New("board corners triangulated onto a single point")
	}

	scale := sum / float64(count)
	if err := cv.ScaleVolume(scale); err != nil {
		return 0, err
	}
	logger.Infow("volume rescaled against board geometry", "sync_index", syncIndex, "scale", scale, "corner_pairs", count)
	return scale, nil
}

// SetOriginToBoard reanchors the world frame onto the calibration board as it
// sat at one recorded sync index: board corner 0 becomes the origin with the
// board spanning the xy plane. Each camera that saw enough corners solves the
// board pose independently; the estimates are averaged and then refined
// against all observations at once.
func (cv *CaptureVolume) SetOriginToBoard(b board.Board, table *triangulate.PointTable, syncIndex int, opts OriginOptions, logger logging.Logger) error {
	if err := b.CheckValid(); err != nil {
		return err
	}
	if opts.MinCorners < 4 {
		opts.MinCorners = 4
	}
	if opts.ApplyScaleCorrection {
		if _, err := cv.ScaleToBoard(b, table, syncIndex, logger); err != nil {
			return err
		}
	}

	byPort := map[int][]triangulate.PointRow{}
	for _, row := range table.RowsAt(syncIndex) {
		byPort[row.Port] = append(byPort[row.Port], row)
	}

	var rvecs, tvecs []r3.Vector
	for _, port := range cv.Array.PosedPorts() {
		rows := byPort[port]
		if len(rows) < opts.MinCorners {
			continue
		}
		cam := cv.Array.Cameras[port]

		boardPts := make([]r2.Point, len(rows))
		imgPts := make([]r2.Point, len(rows))
		usable := 0
		for _, row := range rows {
			corner, err := b.Corner(row.PointID)
			if err != nil {
				continue
			}
			boardPts[usable] = r2.Point{X: corner.X, Y: corner.Y}
			imgPts[usable] = cam.UndistortToNormalized(row.ImgLoc)
			usable++
		}
		if usable < opts.MinCorners {
			continue
		}

		boardToCam, err := planarPose(boardPts[:usable], imgPts[:usable])
		if err != nil {
			logger.Debugw("planar pose solve failed", "port", port, "error", err)
			continue
		}
		worldToCam, err := cam.Transformation()
		if err != nil {
			return err
		}
		boardToWorld := spatialmath.Compose(spatialmath.RigidInverse(worldToCam), boardToCam)
		rvecs = append(rvecs, spatialmath.RotationToRodrigues(spatialmath.RotationOf(boardToWorld)))
		tvecs = append(tvecs, spatialmath.TranslationOf(boardToWorld))
	}
	if len(rvecs) == 0 {
		return errors.Errorf("no camera saw at least %d board corners at sync index %d", opts.MinCorners, syncIndex)
	}

	pose := meanPose(rvecs, tvecs)
	logger.Infow("board origin pose averaged", "sync_index", syncIndex, "cameras", len(rvecs))

	if !opts.SkipRefinement {
		refined, err := cv.refineBoardPose(b, byPort, pose)
		if err != nil {
			logger.Warnw("board pose refinement failed; keeping averaged pose", "error", err)
		} else {
			pose = refined
		}
	}
	return cv.ApplyTransform(pose)
}

// planarPose recovers the rigid pose of a z=0 plane from point
// correspondences on the normalized image plane, via the plane-to-image
// homography.
func planarPose(plane []r2.Point, image []r2.Point) (*mat.Dense, error) {
	if len(plane) < 4 || len(plane) != len(image) {
		return nil, errors.Errorf("planar pose needs at least 4 paired points, got %d/%d", len(plane), len(image))
	}

	a := mat.NewDense(2*len(plane), 9, nil)
	for i := range plane {
		X, Y := plane[i].X, plane[i].Y
		x, y := image[i].X, image[i].Y
		a.SetRow(2*i, []float64{X, Y, 1, 0, 0, 0, -x * X, -x * Y, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, X, Y, 1, -y * X, -y * Y, -y})
	}

	// full SVD so V keeps all 9 columns even in the minimal 4-point case
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, errors.New("homography svd failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	h := make([]float64, 9)
	for i := range h {
		h[i] = v.At(i, 8)
	}

	h1 := r3.Vector{X: h[0], Y: h[3], Z: h[6]}
	h2 := r3.Vector{X: h[1], Y: h[4], Z: h[7]}
	h3 := r3.Vector{X: h[2], Y: h[5], Z: h[8]}
	scale := 2 / (h1.Norm() + h2.Norm())
	if h3.Z*scale < 0 {
		// plane must sit in front of the camera
		scale = -scale
	}

	r1 := h1.Mul(scale)
	r2c := h2.Mul(scale)
	r3c := r1.Cross(r2c)
	trans := h3.Mul(scale)

	raw := mat.NewDense(3, 3, []float64{
		r1.X, r2c.X, r3c.X,
		r1.Y, r2c.Y, r3c.Y,
		r1.Z, r2c.Z, r3c.Z,
	})
	rot, err := nearestRotation(raw)
	if err != nil {
		return nil, err
	}
	return spatialmath.NewRigidTransform(rot, trans), nil
}

// nearestRotation projects an approximate rotation onto SO(3) via SVD.
func nearestRotation(m *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, errors.New("rotation projection svd failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		// flip the smallest singular direction to stay a proper rotation
		d := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, -1})
		var ud mat.Dense
		ud.Mul(&u, d)
		r.Mul(&ud, v.T())
	}
	return mat.DenseCopyOf(&r), nil
}

// meanPose averages Rodrigues vectors and translations componentwise. Valid
// here because the per-camera estimates describe the same pose and differ
// only by noise.
func meanPose(rvecs, tvecs []r3.Vector) *mat.Dense {
	var rsum, tsum r3.Vector
	for i := range rvecs {
		rsum = rsum.Add(rvecs[i])
		tsum = tsum.Add(tvecs[i])
	}
	n := float64(len(rvecs))
	return spatialmath.NewRigidTransform(
		spatialmath.RodriguesToRotation(rsum.Mul(1/n)),
		tsum.Mul(1/n),
	)
}

// refineBoardPose polishes the board pose by minimizing summed squared pixel
// reprojection error of the board corners across every contributing camera.
func (cv *CaptureVolume) refineBoardPose(b board.Board, byPort map[int][]triangulate.PointRow, initial *mat.Dense) (*mat.Dense, error) {
	rvec := spatialmath.RotationToRodrigues(spatialmath.RotationOf(initial))
	tvec := spatialmath.TranslationOf(initial)
	x0 := []float64{rvec.X, rvec.Y, rvec.Z, tvec.X, tvec.Y, tvec.Z}

	objective := func(x []float64) float64 {
		pose := spatialmath.NewRigidTransform(
			spatialmath.RodriguesToRotation(r3.Vector{X: x[0], Y: x[1], Z: x[2]}),
			r3.Vector{X: x[3], Y: x[4], Z: x[5]},
		)
		total := 0.0
		for _, port := range cv.Array.PosedPorts() {
			cam := cv.Array.Cameras[port]
			for _, row := range byPort[port] {
				corner, err := b.Corner(row.PointID)
				if err != nil {
					continue
				}
				world := spatialmath.TransformPoint(pose, corner)
				px, err := cam.ProjectPoint(world)
				if err != nil {
					return math.Inf(1)
				}
				dx := px.X - row.ImgLoc.X
				dy := px.Y - row.ImgLoc.Y
				total += dx*dx + dy*dy
			}
		}
		return total
	}

	result, err := optimize.Minimize(optimize.Problem{Func: objective}, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return nil, err
	}
	if err := result.Status.Err(); err != nil {
		return nil, err
	}
	if result.F > objective(x0) {
		return nil, errors.New("refinement did not improve the averaged pose")
	}
	return spatialmath.NewRigidTransform(
		spatialmath.RodriguesToRotation(r3.Vector{X: result.X[0], Y: result.X[1], Z: result.X[2]}),
		r3.Vector{X: result.X[3], Y: result.X[4], Z: result.X[5]},
	), nil
}
