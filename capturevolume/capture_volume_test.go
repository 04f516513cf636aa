package capturevolume_test

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/mprib/caliscope/board"
	"github.com/mprib/caliscope/cameras"
	"github.com/mprib/caliscope/capturevolume"
	"github.com/mprib/caliscope/logging"
	"github.com/mprib/caliscope/spatialmath"
	"github.com/mprib/caliscope/synthetic"
	"github.com/mprib/caliscope/triangulate"
)

// buildVolume renders landmark fields through a circular rig and assembles a
// capture volume from the resulting observation table.
func buildVolume(t *testing.T, cams int, noise float64, seed int64) (*capturevolume.CaptureVolume, *triangulate.PointTable) {
	t.Helper()
	rig := synthetic.CircularRig(cams, 2.0)
	rng := rand.New(rand.NewSource(seed))

	frames := make([]map[int]r3.Vector, 3)
	for i := range frames {
		frames[i] = synthetic.RandomPoints(rng, 15, 0.5)
	}
	table := synthetic.ProjectToTable(rig, frames, synthetic.ProjectOptions{
		NoiseStdDev: noise,
		Rng:         rng,
	})

	points, err := capturevolume.BuildPointEstimates(rig, table)
	test.That(t, err, test.ShouldBeNil)
	cv, err := capturevolume.NewCaptureVolume(rig, points)
	test.That(t, err, test.ShouldBeNil)
	return cv, table
}

func TestRMSENearZeroOnPerfectData(t *testing.T) {
	cv, _ := buildVolume(t, 4, 0, 1)
	rmse, err := cv.RMSE()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rmse, test.ShouldBeLessThan, 1e-6)

	byCam, err := cv.RMSEByCamera()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(byCam), test.ShouldEqual, 4)
	for _, v := range byCam {
		test.That(t, v, test.ShouldBeLessThan, 1e-6)
	}
}

func TestRMSEAveragesSquaredErrorPerObservation(t *testing.T) {
	cv, _ := buildVolume(t, 4, 0, 2)

	// displacing every detection by a fixed (0.3, 0.4) pixel offset makes
	// each observation contribute exactly 0.25 squared pixels of error, so
	// sqrt(mean(dx²+dy²)) must come out at 0.5
	for k := range cv.Points.Img {
		cv.Points.Img[k].X += 0.3
		cv.Points.Img[k].Y += 0.4
	}

	rmse, err := cv.RMSE()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rmse, test.ShouldAlmostEqual, 0.5, 1e-6)

	byCam, err := cv.RMSEByCamera()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(byCam), test.ShouldEqual, 4)
	for _, v := range byCam {
		test.That(t, v, test.ShouldAlmostEqual, 0.5, 1e-6)
	}
}

func TestOptimizeRecoversPerturbedPoses(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rig := synthetic.CircularRig(4, 2.0)
	rng := rand.New(rand.NewSource(3))

	frames := make([]map[int]r3.Vector, 3)
	for i := range frames {
		frames[i] = synthetic.RandomPoints(rng, 20, 0.5)
	}
	table := synthetic.ProjectToTable(rig, frames, synthetic.ProjectOptions{})

	// knock the poses slightly off before triangulating the initial landmarks
	for _, port := range rig.PosedPorts() {
		cam := rig.Cameras[port]
		vec, err := cam.ExtrinsicsToVector()
		test.That(t, err, test.ShouldBeNil)
		for i := range vec {
			vec[i] += (rng.Float64() - 0.5) * 0.004
		}
		test.That(t, cam.ExtrinsicsFromVector(vec), test.ShouldBeNil)
	}

	points, err := capturevolume.BuildPointEstimates(rig, table)
	test.That(t, err, test.ShouldBeNil)
	cv, err := capturevolume.NewCaptureVolume(rig, points)
	test.That(t, err, test.ShouldBeNil)

	before, err := cv.RMSE()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, before, test.ShouldBeGreaterThan, 0.01)

	test.That(t, cv.Optimize(logger), test.ShouldBeNil)
	test.That(t, cv.Stage, test.ShouldEqual, 1)

	after, err := cv.RMSE()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, after, test.ShouldBeLessThan, before)
	test.That(t, after, test.ShouldBeLessThan, 0.01)
}

func TestOptimizeRejectsNumericalBreakdown(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cv, _ := buildVolume(t, 3, 0, 10)

	// a corrupt detection poisons the normal equations at every damping
	// level; the solver must surface the failure rather than declare
	// convergence on the untouched iterate
	cv.Points.Img[0] = r2.Point{X: math.NaN(), Y: math.NaN()}
	test.That(t, cv.Optimize(logger), test.ShouldNotBeNil)
	test.That(t, cv.Stage, test.ShouldEqual, 0)
}

func TestFilterDropsWorstObservations(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cv, _ := buildVolume(t, 4, 0.5, 5)

	obsBefore := cv.Points.ObservationCount()
	err := cv.Filter(0.1, capturevolume.FilterReprojection, board.Board{}, logger)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, cv.Points.ObservationCount(), test.ShouldBeLessThan, obsBefore)
	test.That(t, cv.Points.CheckValid(), test.ShouldBeNil)
}

func TestFilterRemovesTiedScores(t *testing.T) {
	logger := logging.NewTestLogger(t)
	intr := &cameras.PinholeCameraIntrinsics{Width: 1280, Height: 720, Fx: 900, Fy: 900, Ppx: 640, Ppy: 360}
	identity := func() *mat.Dense {
		return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	}
	rig := cameras.NewCameraArray(map[int]*cameras.CameraData{
		1: {Port: 1, Intrinsics: intr, Rotation: identity(), Translation: r3.Vector{Z: 2}},
		2: {Port: 2, Intrinsics: intr, Rotation: identity(), Translation: r3.Vector{X: 0.3, Z: 2}},
	})

	// with identity rotations the reprojection arithmetic reduces to the
	// expression below, so these detections reproject with exactly zero
	// residual and every observation ties at the percentile cutoff
	proj := func(cam *cameras.CameraData, p r3.Vector) r2.Point {
		xn := (p.X + cam.Translation.X) / (p.Z + cam.Translation.Z)
		yn := (p.Y + cam.Translation.Y) / (p.Z + cam.Translation.Z)
		return cam.Intrinsics.NormalizedToPixel(r2.Point{X: xn, Y: yn})
	}

	points := &capturevolume.PointEstimates{}
	for j := 0; j < 6; j++ {
		p := r3.Vector{X: 0.1*float64(j) - 0.25, Y: 0.05 * float64(j), Z: 0.02 * float64(j)}
		points.Obj = append(points.Obj, p)
		for c, port := range []int{1, 2} {
			points.SyncIndices = append(points.SyncIndices, 0)
			points.CameraIndices = append(points.CameraIndices, c)
			points.PointIDs = append(points.PointIDs, j)
			points.Img = append(points.Img, proj(rig.Cameras[port], p))
			points.BoardLocs = append(points.BoardLocs, r2.Point{})
			points.ObjIndices = append(points.ObjIndices, j)
		}
	}
	cv, err := capturevolume.NewCaptureVolume(rig, points)
	test.That(t, err, test.ShouldBeNil)

	obsBefore := cv.Points.ObservationCount()
	test.That(t, cv.Filter(0.2, capturevolume.FilterReprojection, board.Board{}, logger), test.ShouldBeNil)
	test.That(t, cv.Points.ObservationCount(), test.ShouldBeLessThan, obsBefore)
	test.That(t, cv.Points.CheckValid(), test.ShouldBeNil)
}

func TestFilterBoardDistanceMetric(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rig := synthetic.CircularRig(4, 2.0)
	b := board.Board{Columns: 5, Rows: 4, SquareSize: 0.05}
	corners := synthetic.BoardFrame(b, spatialmath.Identity())
	table := synthetic.ProjectToTable(rig, []map[int]r3.Vector{corners, corners}, synthetic.ProjectOptions{
		BoardLocs: synthetic.BoardLocs(b),
	})

	points, err := capturevolume.BuildPointEstimates(rig, table)
	test.That(t, err, test.ShouldBeNil)
	cv, err := capturevolume.NewCaptureVolume(rig, points)
	test.That(t, err, test.ShouldBeNil)

	obsBefore := cv.Points.ObservationCount()
	test.That(t, cv.Filter(0.2, capturevolume.FilterBoardDistance, b, logger), test.ShouldBeNil)
	test.That(t, cv.Points.ObservationCount(), test.ShouldBeLessThanOrEqualTo, obsBefore)
	test.That(t, cv.Points.CheckValid(), test.ShouldBeNil)
}

func TestFilterRejectsBadFraction(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cv, _ := buildVolume(t, 3, 0, 6)
	test.That(t, cv.Filter(0, capturevolume.FilterReprojection, board.Board{}, logger), test.ShouldNotBeNil)
	test.That(t, cv.Filter(1, capturevolume.FilterReprojection, board.Board{}, logger), test.ShouldNotBeNil)
}

func TestApplyTransformIsIsometric(t *testing.T) {
	cv, _ := buildVolume(t, 3, 0, 7)

	rmseBefore, err := cv.RMSE()
	test.That(t, err, test.ShouldBeNil)
	p0 := cv.Points.Obj[0]
	p1 := cv.Points.Obj[1]
	distBefore := p0.Sub(p1).Norm()

	shift := spatialmath.NewRigidTransform(
		spatialmath.RodriguesToRotation(r3.Vector{X: 0.3, Y: -0.2, Z: 0.9}),
		r3.Vector{X: 1.5, Y: -0.7, Z: 0.25},
	)
	test.That(t, cv.ApplyTransform(shift), test.ShouldBeNil)

	rmseAfter, err := cv.RMSE()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rmseAfter, test.ShouldAlmostEqual, rmseBefore, 1e-6)
	distAfter := cv.Points.Obj[0].Sub(cv.Points.Obj[1]).Norm()
	test.That(t, distAfter, test.ShouldAlmostEqual, distBefore, 1e-9)
}

func TestApplyTransformRejectsNonRigid(t *testing.T) {
	cv, _ := buildVolume(t, 3, 0, 8)
	scaled := mat.NewDense(4, 4, []float64{
		2, 0, 0, 0,
		0, 2, 0, 0,
		0, 0, 2, 0,
		0, 0, 0, 1,
	})
	test.That(t, cv.ApplyTransform(scaled), test.ShouldNotBeNil)
}

func TestRotate90FullCircle(t *testing.T) {
	cv, _ := buildVolume(t, 3, 0, 9)
	orig := cv.Points.Obj[0]

	for i := 0; i < 4; i++ {
		test.That(t, cv.Rotate90(capturevolume.AxisZ, 1), test.ShouldBeNil)
	}
	test.That(t, cv.Points.Obj[0].X, test.ShouldAlmostEqual, orig.X, 1e-9)
	test.That(t, cv.Points.Obj[0].Y, test.ShouldAlmostEqual, orig.Y, 1e-9)
	test.That(t, cv.Points.Obj[0].Z, test.ShouldAlmostEqual, orig.Z, 1e-9)
}

func TestScaleToBoardRestoresMetricScale(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rig := synthetic.CircularRig(4, 2.0)
	b := board.Board{Columns: 5, Rows: 4, SquareSize: 0.05}
	corners := synthetic.BoardFrame(b, spatialmath.Identity())
	table := synthetic.ProjectToTable(rig, []map[int]r3.Vector{corners}, synthetic.ProjectOptions{
		BoardLocs: synthetic.BoardLocs(b),
	})

	points, err := capturevolume.BuildPointEstimates(rig, table)
	test.That(t, err, test.ShouldBeNil)
	cv, err := capturevolume.NewCaptureVolume(rig, points)
	test.That(t, err, test.ShouldBeNil)

	rmseBefore, err := cv.RMSE()
	test.That(t, err, test.ShouldBeNil)

	// stretch the volume, then recover metric scale from the board geometry
	test.That(t, cv.ScaleVolume(2.0), test.ShouldBeNil)
	scale, err := cv.ScaleToBoard(b, table, 0, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, scale, test.ShouldAlmostEqual, 0.5, 1e-6)

	rmseAfter, err := cv.RMSE()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rmseAfter, test.ShouldAlmostEqual, rmseBefore, 1e-6)

	c0, _ := b.Corner(0)
	c1, _ := b.Corner(1)
	want := c0.Sub(c1).Norm()
	got := cv.Points.Obj[0].Sub(cv.Points.Obj[1]).Norm()
	test.That(t, got, test.ShouldAlmostEqual, want, 1e-6)
}

func TestSetOriginToBoard(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rig := synthetic.CircularRig(4, 2.0)
	b := board.Board{Columns: 5, Rows: 4, SquareSize: 0.05}

	boardPose := spatialmath.NewRigidTransform(
		spatialmath.RodriguesToRotation(r3.Vector{X: 0.1, Y: 0.2, Z: -0.15}),
		r3.Vector{X: 0.2, Y: -0.1, Z: 0.05},
	)
	corners := synthetic.BoardFrame(b, boardPose)
	table := synthetic.ProjectToTable(rig, []map[int]r3.Vector{corners}, synthetic.ProjectOptions{
		BoardLocs: synthetic.BoardLocs(b),
	})

	points, err := capturevolume.BuildPointEstimates(rig, table)
	test.That(t, err, test.ShouldBeNil)
	cv, err := capturevolume.NewCaptureVolume(rig, points)
	test.That(t, err, test.ShouldBeNil)

	err = cv.SetOriginToBoard(b, table, 0, capturevolume.OriginOptions{}, logger)
	test.That(t, err, test.ShouldBeNil)

	// triangulating the same observations against the reanchored rig must
	// land each corner at its board-frame location in the z=0 plane
	rows, err := triangulate.TriangulateTable(context.Background(), cv.Array, table, 0, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(rows), test.ShouldEqual, b.CornerCount())
	for _, row := range rows {
		corner, err := b.Corner(row.PointID)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, row.Point.X, test.ShouldAlmostEqual, corner.X, 1e-5)
		test.That(t, row.Point.Y, test.ShouldAlmostEqual, corner.Y, 1e-5)
		test.That(t, row.Point.Z, test.ShouldAlmostEqual, 0, 1e-5)
	}
}
