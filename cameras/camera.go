package cameras

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mprib/caliscope/spatialmath"
)

// ErrNotPosed is returned when an operation needs extrinsics a camera lacks.
var ErrNotPosed = errors.New("camera has no extrinsic pose")

// CameraData holds the calibration state of one camera on the rig. Rotation
// and Translation together map world coordinates into the camera frame; a nil
// Rotation marks a camera that has not been posed yet.
type CameraData struct {
	Port       int
	Intrinsics *PinholeCameraIntrinsics
	Distortion *BrownConrady

	Rotation    *mat.Dense // 3x3, world to camera; nil if unposed
	Translation r3.Vector

	// Error is the RMSE of the external intrinsic calibration, informational.
	Error float64
	// Ignore excludes the camera from pose seeding and optimization.
	Ignore bool
}

// Posed reports whether extrinsics have been estimated for this camera.
func (cd *CameraData) Posed() bool {
	return cd.Rotation != nil
}

// Transformation returns the 4x4 homogeneous world-to-camera transform.
func (cd *CameraData) Transformation() (*mat.Dense, error) {
	if !cd.Posed() {
		return nil, errors.Wrapf(ErrNotPosed, "port %d", cd.Port)
	}
	return spatialmath.NewRigidTransform(cd.Rotation, cd.Translation), nil
}

// SetTransformation updates the pose from a 4x4 homogeneous transform.
func (cd *CameraData) SetTransformation(t *mat.Dense) {
	cd.Rotation = spatialmath.RotationOf(t)
	cd.Translation = spatialmath.TranslationOf(t)
}

// ProjectionMatrix returns the 3x4 matrix K·[R|t].
func (cd *CameraData) ProjectionMatrix() (*mat.Dense, error) {
	normalized, err := cd.NormalizedProjectionMatrix()
	if err != nil {
		return nil, err
	}
	if err := cd.Intrinsics.CheckValid(); err != nil {
		return nil, errors.Wrapf(err, "port %d", cd.Port)
	}
	proj := mat.NewDense(3, 4, nil)
	proj.Mul(cd.Intrinsics.GetCameraMatrix(), normalized)
	return proj, nil
}

// NormalizedProjectionMatrix returns the 3x4 matrix [R|t], the projection for
// an ideal camera operating on the normalized image plane.
func (cd *CameraData) NormalizedProjectionMatrix() (*mat.Dense, error) {
	if !cd.Posed() {
		return nil, errors.Wrapf(ErrNotPosed, "port %d", cd.Port)
	}
	proj := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			proj.Set(i, j, cd.Rotation.At(i, j))
		}
	}
	proj.Set(0, 3, cd.Translation.X)
	proj.Set(1, 3, cd.Translation.Y)
	proj.Set(2, 3, cd.Translation.Z)
	return proj, nil
}

// ExtrinsicsToVector packs the pose as a 6-vector of 3 Rodrigues rotation
// components followed by 3 translation components, the layout used by bundle
// adjustment.
func (cd *CameraData) ExtrinsicsToVector() ([]float64, error) {
	if !cd.Posed() {
		return nil, errors.Wrapf(ErrNotPosed, "port %d", cd.Port)
	}
	rvec := spatialmath.RotationToRodrigues(cd.Rotation)
	return []float64{rvec.X, rvec.Y, rvec.Z, cd.Translation.X, cd.Translation.Y, cd.Translation.Z}, nil
}

// ExtrinsicsFromVector updates the pose from a 6-vector in the layout
// produced by ExtrinsicsToVector.
func (cd *CameraData) ExtrinsicsFromVector(v []float64) error {
	if len(v) != 6 {
		return errors.Errorf("extrinsic vector must have 6 elements, got %d", len(v))
	}
	cd.Rotation = spatialmath.RodriguesToRotation(r3.Vector{X: v[0], Y: v[1], Z: v[2]})
	cd.Translation = r3.Vector{X: v[3], Y: v[4], Z: v[5]}
	return nil
}

// ProjectPoint maps a world point through the full camera model, extrinsics
// then distortion then intrinsics, to a pixel location.
func (cd *CameraData) ProjectPoint(p r3.Vector) (r2.Point, error) {
	if !cd.Posed() {
		return r2.Point{}, errors.Wrapf(ErrNotPosed, "port %d", cd.Port)
	}
	camFrame := spatialmath.TransformPoint(spatialmath.NewRigidTransform(cd.Rotation, cd.Translation), p)
	return cd.projectCameraFrame(camFrame), nil
}

func (cd *CameraData) projectCameraFrame(camFrame r3.Vector) r2.Point {
	xn := camFrame.X / camFrame.Z
	yn := camFrame.Y / camFrame.Z
	xd, yd := cd.Distortion.Distort(xn, yn)
	return cd.Intrinsics.NormalizedToPixel(r2.Point{X: xd, Y: yd})
}

// UndistortToNormalized maps a raw pixel detection onto the ideal normalized
// image plane, inverting both intrinsics and lens distortion.
func (cd *CameraData) UndistortToNormalized(pt r2.Point) r2.Point {
	normalized := cd.Intrinsics.PixelToNormalized(pt)
	xu, yu := cd.Distortion.Undistort(normalized.X, normalized.Y)
	return r2.Point{X: xu, Y: yu}
}
