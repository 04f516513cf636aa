// Package cameras models the camera rig: pinhole intrinsics, lens distortion,
// per-camera extrinsics, and construction of a globally consistent camera
// array from pairwise stereo calibration measurements.
package cameras

import (
	"encoding/json"
	"os"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is returned when a camera is missing intrinsic parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// PinholeCameraIntrinsics holds the parameters of a perspective projection
// from the camera frame to the 2D pixel plane. Computed once per camera by an
// external single-camera calibration and treated as fixed input.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return errors.Wrap(ErrNoIntrinsics, "intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid size (%d, %d)", params.Width, params.Height)
	}
	if params.Fx <= 0 || params.Fy <= 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid focal length (%f, %f)", params.Fx, params.Fy)
	}
	if params.Ppx < 0 || params.Ppy < 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid principal point (%f, %f)", params.Ppx, params.Ppy)
	}
	return nil
}

// GetCameraMatrix creates the 3x3 calibration matrix
// [[fx 0 ppx], [0 fy ppy], [0 0 1]].
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	k := mat.NewDense(3, 3, nil)
	k.Set(0, 0, params.Fx)
	k.Set(1, 1, params.Fy)
	k.Set(0, 2, params.Ppx)
	k.Set(1, 2, params.Ppy)
	k.Set(2, 2, 1)
	return k
}

// PixelToNormalized maps a pixel location onto the normalized image plane.
func (params *PinholeCameraIntrinsics) PixelToNormalized(pt r2.Point) r2.Point {
	return r2.Point{
		X: (pt.X - params.Ppx) / params.Fx,
		Y: (pt.Y - params.Ppy) / params.Fy,
	}
}

// NormalizedToPixel maps a normalized image plane location to pixels.
func (params *PinholeCameraIntrinsics) NormalizedToPixel(pt r2.Point) r2.Point {
	return r2.Point{
		X: pt.X*params.Fx + params.Ppx,
		Y: pt.Y*params.Fy + params.Ppy,
	}
}

// NewPinholeCameraIntrinsicsFromJSONFile reads intrinsics from a JSON file.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	byteValue, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading intrinsics file")
	}
	intrinsics := &PinholeCameraIntrinsics{}
	if err := json.Unmarshal(byteValue, intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing intrinsics JSON")
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return intrinsics, nil
}
