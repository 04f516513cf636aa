package capturevolume

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/mprib/caliscope/cameras"
	"github.com/mprib/caliscope/logging"
)

// CaptureVolume couples a posed camera array with its shared landmark
// estimates. Optimization refines both jointly; Stage counts the completed
// optimize/filter rounds.
type CaptureVolume struct {
	Array  *cameras.CameraArray
	Points *PointEstimates
	Stage  int
}

// NewCaptureVolume validates the estimates against the array and wraps them.
func NewCaptureVolume(array *cameras.CameraArray, points *PointEstimates) (*CaptureVolume, error) {
	if err := points.CheckValid(); err != nil {
		return nil, err
	}
	posed := len(array.PosedPorts())
	for _, camIdx := range points.CameraIndices {
		if camIdx < 0 || camIdx >= posed {
			return nil, errors.Errorf("camera index %d out of range for %d posed cameras", camIdx, posed)
		}
	}
	return &CaptureVolume{Array: array, Points: points}, nil
}

// Vectorize packs the free parameters: 6 extrinsics per posed camera followed
// by 3 coordinates per landmark.
func (cv *CaptureVolume) Vectorize() ([]float64, error) {
	x, err := cv.Array.ExtrinsicVector()
	if err != nil {
		return nil, err
	}
	for _, p := range cv.Points.Obj {
		x = append(x, p.X, p.Y, p.Z)
	}
	return x, nil
}

// applyVector writes an optimization vector back into the array and landmark
// estimates.
func (cv *CaptureVolume) applyVector(x []float64) error {
	camParams := len(cv.Array.PosedPorts()) * cameras.CameraParamCount
	if len(x) != camParams+cv.Points.LandmarkCount()*PointParamCount {
		return errors.Errorf("optimization vector has %d elements, want %d",
			len(x), camParams+cv.Points.LandmarkCount()*PointParamCount)
	}
	if err := cv.Array.SetExtrinsicVector(x[:camParams]); err != nil {
		return err
	}
	for i := range cv.Points.Obj {
		base := camParams + i*PointParamCount
		cv.Points.Obj[i] = r3.Vector{X: x[base], Y: x[base+1], Z: x[base+2]}
	}
	return nil
}

// residuals evaluates the pixel reprojection error of every observation under
// the parameter vector, two entries per observation, without mutating the
// capture volume.
func (cv *CaptureVolume) residuals(x []float64) ([]float64, error) {
	indexPort := cv.Array.IndexPort()
	camCount := len(indexPort)
	camParams := camCount * cameras.CameraParamCount

	out := make([]float64, 2*cv.Points.ObservationCount())
	for k := 0; k < cv.Points.ObservationCount(); k++ {
		camIdx := cv.Points.CameraIndices[k]
		objIdx := cv.Points.ObjIndices[k]
		cam := cv.Array.Cameras[indexPort[camIdx]]

		base := camParams + objIdx*PointParamCount
		world := r3.Vector{X: x[base], Y: x[base+1], Z: x[base+2]}
		proj, err := projectWithExtrinsics(cam, x[camIdx*cameras.CameraParamCount:(camIdx+1)*cameras.CameraParamCount], world)
		if err != nil {
			return nil, err
		}
		out[2*k] = proj.X - cv.Points.Img[k].X
		out[2*k+1] = proj.Y - cv.Points.Img[k].Y
	}
	return out, nil
}

// RMSE returns the root-mean-square pixel reprojection error over all
// observations at the current estimates.
func (cv *CaptureVolume) RMSE() (float64, error) {
	x, err := cv.Vectorize()
	if err != nil {
		return 0, err
	}
	res, err := cv.residuals(x)
	if err != nil {
		return 0, err
	}
	return rmseOf(res), nil
}

// RMSEByCamera breaks the reprojection error down per port, exposing which
// cameras drag the calibration down.
func (cv *CaptureVolume) RMSEByCamera() (map[int]float64, error) {
	x, err := cv.Vectorize()
	if err != nil {
		return nil, err
	}
	res, err := cv.residuals(x)
	if err != nil {
		return nil, err
	}

	indexPort := cv.Array.IndexPort()
	sums := map[int]float64{}
	counts := map[int]int{}
	for k := 0; k < cv.Points.ObservationCount(); k++ {
		port := indexPort[cv.Points.CameraIndices[k]]
		sums[port] += res[2*k]*res[2*k] + res[2*k+1]*res[2*k+1]
		counts[port]++
	}
	out := map[int]float64{}
	for port, sum := range sums {
		out[port] = math.Sqrt(sum / float64(counts[port]))
	}
	return out, nil
}

// Optimize runs sparse bundle adjustment over the rig and landmarks. The
// refined state is committed only when the solver converges and the overall
// reprojection error did not get worse; otherwise the capture volume is left
// untouched and an error is returned.
func (cv *CaptureVolume) Optimize(logger logging.Logger) error {
	before, err := cv.RMSE()
	if err != nil {
		return err
	}
	x0, err := cv.Vectorize()
	if err != nil {
		return err
	}
	logger.Infow("bundle adjustment starting",
		"cameras", len(cv.Array.PosedPorts()),
		"landmarks", cv.Points.LandmarkCount(),
		"observations", cv.Points.ObservationCount(),
		"rmse", before,
	)

	solved, err := solveSparseLM(cv, x0, logger)
	if err != nil {
		return errors.Wrap(err, "bundle adjustment did not converge")
	}

	res, err := cv.residuals(solved)
	if err != nil {
		return err
	}
	after := rmseOf(res)
	if after > before {
		return errors.Errorf("optimization worsened reprojection error from %.6f to %.6f; result rejected", before, after)
	}

	if err := cv.applyVector(solved); err != nil {
		return err
	}
	cv.Stage++
	logger.Infow("bundle adjustment committed", "stage", cv.Stage, "rmse", after)
	return nil
}

// rmseOf reduces paired x/y residuals to sqrt(mean(dx²+dy²)), averaging the
// squared euclidean error over observations, not residual components.
func rmseOf(residuals []float64) float64 {
	if len(residuals) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range residuals {
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(residuals)/2))
}
