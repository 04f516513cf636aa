package cameras

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CameraParamCount is the number of free extrinsic parameters per camera in
// the bundle adjustment vector: 3 Rodrigues rotation + 3 translation.
const CameraParamCount = 6

// CameraArray is the ordered port-to-camera mapping for one calibration run.
// The port set is fixed for the run; only poses mutate after construction.
type CameraArray struct {
	Cameras map[int]*CameraData
}

// NewCameraArray wraps a port-keyed camera map.
func NewCameraArray(cams map[int]*CameraData) *CameraArray {
	return &CameraArray{Cameras: cams}
}

// Ports returns all ports in ascending order.
func (ca *CameraArray) Ports() []int {
	ports := make([]int, 0, len(ca.Cameras))
	for port := range ca.Cameras {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// PosedPorts returns the ascending ports of cameras that are posed and not
// ignored; these are the cameras participating in optimization.
func (ca *CameraArray) PosedPorts() []int {
	ports := make([]int, 0, len(ca.Cameras))
	for port, cam := range ca.Cameras {
		if cam.Posed() && !cam.Ignore {
			ports = append(ports, port)
		}
	}
	sort.Ints(ports)
	return ports
}

// PortIndex maps each posed port to its zero-based optimization index.
func (ca *CameraArray) PortIndex() map[int]int {
	index := map[int]int{}
	for i, port := range ca.PosedPorts() {
		index[port] = i
	}
	return index
}

// IndexPort maps zero-based optimization indices back to ports.
func (ca *CameraArray) IndexPort() map[int]int {
	index := map[int]int{}
	for i, port := range ca.PosedPorts() {
		index[i] = port
	}
	return index
}

// ExtrinsicVector concatenates the 6-element extrinsic vectors of all posed
// cameras in port order.
func (ca *CameraArray) ExtrinsicVector() ([]float64, error) {
	ports := ca.PosedPorts()
	if len(ports) == 0 {
		return nil, errors.New("no posed cameras available")
	}
	out := make([]float64, 0, len(ports)*CameraParamCount)
	for _, port := range ports {
		vec, err := ca.Cameras[port].ExtrinsicsToVector()
		if err != nil {
			return nil, err
		}
		out = append(out, vec...)
	}
	return out, nil
}

// SetExtrinsicVector writes solved extrinsics back into the posed cameras.
func (ca *CameraArray) SetExtrinsicVector(x []float64) error {
	ports := ca.PosedPorts()
	if len(x) != len(ports)*CameraParamCount {
		return errors.Errorf("extrinsic vector length %d does not match %d posed cameras", len(x), len(ports))
	}
	for i, port := range ports {
		if err := ca.Cameras[port].ExtrinsicsFromVector(x[i*CameraParamCount : (i+1)*CameraParamCount]); err != nil {
			return err
		}
	}
	return nil
}

// ProjectionMatrices returns the 3x4 pixel projection matrix per posed port.
func (ca *CameraArray) ProjectionMatrices() (map[int]*mat.Dense, error) {
	out := map[int]*mat.Dense{}
	for _, port := range ca.PosedPorts() {
		proj, err := ca.Cameras[port].ProjectionMatrix()
		if err != nil {
			return nil, err
		}
		out[port] = proj
	}
	return out, nil
}

// NormalizedProjectionMatrices returns the 3x4 [R|t] matrix per posed port,
// for triangulating undistorted normalized observations.
func (ca *CameraArray) NormalizedProjectionMatrices() (map[int]*mat.Dense, error) {
	out := map[int]*mat.Dense{}
	for _, port := range ca.PosedPorts() {
		proj, err := ca.Cameras[port].NormalizedProjectionMatrix()
		if err != nil {
			return nil, err
		}
		out[port] = proj
	}
	return out, nil
}
