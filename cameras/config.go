package cameras

import (
	"encoding/json"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// cameraConfig is the JSON layout for one camera in a rig file. Rotation is
// row-major 3x3; both pose fields are omitted for unposed cameras.
type cameraConfig struct {
	Port        int                      `json:"port"`
	Intrinsics  *PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion  []float64                `json:"distortion_parameters"`
	Error       float64                  `json:"intrinsic_rmse,omitempty"`
	Ignore      bool                     `json:"ignore,omitempty"`
	Rotation    []float64                `json:"rotation,omitempty"`
	Translation []float64                `json:"translation,omitempty"`
}

type rigConfig struct {
	Cameras []cameraConfig `json:"cameras"`
}

// LoadCameraArray reads a rig configuration from a JSON file.
func LoadCameraArray(path string) (*CameraArray, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading rig file")
	}
	var rig rigConfig
	if err := json.Unmarshal(data, &rig); err != nil {
		return nil, errors.Wrap(err, "error parsing rig JSON")
	}

	cams := map[int]*CameraData{}
	for _, conf := range rig.Cameras {
		if err := conf.Intrinsics.CheckValid(); err != nil {
			return nil, errors.Wrapf(err, "port %d", conf.Port)
		}
		distortion, err := NewBrownConrady(conf.Distortion)
		if err != nil {
			return nil, errors.Wrapf(err, "port %d", conf.Port)
		}
		cam := &CameraData{
			Port:       conf.Port,
			Intrinsics: conf.Intrinsics,
			Distortion: distortion,
			Error:      conf.Error,
			Ignore:     conf.Ignore,
		}
		if len(conf.Rotation) == 9 && len(conf.Translation) == 3 {
			cam.Rotation = mat.NewDense(3, 3, conf.Rotation)
			cam.Translation = r3.Vector{X: conf.Translation[0], Y: conf.Translation[1], Z: conf.Translation[2]}
		}
		cams[conf.Port] = cam
	}
	return NewCameraArray(cams), nil
}

// stereoPairConfig is the JSON layout of one pairwise relative-pose
// measurement.
type stereoPairConfig struct {
	PrimaryPort   int       `json:"primary_port"`
	SecondaryPort int       `json:"secondary_port"`
	Rotation      []float64 `json:"rotation"`
	Translation   []float64 `json:"translation"`
	ErrorScore    float64   `json:"rmse"`
}

// LoadStereoPairs reads the pairwise measurements produced by the external
// two-camera calibration primitive.
func LoadStereoPairs(path string) ([]StereoPair, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading stereo pairs file")
	}
	var configs []stereoPairConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, errors.Wrap(err, "error parsing stereo pairs JSON")
	}

	pairs := make([]StereoPair, 0, len(configs))
	for _, conf := range configs {
		if len(conf.Rotation) != 9 || len(conf.Translation) != 3 {
			return nil, errors.Errorf("pair (%d,%d) needs a 9-element rotation and 3-element translation",
				conf.PrimaryPort, conf.SecondaryPort)
		}
		pairs = append(pairs, StereoPair{
			PrimaryPort:   conf.PrimaryPort,
			SecondaryPort: conf.SecondaryPort,
			Rotation:      mat.NewDense(3, 3, conf.Rotation),
			Translation:   r3.Vector{X: conf.Translation[0], Y: conf.Translation[1], Z: conf.Translation[2]},
			ErrorScore:    conf.ErrorScore,
		})
	}
	return pairs, nil
}

// SaveCameraArray writes a rig configuration to a JSON file.
func SaveCameraArray(path string, array *CameraArray) error {
	rig := rigConfig{}
	for _, port := range array.Ports() {
		cam := array.Cameras[port]
		conf := cameraConfig{
			Port:       cam.Port,
			Intrinsics: cam.Intrinsics,
			Distortion: cam.Distortion.Parameters(),
			Error:      cam.Error,
			Ignore:     cam.Ignore,
		}
		if cam.Posed() {
			conf.Rotation = make([]float64, 0, 9)
			for i := 0; i < 3; i++ {
				for j := 0; j < 3; j++ {
					conf.Rotation = append(conf.Rotation, cam.Rotation.At(i, j))
				}
			}
			conf.Translation = []float64{cam.Translation.X, cam.Translation.Y, cam.Translation.Z}
		}
		rig.Cameras = append(rig.Cameras, conf)
	}
	data, err := json.MarshalIndent(rig, "", "  ")
	if err != nil {
		return errors.Wrap(err, "error encoding rig JSON")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "error writing rig file")
}
