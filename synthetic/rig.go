// Package synthetic generates camera rigs, landmark fields, and observation
// tables with known ground truth for exercising the calibration pipeline.
package synthetic

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/mprib/caliscope/cameras"
	"github.com/mprib/caliscope/spatialmath"
)

// DefaultIntrinsics returns a plausible 1280x720 pinhole model.
func DefaultIntrinsics() *cameras.PinholeCameraIntrinsics {
	return &cameras.PinholeCameraIntrinsics{
		Width:  1280,
		Height: 720,
		Fx:     900,
		Fy:     900,
		Ppx:    640,
		Ppy:    360,
	}
}

// CircularRig places n cameras evenly on a circle of the given radius, raised
// slightly above the plane and aimed at the origin. Ports are numbered from 1.
func CircularRig(n int, radius float64) *cameras.CameraArray {
	cams := map[int]*cameras.CameraData{}
	height := 0.4 * radius
	for i := 0; i < n; i++ {
		theta := 2 * math.Pi * float64(i) / float64(n)
		pos := r3.Vector{
			X: radius * math.Cos(theta),
			Y: radius * math.Sin(theta),
			Z: height,
		}
		rot, trans := lookAt(pos, r3.Vector{}, r3.Vector{Z: 1})
		cams[i+1] = &cameras.CameraData{
			Port:        i + 1,
			Intrinsics:  DefaultIntrinsics(),
			Distortion:  &cameras.BrownConrady{},
			Rotation:    rot,
			Translation: trans,
		}
	}
	return cameras.NewCameraArray(cams)
}

// lookAt builds world-to-camera extrinsics for a camera at pos aimed at
// target, using the y-down image convention.
func lookAt(pos, target, up r3.Vector) (*mat.Dense, r3.Vector) {
	forward := target.Sub(pos).Normalize()
	right := forward.Cross(up).Normalize()
	down := forward.Cross(right)

	rot := mat.NewDense(3, 3, []float64{
		right.X, right.Y, right.Z,
		down.X, down.Y, down.Z,
		forward.X, forward.Y, forward.Z,
	})
	// t = -R * pos
	trans := r3.Vector{
		X: -(rot.At(0, 0)*pos.X + rot.At(0, 1)*pos.Y + rot.At(0, 2)*pos.Z),
		Y: -(rot.At(1, 0)*pos.X + rot.At(1, 1)*pos.Y + rot.At(1, 2)*pos.Z),
		Z: -(rot.At(2, 0)*pos.X + rot.At(2, 1)*pos.Y + rot.At(2, 2)*pos.Z),
	}
	return rot, trans
}

// RandomPoints scatters n landmarks uniformly inside a cube of the given
// half-extent centered at the origin. Point IDs start at 0.
func RandomPoints(rng *rand.Rand, n int, extent float64) map[int]r3.Vector {
	out := map[int]r3.Vector{}
	for i := 0; i < n; i++ {
		out[i] = r3.Vector{
			X: (2*rng.Float64() - 1) * extent,
			Y: (2*rng.Float64() - 1) * extent,
			Z: (2*rng.Float64() - 1) * extent * 0.5,
		}
	}
	return out
}

// GroundTruthPairs derives exact pairwise relative poses between consecutive
// posed ports, each stamped with the given error score.
func GroundTruthPairs(array *cameras.CameraArray, errorScore float64) []cameras.StereoPair {
	ports := array.PosedPorts()
	var pairs []cameras.StereoPair
	for i := 1; i < len(ports); i++ {
		a, b := ports[i-1], ports[i]
		ta, err := array.Cameras[a].Transformation()
		if err != nil {
			continue
		}
		tb, err := array.Cameras[b].Transformation()
		if err != nil {
			continue
		}
		rel := spatialmath.Compose(tb, spatialmath.RigidInverse(ta))
		pairs = append(pairs, cameras.StereoPair{
			PrimaryPort:   a,
			SecondaryPort: b,
			Rotation:      spatialmath.RotationOf(rel),
			Translation:   spatialmath.TranslationOf(rel),
			ErrorScore:    errorScore,
		})
	}
	return pairs
}
