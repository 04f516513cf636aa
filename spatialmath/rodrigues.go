package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// RodriguesToRotation converts a Rodrigues rotation vector (axis scaled by
// angle in radians) to a 3x3 rotation matrix.
func RodriguesToRotation(v r3.Vector) *mat.Dense {
	theta := v.Norm()
	rot := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	if theta < 1e-12 {
		return rot
	}
	axis := v.Mul(1 / theta)
	k := mat.NewDense(3, 3, []float64{
		0, -axis.Z, axis.Y,
		axis.Z, 0, -axis.X,
		-axis.Y, axis.X, 0,
	})
	var k2 mat.Dense
	k2.Mul(k, k)

	var sinTerm, cosTerm mat.Dense
	sinTerm.Scale(math.Sin(theta), k)
	cosTerm.Scale(1-math.Cos(theta), &k2)
	rot.Add(rot, &sinTerm)
	rot.Add(rot, &cosTerm)
	return rot
}

// RotationToRodrigues converts a 3x3 rotation matrix to a Rodrigues vector.
func RotationToRodrigues(rot *mat.Dense) r3.Vector {
	trace := rot.At(0, 0) + rot.At(1, 1) + rot.At(2, 2)
	cosTheta := math.Max(-1, math.Min(1, (trace-1)/2))
	theta := math.Acos(cosTheta)

	// off-diagonal antisymmetric part, equal to 2 sin(theta) * axis
	raw := r3.Vector{
		X: rot.At(2, 1) - rot.At(1, 2),
		Y: rot.At(0, 2) - rot.At(2, 0),
		Z: rot.At(1, 0) - rot.At(0, 1),
	}

	sinTheta := math.Sin(theta)
	switch {
	case theta < 1e-7:
		// small angle: vector is approximately the antisymmetric part halved
		return raw.Mul(0.5)
	case math.Pi-theta < 1e-5:
		// near pi the antisymmetric part vanishes; recover the axis from
		// (R+I)/2 = vvᵀ using its largest-diagonal column
		m := mat.NewDense(3, 3, nil)
		m.Add(rot, mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}))
		m.Scale(0.5, m)
		col := 0
		for i := 1; i < 3; i++ {
			if m.At(i, i) > m.At(col, col) {
				col = i
			}
		}
		axis := r3.Vector{X: m.At(0, col), Y: m.At(1, col), Z: m.At(2, col)}
		axis = axis.Mul(1 / math.Sqrt(m.At(col, col)))
		return axis.Mul(theta)
	default:
		return raw.Mul(theta / (2 * sinTheta))
	}
}
