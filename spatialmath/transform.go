// Package spatialmath implements the rigid-body math used by the calibration
// pipeline: 4x4 homogeneous transforms and Rodrigues rotation vectors.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// NewRigidTransform builds the 4x4 homogeneous transform [R|t; 0 0 0 1] from a
// 3x3 rotation and a translation.
func NewRigidTransform(rotation *mat.Dense, translation r3.Vector) *mat.Dense {
	t := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.Set(i, j, rotation.At(i, j))
		}
	}
	t.Set(0, 3, translation.X)
	t.Set(1, 3, translation.Y)
	t.Set(2, 3, translation.Z)
	t.Set(3, 3, 1)
	return t
}

// Identity returns the 4x4 identity transform.
func Identity() *mat.Dense {
	t := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		t.Set(i, i, 1)
	}
	return t
}

// RotationOf extracts the 3x3 rotation block of a homogeneous transform.
func RotationOf(t *mat.Dense) *mat.Dense {
	rot := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot.Set(i, j, t.At(i, j))
		}
	}
	return rot
}

// TranslationOf extracts the translation column of a homogeneous transform.
func TranslationOf(t *mat.Dense) r3.Vector {
	return r3.Vector{X: t.At(0, 3), Y: t.At(1, 3), Z: t.At(2, 3)}
}

// Compose returns a·b, the transform that applies b first and then a.
func Compose(a, b *mat.Dense) *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	out.Mul(a, b)
	return out
}

// RigidInverse inverts a rigid transform without a general matrix inverse:
// inv([R|t]) = [Rᵀ|-Rᵀt].
func RigidInverse(t *mat.Dense) *mat.Dense {
	rot := RotationOf(t)
	var rotT mat.Dense
	rotT.CloneFrom(rot.T())
	trans := TranslationOf(t)
	negated := applyRotation(&rotT, trans).Mul(-1)
	return NewRigidTransform(&rotT, negated)
}

// TransformPoint applies a homogeneous transform to a 3D point and drops the
// homogeneous coordinate.
func TransformPoint(t *mat.Dense, p r3.Vector) r3.Vector {
	return r3.Vector{
		X: t.At(0, 0)*p.X + t.At(0, 1)*p.Y + t.At(0, 2)*p.Z + t.At(0, 3),
		Y: t.At(1, 0)*p.X + t.At(1, 1)*p.Y + t.At(1, 2)*p.Z + t.At(1, 3),
		Z: t.At(2, 0)*p.X + t.At(2, 1)*p.Y + t.At(2, 2)*p.Z + t.At(2, 3),
	}
}

// IsRigid reports whether the transform has an orthonormal rotation block with
// determinant +1 and a [0 0 0 1] bottom row, within tol.
func IsRigid(t *mat.Dense, tol float64) bool {
	if math.Abs(t.At(3, 0)) > tol || math.Abs(t.At(3, 1)) > tol ||
		math.Abs(t.At(3, 2)) > tol || math.Abs(t.At(3, 3)-1) > tol {
		return false
	}
	rot := RotationOf(t)
	var rtr mat.Dense
	rtr.Mul(rot.T(), rot)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(rtr.At(i, j)-want) > tol {
				return false
			}
		}
	}
	return math.Abs(mat.Det(rot)-1) <= tol
}

func applyRotation(rot *mat.Dense, p r3.Vector) r3.Vector {
	return r3.Vector{
		X: rot.At(0, 0)*p.X + rot.At(0, 1)*p.Y + rot.At(0, 2)*p.Z,
		Y: rot.At(1, 0)*p.X + rot.At(1, 1)*p.Y + rot.At(1, 2)*p.Z,
		Z: rot.At(2, 0)*p.X + rot.At(2, 1)*p.Y + rot.At(2, 2)*p.Z,
	}
}
