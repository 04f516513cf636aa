package spatialmath

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func randomRotation(rnd *rand.Rand) *mat.Dense {
	axis := r3.Vector{X: rnd.NormFloat64(), Y: rnd.NormFloat64(), Z: rnd.NormFloat64()}
	axis = axis.Normalize()
	angle := rnd.Float64() * math.Pi * 0.95
	return RodriguesToRotation(axis.Mul(angle))
}

func TestRigidInverse(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		trans := NewRigidTransform(randomRotation(rnd), r3.Vector{
			X: rnd.NormFloat64(), Y: rnd.NormFloat64(), Z: rnd.NormFloat64(),
		})
		inv := RigidInverse(trans)
		ident := Compose(trans, inv)
		for r := 0; r < 4; r++ {
			for c := 0; c < 4; c++ {
				want := 0.0
				if r == c {
					want = 1.0
				}
				test.That(t, ident.At(r, c), test.ShouldAlmostEqual, want, 1e-12)
			}
		}
	}
}

func TestTransformPointRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	trans := NewRigidTransform(randomRotation(rnd), r3.Vector{X: 1, Y: -2, Z: 0.5})
	inv := RigidInverse(trans)
	p := r3.Vector{X: 0.3, Y: 4.2, Z: -1.1}
	back := TransformPoint(inv, TransformPoint(trans, p))
	test.That(t, back.X, test.ShouldAlmostEqual, p.X, 1e-12)
	test.That(t, back.Y, test.ShouldAlmostEqual, p.Y, 1e-12)
	test.That(t, back.Z, test.ShouldAlmostEqual, p.Z, 1e-12)
}

func TestTransformPreservesDistance(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	trans := NewRigidTransform(randomRotation(rnd), r3.Vector{X: 5, Y: 1, Z: 9})
	test.That(t, IsRigid(trans, 1e-10), test.ShouldBeTrue)
	a := r3.Vector{X: 1, Y: 2, Z: 3}
	b := r3.Vector{X: -4, Y: 0, Z: 1}
	before := a.Sub(b).Norm()
	after := TransformPoint(trans, a).Sub(TransformPoint(trans, b)).Norm()
	test.That(t, after, test.ShouldAlmostEqual, before, 1e-12)
}

func TestRodriguesRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(19))
	for i := 0; i < 50; i++ {
		axis := r3.Vector{X: rnd.NormFloat64(), Y: rnd.NormFloat64(), Z: rnd.NormFloat64()}
		axis = axis.Normalize()
		angle := rnd.Float64() * math.Pi
		vec := axis.Mul(angle)
		back := RotationToRodrigues(RodriguesToRotation(vec))
		recovered := RodriguesToRotation(back)
		original := RodriguesToRotation(vec)
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				test.That(t, recovered.At(r, c), test.ShouldAlmostEqual, original.At(r, c), 1e-8)
			}
		}
	}
}

func TestRodriguesZero(t *testing.T) {
	rot := RodriguesToRotation(r3.Vector{})
	vec := RotationToRodrigues(rot)
	test.That(t, vec.Norm(), test.ShouldAlmostEqual, 0, 1e-12)
}

func TestRodriguesNearPi(t *testing.T) {
	axis := r3.Vector{X: 0, Y: 0, Z: 1}
	rot := RodriguesToRotation(axis.Mul(math.Pi))
	vec := RotationToRodrigues(rot)
	test.That(t, vec.Norm(), test.ShouldAlmostEqual, math.Pi, 1e-6)
	recovered := RodriguesToRotation(vec)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			test.That(t, recovered.At(r, c), test.ShouldAlmostEqual, rot.At(r, c), 1e-8)
		}
	}
}
