package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestR3AARotationMatrix(t *testing.T) {
	// 90 degrees about z maps x onto y
	rm := R3AA{0, 0, math.Pi / 2}.RotationMatrix()
	v := rm.Mul(r3.Vector{X: 1})
	test.That(t, v.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, v.Y, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, v.Z, test.ShouldAlmostEqual, 0, 1e-12)

	test.That(t, R3AA{}.RotationMatrix().AlmostEqual(IdentityRotation(), 1e-15), test.ShouldBeTrue)
}

func TestAxisAngleRoundTrip(t *testing.T) {
	for _, aa := range []R3AA{
		{0.1, -0.2, 0.3},
		{1e-9, 0, -2e-9},
		{0, 0, 0},
		{2.5, 0.1, -0.4},
		{0, math.Pi - 1e-3, 0},
	} {
		back := aa.RotationMatrix().AxisAngle()
		test.That(t, back.RX, test.ShouldAlmostEqual, aa.RX, 1e-9)
		test.That(t, back.RY, test.ShouldAlmostEqual, aa.RY, 1e-9)
		test.That(t, back.RZ, test.ShouldAlmostEqual, aa.RZ, 1e-9)
	}
}

func TestRotationMatrixTranspose(t *testing.T) {
	rm := R3AA{0.3, 0.2, -0.1}.RotationMatrix()
	v := r3.Vector{X: 1, Y: 2, Z: 3}
	back := rm.Transpose().Mul(rm.Mul(v))
	test.That(t, back.Sub(v).Norm(), test.ShouldBeLessThan, 1e-12)

	from, err := NewRotationMatrixFromDense(rm.Dense())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, from.AlmostEqual(rm, 0), test.ShouldBeTrue)

	_, err = NewRotationMatrix([]float64{1, 2, 3})
	test.That(t, err, test.ShouldNotBeNil)
}
