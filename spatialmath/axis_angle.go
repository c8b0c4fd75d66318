// Package spatialmath defines the rotation representations used by the pose estimator.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// See here for a thorough explanation: https://en.wikipedia.org/wiki/Axis%E2%80%93angle_representation
// An R3 axis angle is a vector whose direction is the rotation axis and whose length is the
// rotation angle in radians. It is the 3 parameter form a PnP solver optimizes over.

// R3AA represents an R3 axis angle (rotation vector).
type R3AA struct {
	RX float64 `json:"x"`
	RY float64 `json:"y"`
	RZ float64 `json:"z"`
}

// NewR3AAFromVector returns the rotation vector with the components of v.
func NewR3AAFromVector(v r3.Vector) R3AA {
	return R3AA{v.X, v.Y, v.Z}
}

// Vector returns the rotation vector as an r3.Vector.
func (r3aa R3AA) Vector() r3.Vector {
	return r3.Vector{X: r3aa.RX, Y: r3aa.RY, Z: r3aa.RZ}
}

// Theta returns the rotation angle in radians.
func (r3aa R3AA) Theta() float64 {
	return r3aa.Vector().Norm()
}

// ToQuat converts the rotation vector to a unit quaternion.
func (r3aa R3AA) ToQuat() quat.Number {
	theta := r3aa.Theta()
	if theta < 1e-12 {
		// first order expansion of the exponential map around zero
		q := quat.Number{Real: 1, Imag: r3aa.RX / 2, Jmag: r3aa.RY / 2, Kmag: r3aa.RZ / 2}
		return quat.Scale(1/quat.Abs(q), q)
	}
	s := math.Sin(theta/2) / theta
	return quat.Number{
		Real: math.Cos(theta / 2),
		Imag: r3aa.RX * s,
		Jmag: r3aa.RY * s,
		Kmag: r3aa.RZ * s,
	}
}

// RotationMatrix returns the rotation vector as a rotation matrix (Rodrigues' formula).
func (r3aa R3AA) RotationMatrix() *RotationMatrix {
	return QuatToRotationMatrix(r3aa.ToQuat())
}

// QuatToR3AA converts a quat to an R3 axis angle in the same way the C++ Eigen library does.
// https://eigen.tuxfamily.org/dox/AngleAxis_8h_source.html
func QuatToR3AA(q quat.Number) R3AA {
	denom := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)

	if denom < 1e-12 {
		sign := 1.
		if q.Real < 0 {
			sign = -1.
		}
		return R3AA{2 * sign * q.Imag, 2 * sign * q.Jmag, 2 * sign * q.Kmag}
	}

	angle := 2 * math.Atan2(denom, math.Abs(q.Real))
	if q.Real < 0 {
		angle *= -1
	}
	return R3AA{angle * q.Imag / denom, angle * q.Jmag / denom, angle * q.Kmag / denom}
}
