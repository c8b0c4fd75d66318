package transform

import (
	"math"

	"github.com/pkg/errors"
)

// DistortionType is the name of the distortion model.
type DistortionType string

// BrownConradyDistortionType is for simple lenses of narrow field easily modeled as a pinhole camera.
const BrownConradyDistortionType = DistortionType("brown_conrady")

// Distorter maps normalized image coordinates between their undistorted and distorted positions.
type Distorter interface {
	ModelType() DistortionType
	CheckValid() error
	Parameters() []float64
	// Transform distorts an undistorted normalized point.
	Transform(x, y float64) (float64, float64)
	// Undistort inverts Transform.
	Undistort(x, y float64) (float64, float64)
}

// InvalidDistortionError is used when the distortion_parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion_parameters"), msg)
}

// NewDistorter returns a Distorter given a valid DistortionType and its parameters.
func NewDistorter(distortionType DistortionType, parameters []float64) (Distorter, error) {
	switch distortionType {
	case BrownConradyDistortionType:
		return NewBrownConrady(parameters)
	default:
		return nil, errors.Errorf("do not know how to parse %q distortion model", distortionType)
	}
}

// BrownConrady is the radial (k1, k2, k3) and tangential (p1, p2) lens distortion model.
type BrownConrady struct {
	RadialK1     float64 `json:"rk1"`
	RadialK2     float64 `json:"rk2"`
	RadialK3     float64 `json:"rk3"`
	TangentialP1 float64 `json:"tp1"`
	TangentialP2 float64 `json:"tp2"`
}

// NewBrownConrady takes in a slice of floats that will be passed into the struct in order.
// Missing trailing parameters are zero.
func NewBrownConrady(inp []float64) (*BrownConrady, error) {
	if len(inp) > 5 {
		return nil, errors.Errorf("list of parameters too long, expected max 5, got %d", len(inp))
	}
	params := make([]float64, 5)
	copy(params, inp)
	return &BrownConrady{params[0], params[1], params[2], params[3], params[4]}, nil
}

// ModelType returns the type of distortion model.
func (bc *BrownConrady) ModelType() DistortionType {
	return BrownConradyDistortionType
}

// CheckValid checks if the fields for BrownConrady have valid inputs.
func (bc *BrownConrady) CheckValid() error {
	if bc == nil {
		return InvalidDistortionError("BrownConrady shaped distortion_parameters not provided")
	}
	for _, p := range bc.Parameters() {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return InvalidDistortionError("BrownConrady parameters must be finite")
		}
	}
	return nil
}

// Parameters returns the distortion parameters in the order k1, k2, k3, p1, p2.
func (bc *BrownConrady) Parameters() []float64 {
	if bc == nil {
		return []float64{}
	}
	return []float64{bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2}
}

// Transform distorts a normalized point:
//
//	x_d = x*(1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p1*x*y + p2*(r² + 2*x²)
//	y_d = y*(1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p2*x*y + p1*(r² + 2*y²)
func (bc *BrownConrady) Transform(x, y float64) (float64, float64) {
	if bc == nil {
		return x, y
	}
	r2 := x*x + y*y
	radDist := 1. + bc.RadialK1*r2 + bc.RadialK2*r2*r2 + bc.RadialK3*r2*r2*r2
	xd := x*radDist + 2.*bc.TangentialP1*x*y + bc.TangentialP2*(r2+2.*x*x)
	yd := y*radDist + 2.*bc.TangentialP2*x*y + bc.TangentialP1*(r2+2.*y*y)
	return xd, yd
}

// Undistort finds the undistorted normalized point whose distortion is (xd, yd) with
// Newton-Raphson iterations started at the distorted point.
func (bc *BrownConrady) Undistort(xd, yd float64) (float64, float64) {
	if bc == nil {
		return xd, yd
	}
	const maxIterations = 20
	const tolerance = 1e-12

	xu, yu := xd, yd
	for i := 0; i < maxIterations; i++ {
		xEst, yEst := bc.Transform(xu, yu)
		errX, errY := xEst-xd, yEst-yd
		if errX*errX+errY*errY < tolerance*tolerance {
			break
		}

		r2 := xu*xu + yu*yu
		radDist := 1. + bc.RadialK1*r2 + bc.RadialK2*r2*r2 + bc.RadialK3*r2*r2*r2
		dRad := 2. * (bc.RadialK1 + 2.*bc.RadialK2*r2 + 3.*bc.RadialK3*r2*r2)

		dxdx := radDist + xu*xu*dRad + 2.*bc.TangentialP1*yu + 6.*bc.TangentialP2*xu
		dxdy := xu*yu*dRad + 2.*bc.TangentialP1*xu + 2.*bc.TangentialP2*yu
		dydx := xu*yu*dRad + 2.*bc.TangentialP2*yu + 2.*bc.TangentialP1*xu
		dydy := radDist + yu*yu*dRad + 2.*bc.TangentialP2*xu + 6.*bc.TangentialP1*yu

		det := dxdx*dydy - dxdy*dydx
		if det == 0 {
			break
		}
		xu -= (dydy*errX - dxdy*errY) / det
		yu -= (-dydx*errX + dxdx*errY) / det
	}
	return xu, yu
}
