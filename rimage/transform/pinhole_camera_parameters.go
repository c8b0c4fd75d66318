// Package transform holds the camera geometry used by the odometry pipeline: pinhole intrinsics,
// lens distortion, two view epipolar geometry and perspective-n-point pose recovery.
package transform

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// PixelToPoint transforms a pixel with depth to a 3D point in the camera frame.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) (float64, float64, float64) {
	if params == nil {
		return 0, 0, 0
	}
	xOverZ := (x - params.Ppx) / params.Fx
	yOverZ := (y - params.Ppy) / params.Fy
	return xOverZ * z, yOverZ * z, z
}

// PointToPixel projects a 3D point to a sub-pixel position in the image plane, ignoring distortion.
// Points with zero depth map to (-1, -1).
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (float64, float64) {
	if z != 0. {
		return (x/z)*params.Fx + params.Ppx, (y/z)*params.Fy + params.Ppy
	}
	return -1.0, -1.0
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 ppx],
//
//	[0 fy ppy],
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}

// PinholeCameraModel is the model of a pinhole camera.
type PinholeCameraModel struct {
	*PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion               Distorter `json:"distortion"`
}

// NewPinholeCameraModel returns a camera model without lens distortion.
func NewPinholeCameraModel(intrinsics *PinholeCameraIntrinsics) *PinholeCameraModel {
	return &PinholeCameraModel{PinholeCameraIntrinsics: intrinsics}
}

// CheckValid checks that the model carries usable intrinsics and, if any, a valid distortion.
func (params *PinholeCameraModel) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("camera model does not exist")
	}
	if err := params.PinholeCameraIntrinsics.CheckValid(); err != nil {
		return err
	}
	if params.Distortion != nil {
		return params.Distortion.CheckValid()
	}
	return nil
}

// distort maps undistorted normalized coordinates to distorted ones.
func (params *PinholeCameraModel) distort(x, y float64) (float64, float64) {
	if params.Distortion == nil {
		return x, y
	}
	return params.Distortion.Transform(x, y)
}

// ProjectPoint projects a point expressed in the camera frame to pixel coordinates, applying
// the lens distortion. ok is false when the point is not in front of the camera.
func (params *PinholeCameraModel) ProjectPoint(pt r3.Vector) (r2.Point, bool) {
	if pt.Z == 0 {
		return r2.Point{X: math.NaN(), Y: math.NaN()}, false
	}
	x, y := params.distort(pt.X/pt.Z, pt.Y/pt.Z)
	return r2.Point{X: x*params.Fx + params.Ppx, Y: y*params.Fy + params.Ppy}, pt.Z > 0
}

// NormalizePixel removes the intrinsics and the lens distortion from a pixel, returning the
// normalized image coordinates (x/z, y/z) of the ray through it.
func (params *PinholeCameraModel) NormalizePixel(px r2.Point) r2.Point {
	x := (px.X - params.Ppx) / params.Fx
	y := (px.Y - params.Ppy) / params.Fy
	if params.Distortion != nil {
		x, y = params.Distortion.Undistort(x, y)
	}
	return r2.Point{X: x, Y: y}
}

type pinholeCameraModelJSON struct {
	Intrinsics *PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion *BrownConrady            `json:"distortion_parameters,omitempty"`
}

// UnmarshalJSON reads the intrinsics and Brown-Conrady distortion parameters.
func (params *PinholeCameraModel) UnmarshalJSON(data []byte) error {
	var raw pinholeCameraModelJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	params.PinholeCameraIntrinsics = raw.Intrinsics
	params.Distortion = nil
	if raw.Distortion != nil {
		params.Distortion = raw.Distortion
	}
	return nil
}

// MarshalJSON writes the model in the format read by UnmarshalJSON.
func (params PinholeCameraModel) MarshalJSON() ([]byte, error) {
	raw := pinholeCameraModelJSON{Intrinsics: params.PinholeCameraIntrinsics}
	if params.Distortion != nil {
		bc, err := NewBrownConrady(params.Distortion.Parameters())
		if err != nil {
			return nil, err
		}
		raw.Distortion = bc
	}
	return json.Marshal(raw)
}

// NewPinholeCameraModelFromJSONFile reads a camera model from a JSON file and validates it.
func NewPinholeCameraModelFromJSONFile(jsonPath string) (*PinholeCameraModel, error) {
	//nolint:gosec
	jsonFile, err := os.Open(filepath.Clean(jsonPath))
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	model := &PinholeCameraModel{}
	if err := json.Unmarshal(byteValue, model); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	if err := model.CheckValid(); err != nil {
		return nil, errors.Wrapf(err, "invalid camera model in %q", jsonPath)
	}
	return model, nil
}
