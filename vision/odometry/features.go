package odometry

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rgbdodometry/rimage"
	"go.viam.com/rgbdodometry/rimage/transform"
	"go.viam.com/rgbdodometry/vision/keypoints"
)

// FeatureSet holds the keypoints and descriptors of one frame at one pyramid level. Reference
// sets also hold the back-projected 3D point of every keypoint, in the camera frame.
type FeatureSet struct {
	KeyPoints   []keypoints.KeyPoint
	Descriptors []keypoints.Descriptor
	Points3D    []r3.Vector
	Level       int
}

// ExtractFeatures detects keypoints in mono and describes them. Keypoints the extractor cannot
// describe are dropped, so KeyPoints and Descriptors stay parallel.
func ExtractFeatures(
	detector keypoints.Detector,
	extractor keypoints.Extractor,
	mono *image.Gray,
	level int,
) (*FeatureSet, error) {
	if mono == nil {
		return nil, errors.New("cannot extract features from a nil image")
	}
	kps, err := detector.Detect(mono)
	if err != nil {
		return nil, errors.Wrap(err, "keypoint detection failed")
	}
	kps, descs, err := extractor.Compute(mono, kps)
	if err != nil {
		return nil, errors.Wrap(err, "descriptor extraction failed")
	}
	if len(kps) != len(descs) {
		return nil, errors.Errorf("extractor returned %d keypoints and %d descriptors", len(kps), len(descs))
	}
	return &FeatureSet{KeyPoints: kps, Descriptors: descs, Level: level}, nil
}

// Len returns the number of features.
func (fs *FeatureSet) Len() int {
	if fs == nil {
		return 0
	}
	return len(fs.KeyPoints)
}

// Points returns the pixel positions of the keypoints.
func (fs *FeatureSet) Points() []r2.Point {
	return keypoints.Points(fs.KeyPoints)
}

// HasPoints3D returns whether the set was back-projected.
func (fs *FeatureSet) HasPoints3D() bool {
	return fs.Points3D != nil && len(fs.Points3D) == len(fs.KeyPoints)
}

// BackProject computes the 3D point of every keypoint from the depth at its pixel. The depth is
// read at (floor(u), floor(v)), clamped to the map, and a zero depth counts as 1.
func (fs *FeatureSet) BackProject(depth *rimage.DepthMap, intrinsics *transform.PinholeCameraIntrinsics) error {
	if err := intrinsics.CheckValid(); err != nil {
		return err
	}
	if depth == nil || depth.Width() == 0 || depth.Height() == 0 {
		return errors.New("cannot back-project without a depth map")
	}
	pts := make([]r3.Vector, len(fs.KeyPoints))
	for i, kp := range fs.KeyPoints {
		pts[i] = backProjectPixel(kp.Point, depth, intrinsics)
	}
	fs.Points3D = pts
	return nil
}

func backProjectPixel(px r2.Point, depth *rimage.DepthMap, intrinsics *transform.PinholeCameraIntrinsics) r3.Vector {
	col := clampInt(int(math.Floor(px.X)), 0, depth.Width()-1)
	row := clampInt(int(math.Floor(px.Y)), 0, depth.Height()-1)
	z := float64(depth.GetDepth(col, row))
	if z < 1 {
		z = 1
	}
	x, y, z := intrinsics.PixelToPoint(px.X, px.Y, z)
	return r3.Vector{X: x, Y: y, Z: z}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
