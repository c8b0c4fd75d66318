// Package keypoints contains the sparse image features used by visual odometry:
// - FAST keypoints with intensity centroid orientation
// - BRIEF binary descriptors
// - brute force hamming matching
package keypoints

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
)

// KeyPoint is a detected feature location in an image.
type KeyPoint struct {
	Point    r2.Point
	Response float64
	// Octave is the pyramid level the keypoint was detected at.
	Octave int
	// Angle is the orientation in radians, 0 when orientation is not computed.
	Angle float64
}

// Pixel returns the integer pixel containing the keypoint.
func (kp KeyPoint) Pixel() image.Point {
	return image.Point{X: int(math.Floor(kp.Point.X)), Y: int(math.Floor(kp.Point.Y))}
}

// Detector finds keypoints in a gray image.
type Detector interface {
	Detect(img *image.Gray) ([]KeyPoint, error)
}

// Extractor describes keypoints of a gray image. Keypoints that cannot be described are
// dropped, so the returned keypoints and descriptors are parallel but may be fewer than kps.
type Extractor interface {
	Compute(img *image.Gray, kps []KeyPoint) ([]KeyPoint, []Descriptor, error)
}

// Points returns the positions of the keypoints.
func Points(kps []KeyPoint) []r2.Point {
	pts := make([]r2.Point, len(kps))
	for i, kp := range kps {
		pts[i] = kp.Point
	}
	return pts
}

const orientationPatchSize = 31

// maskHalfWidths[|dy|] is the half width on row dy of the circular mask used to compute
// orientations of corners.
var maskHalfWidths = []int{15, 15, 15, 15, 14, 14, 14, 13, 13, 12, 11, 10, 9, 8, 6, 3}

// computeKeypointOrientation returns the direction of the intensity centroid of the circular
// patch around pt. Pixels outside of the image count as black.
func computeKeypointOrientation(img *image.Gray, pt image.Point) float64 {
	half := (orientationPatchSize - 1) / 2
	bnd := img.Bounds()
	m01, m10 := 0, 0
	for dy := -half; dy <= half; dy++ {
		y := pt.Y + dy
		if y < bnd.Min.Y || y >= bnd.Max.Y {
			continue
		}
		w := maskHalfWidths[absInt(dy)]
		rowSum := 0
		for dx := -w; dx <= w; dx++ {
			x := pt.X + dx
			if x < bnd.Min.X || x >= bnd.Max.X {
				continue
			}
			v := int(img.GrayAt(x, y).Y)
			m10 += v * dx
			rowSum += v
		}
		m01 += rowSum * dy
	}
	return math.Atan2(float64(m01), float64(m10))
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
