// Package rimage holds the image types consumed by the odometry pipeline: depth maps and
// mono+depth image pyramids.
package rimage

import (
	"image"
	"math"
)

// Depth is the depth value of a pixel in sensor units. Zero means the depth is unknown.
type Depth uint16

// MaxDepth is the largest representable depth.
const MaxDepth = Depth(math.MaxUint16)

// DepthMap is a dense 2D array of depth values.
type DepthMap struct {
	width  int
	height int

	data []Depth
}

// NewEmptyDepthMap returns a depth map of the given size where every pixel is unknown.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{
		width:  width,
		height: height,
		data:   make([]Depth, width*height),
	}
}

// NewDepthMapFromGray16 copies a 16 bit image into a depth map.
func NewDepthMapFromGray16(img *image.Gray16) *DepthMap {
	bounds := img.Bounds()
	dm := NewEmptyDepthMap(bounds.Dx(), bounds.Dy())
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			dm.Set(x, y, Depth(img.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y))
		}
	}
	return dm
}

// Width returns the horizontal dimension.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the vertical dimension.
func (dm *DepthMap) Height() int {
	return dm.height
}

// Bounds returns the rectangle covering the depth map.
func (dm *DepthMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, dm.width, dm.height)
}

// Contains returns whether (x, y) is inside the depth map.
func (dm *DepthMap) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < dm.width && y < dm.height
}

func (dm *DepthMap) kxy(x, y int) int {
	return y*dm.width + x
}

// GetDepth returns the depth at (x, y).
func (dm *DepthMap) GetDepth(x, y int) Depth {
	return dm.data[dm.kxy(x, y)]
}

// Set sets the depth at (x, y).
func (dm *DepthMap) Set(x, y int, val Depth) {
	dm.data[dm.kxy(x, y)] = val
}

// ClampZero replaces every unknown (zero) depth by 1 and returns how many pixels changed.
func (dm *DepthMap) ClampZero() int {
	n := 0
	for i, d := range dm.data {
		if d == 0 {
			dm.data[i] = 1
			n++
		}
	}
	return n
}

// MinMax returns the smallest and largest depth values.
func (dm *DepthMap) MinMax() (Depth, Depth) {
	if len(dm.data) == 0 {
		return 0, 0
	}
	lo, hi := MaxDepth, Depth(0)
	for _, d := range dm.data {
		if d < lo {
			lo = d
		}
		if d > hi {
			hi = d
		}
	}
	return lo, hi
}

// Clone returns a deep copy.
func (dm *DepthMap) Clone() *DepthMap {
	out := &DepthMap{width: dm.width, height: dm.height, data: make([]Depth, len(dm.data))}
	copy(out.data, dm.data)
	return out
}

// ToGray16 returns the depth map as a 16 bit gray image.
func (dm *DepthMap) ToGray16() *image.Gray16 {
	img := image.NewGray16(dm.Bounds())
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			d := dm.GetDepth(x, y)
			i := img.PixOffset(x, y)
			img.Pix[i] = uint8(d >> 8)
			img.Pix[i+1] = uint8(d)
		}
	}
	return img
}
