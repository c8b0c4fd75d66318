package rimage

import (
	"image"
	"image/draw"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// PyramidLevel is one resolution of a frame: a mono image and its registered depth map.
type PyramidLevel struct {
	Mono  *image.Gray
	Depth *DepthMap
}

// Pyramid is an RGB-D frame at several resolutions, finest level first.
type Pyramid struct {
	Levels []PyramidLevel
}

// NewPyramid validates the levels and returns a pyramid made of them. Mono and depth must have
// the same dimensions at every level. Unknown depths are clamped to 1 so that back-projection
// never sees a zero depth.
func NewPyramid(levels []PyramidLevel) (*Pyramid, error) {
	if len(levels) == 0 {
		return nil, errors.New("image pyramid needs at least one level")
	}
	for i, lvl := range levels {
		if lvl.Mono == nil || lvl.Depth == nil {
			return nil, errors.Errorf("pyramid level %d is missing its mono or depth image", i)
		}
		mb := lvl.Mono.Bounds()
		if mb.Dx() != lvl.Depth.Width() || mb.Dy() != lvl.Depth.Height() {
			return nil, errors.Errorf("pyramid level %d: mono (%d,%d) and depth (%d,%d) dimensions differ",
				i, mb.Dx(), mb.Dy(), lvl.Depth.Width(), lvl.Depth.Height())
		}
		lvl.Depth.ClampZero()
	}
	return &Pyramid{Levels: levels}, nil
}

// BuildPyramid builds nLevels levels from a full resolution mono and depth pair, halving the
// size at every level. Mono levels are resampled bilinearly, depth levels by nearest neighbor
// so that no depth is invented across object borders.
func BuildPyramid(mono *image.Gray, depth *DepthMap, nLevels int) (*Pyramid, error) {
	if nLevels < 1 {
		return nil, errors.Errorf("number of pyramid levels should be >= 1, got %d", nLevels)
	}
	if mono == nil || depth == nil {
		return nil, errors.New("cannot build a pyramid without both mono and depth images")
	}
	levels := make([]PyramidLevel, 0, nLevels)
	levels = append(levels, PyramidLevel{Mono: mono, Depth: depth})
	depthImg := depth.ToGray16()
	for i := 1; i < nLevels; i++ {
		prev := levels[i-1].Mono.Bounds()
		w, h := prev.Dx()/2, prev.Dy()/2
		if w < 1 || h < 1 {
			return nil, errors.Errorf("image too small for %d pyramid levels", nLevels)
		}
		m := toGray(resize.Resize(uint(w), uint(h), levels[i-1].Mono, resize.Bilinear))
		depthImg = toGray16(resize.Resize(uint(w), uint(h), depthImg, resize.NearestNeighbor))
		levels = append(levels, PyramidLevel{Mono: m, Depth: NewDepthMapFromGray16(depthImg)})
	}
	return NewPyramid(levels)
}

// NumLevels returns the number of levels.
func (p *Pyramid) NumLevels() int {
	return len(p.Levels)
}

// Level returns the requested level.
func (p *Pyramid) Level(i int) (PyramidLevel, error) {
	if i < 0 || i >= len(p.Levels) {
		return PyramidLevel{}, errors.Errorf("pyramid level %d out of range [0, %d)", i, len(p.Levels))
	}
	return p.Levels[i], nil
}

// Clone returns a deep copy of the pyramid with the same image bounds. Transports hand clones to
// the odometry engine so that their receive buffers can be reused.
func (p *Pyramid) Clone() *Pyramid {
	out := &Pyramid{Levels: make([]PyramidLevel, len(p.Levels))}
	for i, lvl := range p.Levels {
		b := lvl.Mono.Bounds()
		mono := image.NewGray(b)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			src := lvl.Mono.Pix[lvl.Mono.PixOffset(b.Min.X, y):lvl.Mono.PixOffset(b.Max.X, y)]
			copy(mono.Pix[mono.PixOffset(b.Min.X, y):], src)
		}
		out.Levels[i] = PyramidLevel{Mono: mono, Depth: lvl.Depth.Clone()}
	}
	return out
}

// MakeGray converts any image to an 8 bit gray image with its origin at (0, 0).
func MakeGray(img image.Image) *image.Gray {
	b := img.Bounds()
	result := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(result, result.Bounds(), img, b.Min, draw.Src)
	return result
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	return MakeGray(img)
}

func toGray16(img image.Image) *image.Gray16 {
	if g, ok := img.(*image.Gray16); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	result := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(result, result.Bounds(), img, b.Min, draw.Src)
	return result
}
