package keypoints

import (
	"image"
	"math"
	"math/bits"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/rgbdodometry/rimage"
)

// Descriptor is a binary descriptor packed 64 bits per word.
type Descriptor []uint64

// HammingDistance returns the number of bits that differ between two descriptors of the same length.
func HammingDistance(a, b Descriptor) (int, error) {
	if len(a) != len(b) {
		return 0, errors.Errorf("descriptors must have the same length, got %d and %d", len(a), len(b))
	}
	d := 0
	for i := range a {
		d += bits.OnesCount64(a[i] ^ b[i])
	}
	return d, nil
}

// SamplingType is the distribution the BRIEF test locations are drawn from.
type SamplingType int

const (
	uniform SamplingType = iota // 0
	normal                      // 1
)

// SamplePairs are N pairs of points used to create the BRIEF Descriptors of a patch.
type SamplePairs struct {
	P0 []image.Point
	P1 []image.Point
	N  int
}

// GenerateSamplePairs draws n pairs of offsets within a patch of size patchSize around the
// keypoint. The draw is deterministic for a given seed so that descriptors computed by two
// extractors with the same config are comparable.
func GenerateSamplePairs(dist SamplingType, n, patchSize int, seed int64) *SamplePairs {
	//nolint:gosec
	rng := rand.New(rand.NewSource(seed))
	vMin := math.Round(-(float64(patchSize) - 2) / 2.)
	vMax := math.Round(float64(patchSize) / 2.)
	sample := func() int {
		switch dist {
		case normal:
			v := rng.NormFloat64() * float64(patchSize) / 5
			return int(math.Round(math.Max(vMin, math.Min(vMax, v))))
		case uniform:
			fallthrough
		default:
			return int(vMin) + rng.Intn(int(vMax-vMin)+1)
		}
	}
	sp := &SamplePairs{P0: make([]image.Point, n), P1: make([]image.Point, n), N: n}
	for i := 0; i < n; i++ {
		sp.P0[i] = image.Point{X: sample(), Y: sample()}
		sp.P1[i] = image.Point{X: sample(), Y: sample()}
	}
	return sp
}

// radius returns the largest distance between the patch center and a sample location.
func (sp *SamplePairs) radius() int {
	r := 0.
	for i := 0; i < sp.N; i++ {
		r = math.Max(r, math.Hypot(float64(sp.P0[i].X), float64(sp.P0[i].Y)))
		r = math.Max(r, math.Hypot(float64(sp.P1[i].X), float64(sp.P1[i].Y)))
	}
	return int(math.Ceil(r)) + 1
}

// BRIEFConfig stores the parameters.
type BRIEFConfig struct {
	N              int          `json:"n"` // number of samples taken
	Sampling       SamplingType `json:"sampling"`
	UseOrientation bool         `json:"use_orientation"`
	PatchSize      int          `json:"patch_size"`
	// BlurSigma is the standard deviation of the gaussian smoothing applied before sampling.
	BlurSigma float64 `json:"blur_sigma"`
	Seed      int64   `json:"seed"`
}

// Validate ensures all parts of the BRIEFConfig are valid.
func (cfg *BRIEFConfig) Validate(path string) error {
	if cfg.N <= 0 || cfg.N%64 != 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("n should be a positive multiple of 64, got %d", cfg.N))
	}
	if cfg.PatchSize < 5 {
		return utils.NewConfigValidationError(path, errors.New("patch_size should be >= 5"))
	}
	if cfg.Sampling != uniform && cfg.Sampling != normal {
		return utils.NewConfigValidationError(path, errors.Errorf("unknown sampling type %d", cfg.Sampling))
	}
	if cfg.BlurSigma < 0 {
		return utils.NewConfigValidationError(path, errors.New("blur_sigma cannot be negative"))
	}
	return nil
}

// BRIEFExtractor computes BRIEF descriptors.
type BRIEFExtractor struct {
	cfg    BRIEFConfig
	pairs  *SamplePairs
	radius int
}

// NewBRIEFExtractor returns an extractor for a valid config.
func NewBRIEFExtractor(cfg BRIEFConfig) (*BRIEFExtractor, error) {
	if err := cfg.Validate("brief"); err != nil {
		return nil, err
	}
	pairs := GenerateSamplePairs(cfg.Sampling, cfg.N, cfg.PatchSize, cfg.Seed)
	return &BRIEFExtractor{cfg: cfg, pairs: pairs, radius: pairs.radius()}, nil
}

// Compute computes BRIEF descriptors on image img at keypoints kps. Keypoints whose patch does
// not fit in the image are dropped.
func (be *BRIEFExtractor) Compute(img *image.Gray, kps []KeyPoint) ([]KeyPoint, []Descriptor, error) {
	if img == nil {
		return nil, nil, errors.New("cannot compute descriptors on a nil image")
	}
	blurred := img
	if be.cfg.BlurSigma > 0 {
		blurred = rimage.MakeGray(imaging.Blur(img, be.cfg.BlurSigma))
	} else if img.Bounds().Min != (image.Point{}) {
		blurred = rimage.MakeGray(img)
	}
	bnd := image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()).Inset(be.radius)

	outKps := make([]KeyPoint, 0, len(kps))
	descs := make([]Descriptor, 0, len(kps))
	for _, kp := range kps {
		center := kp.Pixel()
		if !center.In(bnd) {
			continue
		}
		cosTheta, sinTheta := 1.0, 0.0
		if be.cfg.UseOrientation {
			cosTheta, sinTheta = math.Cos(kp.Angle), math.Sin(kp.Angle)
		}
		descriptor := make(Descriptor, be.pairs.N/64)
		for i := 0; i < be.pairs.N; i++ {
			x0, y0 := float64(be.pairs.P0[i].X), float64(be.pairs.P0[i].Y)
			x1, y1 := float64(be.pairs.P1[i].X), float64(be.pairs.P1[i].Y)
			outx0 := int(math.Round(cosTheta*x0 - sinTheta*y0))
			outy0 := int(math.Round(sinTheta*x0 + cosTheta*y0))
			outx1 := int(math.Round(cosTheta*x1 - sinTheta*y1))
			outy1 := int(math.Round(sinTheta*x1 + cosTheta*y1))
			p0Val := blurred.GrayAt(center.X+outx0, center.Y+outy0).Y
			p1Val := blurred.GrayAt(center.X+outx1, center.Y+outy1).Y
			if p0Val > p1Val {
				descriptor[i/64] |= 1 << (i % 64)
			}
		}
		outKps = append(outKps, kp)
		descs = append(descs, descriptor)
	}
	return outKps, descs, nil
}
