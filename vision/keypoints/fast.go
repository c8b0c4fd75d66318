package keypoints

import (
	"image"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// FASTConfig holds the parameters of the FAST corner detector.
type FASTConfig struct {
	// Threshold is the intensity difference, as a fraction of the full intensity range, that a
	// circle pixel must exceed to count as brighter or darker than the center.
	Threshold float64 `json:"threshold"`
	// NMatchesCircle is the number of contiguous circle pixels that must all be brighter or
	// all be darker than the center.
	NMatchesCircle int  `json:"n_matches"`
	NMSWinSize     int  `json:"nms_win_size"`
	Oriented       bool `json:"oriented"`
}

// Validate ensures all parts of the FASTConfig are valid.
func (cfg *FASTConfig) Validate(path string) error {
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		return utils.NewConfigValidationError(path, errors.Errorf("threshold should be in (0, 1), got %v", cfg.Threshold))
	}
	if cfg.NMatchesCircle < 9 || cfg.NMatchesCircle > len(CircleIdx) {
		return utils.NewConfigValidationError(path, errors.Errorf("n_matches should be in [9, 16], got %d", cfg.NMatchesCircle))
	}
	if cfg.NMSWinSize < 1 {
		return utils.NewConfigValidationError(path, errors.New("nms_win_size should be >= 1"))
	}
	return nil
}

// NeighborhoodType is a list of offsets around a pixel.
type NeighborhoodType []image.Point

var (
	// CrossIdx is the 4 compass points of the FAST circle.
	CrossIdx = NeighborhoodType{{0, -3}, {3, 0}, {0, 3}, {-3, 0}}
	// CircleIdx is the Bresenham circle of radius 3, clockwise from the top.
	CircleIdx = NeighborhoodType{
		{0, -3}, {1, -3}, {2, -2}, {3, -1},
		{3, 0}, {3, 1}, {2, 2}, {1, 3},
		{0, 3}, {-1, 3}, {-2, 2}, {-3, 1},
		{-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
	}
)

const fastBorder = 3

// GetPointValuesInNeighborhood returns the intensities of the pixels around pt.
func GetPointValuesInNeighborhood(img *image.Gray, pt image.Point, neighborhood NeighborhoodType) []float64 {
	vals := make([]float64, len(neighborhood))
	for i, off := range neighborhood {
		vals[i] = float64(img.GrayAt(pt.X+off.X, pt.Y+off.Y).Y)
	}
	return vals
}

// getBrighterValues returns 1 where s is strictly above t and 0 elsewhere.
func getBrighterValues(s []float64, t float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		if v > t {
			out[i] = 1
		}
	}
	return out
}

// getDarkerValues returns 1 where s is strictly below t and 0 elsewhere.
func getDarkerValues(s []float64, t float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		if v < t {
			out[i] = 1
		}
	}
	return out
}

// hasContiguousRun returns whether flags, read as a circular list, holds at least n
// consecutive ones.
func hasContiguousRun(flags []float64, n int) bool {
	size := len(flags)
	if n <= 0 {
		return true
	}
	if n > size {
		return false
	}
	run := 0
	for i := 0; i < 2*size-1; i++ {
		if flags[i%size] > 0 {
			run++
			if run >= n {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

func sumSlice(s []float64) float64 {
	sum := 0.
	for _, v := range s {
		sum += v
	}
	return sum
}

// FASTDetector detects FAST corners.
type FASTDetector struct {
	cfg FASTConfig
}

// NewFASTDetector returns a detector for a valid config.
func NewFASTDetector(cfg FASTConfig) (*FASTDetector, error) {
	if err := cfg.Validate("fast"); err != nil {
		return nil, err
	}
	return &FASTDetector{cfg: cfg}, nil
}

// fastScore returns the score of a corner candidate at pt, or 0 when pt is not a corner. The
// score is the sum of the circle intensity differences beyond the threshold on the winning side.
func (fd *FASTDetector) fastScore(img *image.Gray, pt image.Point, t float64) float64 {
	center := float64(img.GrayAt(pt.X, pt.Y).Y)
	// an arc of at least 9 pixels covers at least 2 of the 4 compass points
	cross := GetPointValuesInNeighborhood(img, pt, CrossIdx)
	nBrightCross := sumSlice(getBrighterValues(cross, center+t))
	nDarkCross := sumSlice(getDarkerValues(cross, center-t))
	if nBrightCross < 2 && nDarkCross < 2 {
		return 0
	}

	circle := GetPointValuesInNeighborhood(img, pt, CircleIdx)
	score := 0.
	if brighter := getBrighterValues(circle, center+t); hasContiguousRun(brighter, fd.cfg.NMatchesCircle) {
		for i, b := range brighter {
			score += b * (circle[i] - center - t)
		}
	}
	if darker := getDarkerValues(circle, center-t); hasContiguousRun(darker, fd.cfg.NMatchesCircle) {
		s := 0.
		for i, d := range darker {
			s += d * (center - t - circle[i])
		}
		if s > score {
			score = s
		}
	}
	return score
}

// Detect returns the FAST corners of img that survive non maximum suppression, strongest first.
func (fd *FASTDetector) Detect(img *image.Gray) ([]KeyPoint, error) {
	if img == nil {
		return nil, errors.New("cannot detect keypoints in a nil image")
	}
	bnd := img.Bounds()
	w, h := bnd.Dx(), bnd.Dy()
	if w <= 2*fastBorder || h <= 2*fastBorder {
		return []KeyPoint{}, nil
	}
	t := fd.cfg.Threshold * 255
	scores := make([]float64, w*h)
	for y := fastBorder; y < h-fastBorder; y++ {
		for x := fastBorder; x < w-fastBorder; x++ {
			scores[y*w+x] = fd.fastScore(img, image.Point{bnd.Min.X + x, bnd.Min.Y + y}, t)
		}
	}

	half := fd.cfg.NMSWinSize / 2
	kps := make([]KeyPoint, 0)
	for y := fastBorder; y < h-fastBorder; y++ {
		for x := fastBorder; x < w-fastBorder; x++ {
			s := scores[y*w+x]
			if s <= 0 || !isLocalMax(scores, w, h, x, y, half) {
				continue
			}
			kp := KeyPoint{Point: r2.Point{X: float64(x), Y: float64(y)}, Response: s}
			if fd.cfg.Oriented {
				kp.Angle = computeKeypointOrientation(img, image.Point{bnd.Min.X + x, bnd.Min.Y + y})
			}
			kps = append(kps, kp)
		}
	}
	sort.SliceStable(kps, func(i, j int) bool { return kps[i].Response > kps[j].Response })
	return kps, nil
}

// isLocalMax reports whether the score at (x, y) is the maximum of its window. Among equal
// scores the first one in raster order wins.
func isLocalMax(scores []float64, w, h, x, y, half int) bool {
	s := scores[y*w+x]
	for yy := y - half; yy <= y+half; yy++ {
		if yy < 0 || yy >= h {
			continue
		}
		for xx := x - half; xx <= x+half; xx++ {
			if xx < 0 || xx >= w || (xx == x && yy == y) {
				continue
			}
			other := scores[yy*w+xx]
			if other > s {
				return false
			}
			if other == s && (yy < y || (yy == y && xx < x)) {
				return false
			}
		}
	}
	return true
}
