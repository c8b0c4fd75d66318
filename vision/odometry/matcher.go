package odometry

import (
	"math"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"

	"go.viam.com/rgbdodometry/logging"
	"go.viam.com/rgbdodometry/rimage/transform"
	"go.viam.com/rgbdodometry/vision/keypoints"
)

// MatchResult holds the correspondences between a current and a reference feature set. Query
// indices refer to the current set, Train indices to the reference set.
type MatchResult struct {
	// All has the nearest reference descriptor of every current feature.
	All []keypoints.Match
	// Good is the subset of All surviving outlier rejection.
	Good []keypoints.Match
	// Degraded is set when Good comes from the distance fallback instead of the epipolar fit.
	Degraded bool
	// InlierCount is the number of epipolar inliers, 0 when the fit was degenerate.
	InlierCount int
}

// FeatureMatcher pairs the features of a current frame with those of the reference frame.
type FeatureMatcher interface {
	Match(current, reference *FeatureSet) (*MatchResult, error)
}

// Matcher matches descriptors, then keeps the matches consistent with a fundamental matrix fit.
// When the fit has no inlier it keeps the matches whose distance is close to the best one.
type Matcher struct {
	descriptors keypoints.DescriptorMatcher
	epipolar    EpipolarConfig
	fallback    FallbackConfig
	logger      logging.Logger
}

// NewMatcher returns a Matcher using the given descriptor matcher.
func NewMatcher(
	descriptors keypoints.DescriptorMatcher,
	epipolar EpipolarConfig,
	fallback FallbackConfig,
	logger logging.Logger,
) *Matcher {
	return &Matcher{
		descriptors: descriptors,
		epipolar:    epipolar,
		fallback:    fallback,
		logger:      logger.Sublogger("matcher"),
	}
}

// Match returns all and good matches from current to reference.
func (m *Matcher) Match(current, reference *FeatureSet) (*MatchResult, error) {
	if current == nil || reference == nil {
		return nil, errors.New("cannot match a nil feature set")
	}
	all, err := m.descriptors.Match(current.Descriptors, reference.Descriptors)
	if err != nil {
		return nil, errors.Wrap(err, "descriptor matching failed")
	}
	curPts, refPts, err := keypoints.GetMatchingKeyPoints(all, current.KeyPoints, reference.KeyPoints)
	if err != nil {
		return nil, err
	}

	_, mask, err := transform.FindFundamentalMatRANSAC(curPts, refPts, m.epipolar.ransacParams())
	if err != nil && !errors.Is(err, ErrDegenerateFundamentalFit) {
		return nil, err
	}
	if err == nil {
		good := lo.Filter(all, func(_ keypoints.Match, i int) bool { return mask[i] })
		if len(good) > 0 {
			return &MatchResult{All: all, Good: good, InlierCount: len(good)}, nil
		}
	}

	m.logger.Warnw("epipolar fit has no inlier, falling back to distance filtering", "matches", len(all))
	good := m.filterByDistance(all)
	if len(good) == 0 {
		m.logger.Errorw("no good match after distance fallback", "matches", len(all))
	}
	return &MatchResult{All: all, Good: good, Degraded: true}, nil
}

// filterByDistance keeps the matches with distance <= max(MinDistFactor*min, MinDistFloor).
func (m *Matcher) filterByDistance(all []keypoints.Match) []keypoints.Match {
	if len(all) == 0 {
		return []keypoints.Match{}
	}
	minDist := floats.Min(keypoints.Distances(all))
	thr := math.Max(m.fallback.MinDistFactor*minDist, m.fallback.MinDistFloor)
	good := lo.Filter(all, func(match keypoints.Match, _ int) bool { return match.Distance <= thr })
	if m.fallback.MinGoodMatches > 0 && len(good) < m.fallback.MinGoodMatches {
		m.logger.Warnw("discarding fallback matches below the minimum count",
			"good", len(good), "min_good_matches", m.fallback.MinGoodMatches)
		return []keypoints.Match{}
	}
	return good
}
