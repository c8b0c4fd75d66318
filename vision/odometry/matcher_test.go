package odometry

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/rgbdodometry/logging"
	"go.viam.com/rgbdodometry/rimage/transform"
	"go.viam.com/rgbdodometry/spatialmath"
	"go.viam.com/rgbdodometry/vision/keypoints"
)

func testModel() *transform.PinholeCameraModel {
	return transform.NewPinholeCameraModel(&transform.PinholeCameraIntrinsics{
		Width: 640, Height: 480, Fx: 525, Fy: 525, Ppx: 319.5, Ppy: 239.5,
	})
}

func randomScene(rng *rand.Rand, n int) []r3.Vector {
	pts := make([]r3.Vector, n)
	for i := range pts {
		pts[i] = r3.Vector{X: rng.Float64()*4 - 2, Y: rng.Float64()*3 - 1.5, Z: 4 + rng.Float64()*4}
	}
	return pts
}

func featureSetFromPixels(pixels []r2.Point, descs []keypoints.Descriptor) *FeatureSet {
	kps := make([]keypoints.KeyPoint, len(pixels))
	for i, px := range pixels {
		kps[i] = keypoints.KeyPoint{Point: px}
	}
	return &FeatureSet{KeyPoints: kps, Descriptors: descs}
}

func newTestMatcher(t *testing.T, fallback FallbackConfig) *Matcher {
	t.Helper()
	logger := logging.NewTestLogger(t)
	return NewMatcher(keypoints.NewBruteForceMatcher(keypoints.MatchingConfig{}), DefaultConfig().Epipolar, fallback, logger)
}

func TestMatcherEpipolarFilter(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	model := testModel()
	scene := randomScene(rng, 48)
	motion := transform.NewCamPoseFromVectors(spatialmath.R3AA{}, r3.Vector{X: 0.3})

	refPx := transform.ProjectPoints(scene, transform.IdentityCamPose(), model)
	curPx := transform.ProjectPoints(scene, motion, model)
	descs := make([]keypoints.Descriptor, len(scene))
	for i := range descs {
		descs[i] = keypoints.Descriptor{rng.Uint64(), rng.Uint64()}
	}
	outlier := func(i int) bool { return i%6 == 0 }
	for i := range curPx {
		if outlier(i) {
			curPx[i] = curPx[i].Add(r2.Point{Y: 25})
		}
	}

	res, err := newTestMatcher(t, DefaultConfig().Fallback).Match(
		featureSetFromPixels(curPx, descs), featureSetFromPixels(refPx, descs))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Degraded, test.ShouldBeFalse)
	test.That(t, len(res.All), test.ShouldEqual, len(scene))
	test.That(t, res.InlierCount, test.ShouldEqual, len(res.Good))
	test.That(t, len(res.Good), test.ShouldEqual, len(scene)-8)

	// every good match is one of all matches
	for _, g := range res.Good {
		test.That(t, res.All, test.ShouldContain, g)
		test.That(t, outlier(g.Query), test.ShouldBeFalse)
		test.That(t, g.Query, test.ShouldEqual, g.Train)
	}
}

func TestMatcherFallbackEqualDistances(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	m := NewMatcher(keypoints.NewBruteForceMatcher(keypoints.MatchingConfig{}),
		DefaultConfig().Epipolar, DefaultConfig().Fallback, logger)

	// every current descriptor is 1 bit away from its reference and 3 from the others
	refDescs := make([]keypoints.Descriptor, 5)
	curDescs := make([]keypoints.Descriptor, 5)
	pixels := make([]r2.Point, 5)
	for i := range refDescs {
		refDescs[i] = keypoints.Descriptor{1 << i}
		curDescs[i] = keypoints.Descriptor{1<<i | 1<<(i+32)}
		pixels[i] = r2.Point{X: float64(10 * i), Y: float64(3 * i)}
	}
	res, err := m.Match(featureSetFromPixels(pixels, curDescs), featureSetFromPixels(pixels, refDescs))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Degraded, test.ShouldBeTrue)
	test.That(t, res.InlierCount, test.ShouldEqual, 0)
	test.That(t, res.Good, test.ShouldResemble, res.All)
	test.That(t, len(res.Good), test.ShouldEqual, 5)
	for _, g := range res.Good {
		test.That(t, g.Distance, test.ShouldEqual, 1.)
	}
	test.That(t, logs.FilterMessageSnippet("falling back").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessageSnippet("no good match").Len(), test.ShouldEqual, 0)
}

func TestMatcherFallbackThreshold(t *testing.T) {
	ref := featureSetFromPixels([]r2.Point{{X: 1, Y: 1}}, []keypoints.Descriptor{{0}})
	cur := featureSetFromPixels(
		[]r2.Point{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}},
		[]keypoints.Descriptor{{0b11}, {0b11111}, {0b111111}},
	)

	// min distance 2 keeps distances up to 5
	res, err := newTestMatcher(t, DefaultConfig().Fallback).Match(cur, ref)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, keypoints.Distances(res.All), test.ShouldResemble, []float64{2, 5, 6})
	test.That(t, keypoints.Distances(res.Good), test.ShouldResemble, []float64{2, 5})

	// a zero min distance only keeps exact matches
	cur.Descriptors[1] = keypoints.Descriptor{0}
	res, err = newTestMatcher(t, DefaultConfig().Fallback).Match(cur, ref)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, keypoints.Distances(res.Good), test.ShouldResemble, []float64{0})
	test.That(t, res.Good[0].Query, test.ShouldEqual, 1)
}

func TestMatcherFallbackMinGoodMatches(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	fallback := DefaultConfig().Fallback
	fallback.MinGoodMatches = 3
	m := NewMatcher(keypoints.NewBruteForceMatcher(keypoints.MatchingConfig{}), DefaultConfig().Epipolar, fallback, logger)

	ref := featureSetFromPixels([]r2.Point{{X: 1, Y: 1}}, []keypoints.Descriptor{{0}})
	cur := featureSetFromPixels(
		[]r2.Point{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}},
		[]keypoints.Descriptor{{0b11}, {0b11111}, {0b111111}},
	)
	res, err := m.Match(cur, ref)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.All), test.ShouldEqual, 3)
	test.That(t, res.Good, test.ShouldBeEmpty)
	test.That(t, res.Degraded, test.ShouldBeTrue)
	test.That(t, logs.FilterMessageSnippet("below the minimum count").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessageSnippet("no good match").Len(), test.ShouldEqual, 1)
}

func TestMatcherNoFeatures(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	m := NewMatcher(keypoints.NewBruteForceMatcher(keypoints.MatchingConfig{}),
		DefaultConfig().Epipolar, DefaultConfig().Fallback, logger)
	ref := featureSetFromPixels([]r2.Point{{X: 1, Y: 1}}, []keypoints.Descriptor{{0}})

	res, err := m.Match(&FeatureSet{}, ref)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.All, test.ShouldBeEmpty)
	test.That(t, res.Good, test.ShouldBeEmpty)
	test.That(t, res.Degraded, test.ShouldBeTrue)
	// an empty result is never silent
	test.That(t, logs.FilterMessageSnippet("no good match").Len(), test.ShouldEqual, 1)

	_, err = m.Match(nil, ref)
	test.That(t, err, test.ShouldNotBeNil)
}
