package odometry

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/goleak"
	"go.viam.com/test"

	"go.viam.com/rgbdodometry/logging"
	"go.viam.com/rgbdodometry/rimage"
	"go.viam.com/rgbdodometry/rimage/transform"
	"go.viam.com/rgbdodometry/vision/keypoints"
)

const gridFeatureCount = 120

// gridFeatures finds the same grid of features in every image.
type gridFeatures struct{}

func (gridFeatures) Detect(_ *image.Gray) ([]keypoints.KeyPoint, error) {
	kps := make([]keypoints.KeyPoint, gridFeatureCount)
	for i := range kps {
		kps[i] = keypoints.KeyPoint{Point: r2.Point{X: float64(5 + 10*(i%12)), Y: float64(5 + 10*(i/12))}}
	}
	return kps, nil
}

func (gridFeatures) Compute(_ *image.Gray, kps []keypoints.KeyPoint) ([]keypoints.KeyPoint, []keypoints.Descriptor, error) {
	descs := make([]keypoints.Descriptor, len(kps))
	for i := range descs {
		descs[i] = keypoints.Descriptor{uint64(i)}
	}
	return kps, descs, nil
}

// scriptedMatcher returns counts[i] identity matches on its i-th call, repeating the last count.
type scriptedMatcher struct {
	mu     sync.Mutex
	counts []int
	calls  int
}

func (sm *scriptedMatcher) Match(current, reference *FeatureSet) (*MatchResult, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := sm.counts[len(sm.counts)-1]
	if sm.calls < len(sm.counts) {
		n = sm.counts[sm.calls]
	}
	sm.calls++
	matches := make([]keypoints.Match, n)
	for i := range matches {
		matches[i] = keypoints.Match{Query: i, Train: i}
	}
	return &MatchResult{All: matches, Good: matches, InlierCount: n}, nil
}

// recordingSolver records the initial poses it is given and moves the result forward by offset.
type recordingSolver struct {
	mu       sync.Mutex
	inner    PoseSolver
	offset   r3.Vector
	initials []PoseEstimate
}

func (rs *recordingSolver) Estimate(
	ref3D []r3.Vector,
	cur2D []r2.Point,
	model *transform.PinholeCameraModel,
	initial PoseEstimate,
) (*PoseResult, error) {
	rs.mu.Lock()
	rs.initials = append(rs.initials, initial)
	rs.mu.Unlock()
	res := &PoseResult{Pose: initial, Reprojected: cur2D}
	if rs.inner != nil {
		var err error
		if res, err = rs.inner.Estimate(ref3D, cur2D, model, initial); err != nil {
			return nil, err
		}
	}
	res.Pose.Translation = res.Pose.Translation.Add(rs.offset)
	return res, nil
}

func (rs *recordingSolver) initialZ() []float64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]float64, len(rs.initials))
	for i, p := range rs.initials {
		out[i] = p.Translation.Z
	}
	return out
}

func gridModel() *transform.PinholeCameraModel {
	return transform.NewPinholeCameraModel(&transform.PinholeCameraIntrinsics{
		Width: 160, Height: 120, Fx: 100, Fy: 100, Ppx: 80, Ppy: 60,
	})
}

// gridFrame returns a 160x120 frame whose depth varies so that back-projected points are not
// coplanar.
func gridFrame(t *testing.T) *rimage.Pyramid {
	t.Helper()
	depth := rimage.NewEmptyDepthMap(160, 120)
	for y := 0; y < 120; y++ {
		for x := 0; x < 160; x++ {
			depth.Set(x, y, rimage.Depth(500+(x*37+y*91)%300))
		}
	}
	p, err := rimage.NewPyramid([]rimage.PyramidLevel{{Mono: image.NewGray(image.Rect(0, 0, 160, 120)), Depth: depth}})
	test.That(t, err, test.ShouldBeNil)
	return p
}

func newGridEngine(t *testing.T, matcher FeatureMatcher, solver PoseSolver, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithFeatures(gridFeatures{}, gridFeatures{}), WithFeatureMatcher(matcher), WithPoseSolver(solver)}, opts...)
	e, err := NewEngine(DefaultConfig(), logging.NewTestLogger(t), opts...)
	test.That(t, err, test.ShouldBeNil)
	return e
}

func TestEngineRekeyThreshold(t *testing.T) {
	solver := &recordingSolver{offset: r3.Vector{Z: 0.1}}
	e := newGridEngine(t, &scriptedMatcher{counts: []int{70, 69, 70, 70}}, solver)
	test.That(t, e.State(), test.ShouldEqual, NoReference)
	test.That(t, e.LoadIntrinsics(gridModel()), test.ShouldBeNil)

	var rekeyed []bool
	for i := 0; i < 4; i++ {
		res, err := e.ProcessFrame(context.Background(), gridFrame(t))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Sequence, test.ShouldEqual, uint64(i+1))
		rekeyed = append(rekeyed, res.Rekeyed)
	}
	// 69 good matches trigger a new reference on the next cycle, 70 do not
	test.That(t, rekeyed, test.ShouldResemble, []bool{true, false, true, false})
	// the pose restarts from identity after every re-key
	test.That(t, solver.initialZ(), test.ShouldResemble, []float64{0, 0.1, 0, 0.1})
	test.That(t, e.Pose().Translation.Z, test.ShouldAlmostEqual, 0.2)
	test.That(t, e.State(), test.ShouldEqual, Tracking)

	stats := e.Stats()
	test.That(t, stats.Cycles, test.ShouldEqual, uint64(4))
	test.That(t, stats.Rekeys, test.ShouldEqual, uint64(2))
	test.That(t, stats.Failures, test.ShouldEqual, uint64(0))

	ref := e.Reference()
	test.That(t, ref.HasPoints3D(), test.ShouldBeTrue)
	test.That(t, ref.Len(), test.ShouldEqual, gridFeatureCount)
}

func TestEngineInsufficientCorrespondencesKeepsPose(t *testing.T) {
	solver := &recordingSolver{
		inner:  NewPoseEstimator(transform.DefaultPnPConfig(), logging.NewTestLogger(t)),
		offset: r3.Vector{Z: 0.1},
	}
	e := newGridEngine(t, &scriptedMatcher{counts: []int{100, 3, 3, 100}}, solver)
	test.That(t, e.LoadIntrinsics(gridModel()), test.ShouldBeNil)

	res, err := e.ProcessFrame(context.Background(), gridFrame(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Rekeyed, test.ShouldBeTrue)
	test.That(t, res.Pose.Rotation.AlmostEqual(IdentityPose().Rotation, 1e-6), test.ShouldBeTrue)
	test.That(t, res.Pose.Translation.Sub(r3.Vector{Z: 0.1}).Norm(), test.ShouldBeLessThan, 1e-6)
	for i, px := range res.Diagnostics.Observed {
		test.That(t, res.Diagnostics.Reprojected[i].Sub(px).Norm(), test.ShouldBeLessThan, 1e-6)
	}
	before := e.Pose()
	ref := e.Reference()

	_, err = e.ProcessFrame(context.Background(), gridFrame(t))
	test.That(t, errors.Is(err, ErrInsufficientCorrespondences), test.ShouldBeTrue)
	test.That(t, e.Pose(), test.ShouldResemble, before)
	test.That(t, e.State(), test.ShouldEqual, Tracking)

	// the failed cycle had too few good matches, so the next one tries a new reference; that
	// cycle fails too and keeps neither the new reference nor the identity pose
	_, err = e.ProcessFrame(context.Background(), gridFrame(t))
	test.That(t, errors.Is(err, ErrInsufficientCorrespondences), test.ShouldBeTrue)
	test.That(t, e.State(), test.ShouldEqual, Tracking)
	test.That(t, e.Reference(), test.ShouldEqual, ref)
	test.That(t, e.Pose(), test.ShouldResemble, before)
	test.That(t, e.Stats().Failures, test.ShouldEqual, uint64(2))
	test.That(t, e.Stats().Rekeys, test.ShouldEqual, uint64(1))

	// the re-key is still pending and commits with the first cycle that succeeds
	res, err = e.ProcessFrame(context.Background(), gridFrame(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Rekeyed, test.ShouldBeTrue)
	test.That(t, e.Reference(), test.ShouldNotEqual, ref)
	test.That(t, e.Pose().Translation.Sub(r3.Vector{Z: 0.1}).Norm(), test.ShouldBeLessThan, 1e-6)
	test.That(t, e.Stats().Rekeys, test.ShouldEqual, uint64(2))
}

func TestEngineFailedRekeyOnFirstFrame(t *testing.T) {
	e := newGridEngine(t, &scriptedMatcher{counts: []int{2, 100}}, &recordingSolver{
		inner: NewPoseEstimator(transform.DefaultPnPConfig(), logging.NewTestLogger(t)),
	})
	test.That(t, e.LoadIntrinsics(gridModel()), test.ShouldBeNil)

	_, err := e.ProcessFrame(context.Background(), gridFrame(t))
	test.That(t, errors.Is(err, ErrInsufficientCorrespondences), test.ShouldBeTrue)
	test.That(t, e.State(), test.ShouldEqual, NoReference)
	test.That(t, e.Reference(), test.ShouldBeNil)
	test.That(t, e.Pose().IsIdentity(1e-12), test.ShouldBeTrue)

	res, err := e.ProcessFrame(context.Background(), gridFrame(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Rekeyed, test.ShouldBeTrue)
	test.That(t, e.State(), test.ShouldEqual, Tracking)
	test.That(t, e.Reference().HasPoints3D(), test.ShouldBeTrue)
}

func TestEngineRequiresIntrinsics(t *testing.T) {
	e := newGridEngine(t, &scriptedMatcher{counts: []int{100}}, &recordingSolver{})
	_, err := e.ProcessFrame(context.Background(), gridFrame(t))
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)
	test.That(t, IsRecoverable(err), test.ShouldBeFalse)
	test.That(t, e.State(), test.ShouldEqual, NoReference)
	test.That(t, e.Reference(), test.ShouldBeNil)

	err = e.Start(context.Background())
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)

	err = e.LoadIntrinsics(nil)
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)
	err = e.LoadIntrinsics(transform.NewPinholeCameraModel(&transform.PinholeCameraIntrinsics{Width: 10, Height: 10}))
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)
}

func TestEngineStep(t *testing.T) {
	fb := NewFrameBuffer()
	e := newGridEngine(t, &scriptedMatcher{counts: []int{100}}, &recordingSolver{}, WithFrameSource(fb))
	test.That(t, e.LoadIntrinsics(gridModel()), test.ShouldBeNil)

	_, err := e.Step(context.Background())
	test.That(t, errors.Is(err, ErrFrameUnavailable), test.ShouldBeTrue)
	test.That(t, IsRecoverable(err), test.ShouldBeTrue)
	test.That(t, e.Stats().FramesUnavailable, test.ShouldEqual, uint64(1))

	fb.Deliver(gridFrame(t))
	res, err := e.Step(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Diagnostics.RunID, test.ShouldEqual, e.RunID())
	test.That(t, len(res.Diagnostics.GoodMatches), test.ShouldEqual, 100)
	test.That(t, len(res.Diagnostics.ReferencePixels), test.ShouldEqual, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fb.Deliver(gridFrame(t))
	_, err = e.Step(ctx)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

type chanSink struct {
	ch chan *Diagnostics
}

func (s *chanSink) Consume(_ context.Context, d *Diagnostics) {
	s.ch <- d
}

func waitForDiagnostics(t *testing.T, ch <-chan *Diagnostics) *Diagnostics {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a cycle")
		return nil
	}
}

func TestEngineLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	mock := clock.NewMock()
	fb := NewFrameBuffer()
	sink := &chanSink{ch: make(chan *Diagnostics, 4)}
	e := newGridEngine(t, &scriptedMatcher{counts: []int{100}}, &recordingSolver{offset: r3.Vector{X: 0.01}},
		WithClock(mock), WithFrameSource(fb), WithDiagnosticsSink(sink))
	test.That(t, e.Done(), test.ShouldBeNil)
	test.That(t, e.LoadIntrinsics(gridModel()), test.ShouldBeNil)
	test.That(t, e.Start(context.Background()), test.ShouldBeNil)
	test.That(t, e.Start(context.Background()), test.ShouldEqual, ErrAlreadyStarted)

	period := time.Second / 30
	fb.Deliver(gridFrame(t))
	mock.Add(period)
	d := waitForDiagnostics(t, sink.ch)
	test.That(t, d.Rekeyed, test.ShouldBeTrue)
	test.That(t, d.Sequence, test.ShouldEqual, uint64(1))

	fb.Deliver(gridFrame(t))
	mock.Add(period)
	d = waitForDiagnostics(t, sink.ch)
	test.That(t, d.Rekeyed, test.ShouldBeFalse)
	test.That(t, d.OutPose.Translation.X, test.ShouldAlmostEqual, 0.02)

	// the loop ends by itself once the source runs dry
	fb.Close()
	mock.Add(period)
	select {
	case <-e.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("loop did not stop on an exhausted source")
	}
	e.Stop()
	test.That(t, e.Stats().Cycles, test.ShouldEqual, uint64(2))
	test.That(t, e.Close(), test.ShouldBeNil)
}

func TestEngineStopWithoutFrames(t *testing.T) {
	defer goleak.VerifyNone(t)

	mock := clock.NewMock()
	e := newGridEngine(t, &scriptedMatcher{counts: []int{100}}, &recordingSolver{}, WithClock(mock))
	test.That(t, e.LoadIntrinsics(gridModel()), test.ShouldBeNil)
	test.That(t, e.Start(context.Background()), test.ShouldBeNil)
	mock.Add(time.Second)
	e.Stop()
	e.Stop()
	test.That(t, e.Stats().Cycles, test.ShouldEqual, uint64(0))

	// a stopped engine can run again
	test.That(t, e.Start(context.Background()), test.ShouldBeNil)
	test.That(t, e.Close(), test.ShouldBeNil)
}

func TestEngineTracksStaticScene(t *testing.T) {
	cfg := DefaultConfig()
	e, err := NewEngine(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	model := transform.NewPinholeCameraModel(&transform.PinholeCameraIntrinsics{
		Width: 320, Height: 240, Fx: 300, Fy: 300, Ppx: 160, Ppy: 120,
	})
	test.That(t, e.LoadIntrinsics(model), test.ShouldBeNil)

	depth := rimage.NewEmptyDepthMap(320, 240)
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			depth.Set(x, y, rimage.Depth(800+(x*53+y*29)%400))
		}
	}
	frame, err := rimage.NewPyramid([]rimage.PyramidLevel{{Mono: noiseImage(320, 240, 17), Depth: depth}})
	test.That(t, err, test.ShouldBeNil)

	res, err := e.ProcessFrame(context.Background(), frame)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Rekeyed, test.ShouldBeTrue)
	test.That(t, res.Matches.Degraded, test.ShouldBeFalse)
	test.That(t, len(res.Matches.Good), test.ShouldBeGreaterThanOrEqualTo, cfg.RekeyThreshold)
	test.That(t, res.Pose.IsIdentity(1e-6), test.ShouldBeTrue)

	res, err = e.ProcessFrame(context.Background(), frame.Clone())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Rekeyed, test.ShouldBeFalse)
	test.That(t, res.Pose.IsIdentity(1e-6), test.ShouldBeTrue)
	test.That(t, res.Diagnostics.Stats().Max, test.ShouldBeLessThan, 1e-6)
}
