package odometry

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/rgbdodometry/logging"
	"go.viam.com/rgbdodometry/rimage"
	"go.viam.com/rgbdodometry/rimage/transform"
	"go.viam.com/rgbdodometry/utils"
	"go.viam.com/rgbdodometry/vision/keypoints"
)

// State is the reference frame state of the engine.
type State int

const (
	// NoReference is the state before the first frame.
	NoReference State = iota
	// HasReference means a cycle is estimating the pose of a new reference frame. The state
	// falls back to what it was if that cycle fails.
	HasReference
	// Tracking means the last pose estimation against the reference succeeded.
	Tracking
)

func (s State) String() string {
	switch s {
	case NoReference:
		return "no_reference"
	case HasReference:
		return "has_reference"
	case Tracking:
		return "tracking"
	default:
		return "unknown"
	}
}

// CycleResult is the outcome of a successful cycle.
type CycleResult struct {
	Sequence    uint64
	Rekeyed     bool
	Pose        PoseEstimate
	Matches     *MatchResult
	Diagnostics *Diagnostics
}

// Stats are counters over the life of an engine.
type Stats struct {
	Cycles            uint64
	Rekeys            uint64
	FramesUnavailable uint64
	Failures          uint64
	DegradedCycles    uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithFeatures replaces the ORB detector and extractor built from the config.
func WithFeatures(detector keypoints.Detector, extractor keypoints.Extractor) Option {
	return func(e *Engine) {
		e.detector = detector
		e.extractor = extractor
	}
}

// WithDescriptorMatcher replaces the brute force descriptor matcher of the default Matcher.
func WithDescriptorMatcher(m keypoints.DescriptorMatcher) Option {
	return func(e *Engine) { e.descriptorMatcher = m }
}

// WithFeatureMatcher replaces the whole matching stage.
func WithFeatureMatcher(m FeatureMatcher) Option {
	return func(e *Engine) { e.matcher = m }
}

// WithPoseSolver replaces the RANSAC PnP pose estimator.
func WithPoseSolver(s PoseSolver) Option {
	return func(e *Engine) { e.solver = s }
}

// WithFrameSource sets where Step and the loop take frames from.
func WithFrameSource(src FrameSource) Option {
	return func(e *Engine) { e.source = src }
}

// WithDiagnosticsSink adds a sink to the default logging sink.
func WithDiagnosticsSink(sink DiagnosticsSink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sink) }
}

// WithClock sets the clock driving the loop.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clk = clk }
}

// Engine is the odometry state machine. It owns the reference frame, the current frame and the
// running pose, and only changes them when a stage of a cycle completes.
type Engine struct {
	cfg    Config
	logger logging.Logger
	clk    clock.Clock
	runID  uuid.UUID

	detector          keypoints.Detector
	extractor         keypoints.Extractor
	descriptorMatcher keypoints.DescriptorMatcher
	matcher           FeatureMatcher
	solver            PoseSolver
	source            FrameSource
	sinks             multiSink

	// cycleMu serializes cycles.
	cycleMu sync.Mutex

	mu        sync.Mutex
	model     *transform.PinholeCameraModel
	state     State
	reference *FeatureSet
	current   *FeatureSet
	pose      PoseEstimate
	lastGood  int
	seq       uint64

	workersMu sync.Mutex
	workers   utils.StoppableWorkers
	done      chan struct{}

	cycles            atomic.Uint64
	rekeys            atomic.Uint64
	framesUnavailable atomic.Uint64
	failures          atomic.Uint64
	degraded          atomic.Uint64
}

// NewEngine returns an engine for a valid config. Intrinsics must be loaded before the first
// cycle.
func NewEngine(cfg Config, logger logging.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate("odometry"); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger.Sublogger("engine"),
		runID:  uuid.New(),
		pose:   IdentityPose(),
		sinks:  multiSink{NewLoggingSink(logger)},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.detector == nil || e.extractor == nil {
		orb, err := keypoints.NewORB(cfg.KeyPoints)
		if err != nil {
			return nil, err
		}
		if e.detector == nil {
			e.detector = orb
		}
		if e.extractor == nil {
			e.extractor = orb
		}
	}
	if e.matcher == nil {
		if e.descriptorMatcher == nil {
			e.descriptorMatcher = keypoints.NewBruteForceMatcher(cfg.Matching)
		}
		e.matcher = NewMatcher(e.descriptorMatcher, cfg.Epipolar, cfg.Fallback, logger)
	}
	if e.solver == nil {
		e.solver = NewPoseEstimator(cfg.PnP, logger)
	}
	if e.source == nil {
		e.source = NewFrameBuffer()
	}
	if e.clk == nil {
		e.clk = clock.New()
	}
	return e, nil
}

// RunID identifies this engine in diagnostics.
func (e *Engine) RunID() uuid.UUID {
	return e.runID
}

// Source returns the frame source of the engine.
func (e *Engine) Source() FrameSource {
	return e.source
}

// LoadIntrinsics sets the camera model used for back-projection and PnP.
func (e *Engine) LoadIntrinsics(model *transform.PinholeCameraModel) error {
	if err := model.CheckValid(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.model = model
	return nil
}

// State returns the current state of the machine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Pose returns the running pose estimate.
func (e *Engine) Pose() PoseEstimate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pose
}

// Reference returns the reference feature set, nil before the first cycle.
func (e *Engine) Reference() *FeatureSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reference
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Cycles:            e.cycles.Load(),
		Rekeys:            e.rekeys.Load(),
		FramesUnavailable: e.framesUnavailable.Load(),
		Failures:          e.failures.Load(),
		DegradedCycles:    e.degraded.Load(),
	}
}

// Step runs one cycle on the newest frame of the source.
func (e *Engine) Step(ctx context.Context) (*CycleResult, error) {
	p, ok := e.source.TryGetLatest()
	if !ok {
		e.framesUnavailable.Inc()
		return nil, ErrFrameUnavailable
	}
	return e.ProcessFrame(ctx, p)
}

// ProcessFrame runs one cycle: re-key if the previous cycle had too few good matches, then
// match the frame against the reference and estimate its pose. A cycle is all or nothing: a new
// reference and its identity pose are only kept if the pose estimation of the same frame
// succeeds, and a failed cycle leaves the reference and the running pose untouched.
func (e *Engine) ProcessFrame(ctx context.Context, p *rimage.Pyramid) (*CycleResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.mu.Lock()
	model := e.model
	reference := e.reference
	inPose := e.pose
	lastGood := e.lastGood
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	if model == nil {
		return nil, errors.Wrap(ErrNoIntrinsics, "intrinsics must be loaded before processing frames")
	}
	if p == nil {
		return nil, errors.New("cannot process a nil frame")
	}
	e.cycles.Inc()
	level, err := p.Level(e.cfg.PyramidLevel)
	if err != nil {
		return nil, e.fail(err)
	}

	rekeyed, committed := false, false
	if reference == nil || lastGood < e.cfg.RekeyThreshold {
		reference, err = e.extractReference(level, model)
		if err != nil {
			return nil, e.fail(errors.Wrap(err, "cannot set reference frame"))
		}
		inPose = IdentityPose()
		rekeyed = true

		e.mu.Lock()
		prevState := e.state
		e.state = HasReference
		e.mu.Unlock()
		defer func() {
			if !committed {
				e.mu.Lock()
				e.state = prevState
				e.mu.Unlock()
			}
		}()
	}

	current, err := ExtractFeatures(e.detector, e.extractor, level.Mono, e.cfg.PyramidLevel)
	if err != nil {
		return nil, e.fail(err)
	}
	matches, err := e.matcher.Match(current, reference)
	if err != nil {
		return nil, e.fail(err)
	}
	invalid := lo.ContainsBy(matches.Good, func(m keypoints.Match) bool {
		return m.Query < 0 || m.Query >= current.Len() || m.Train < 0 || m.Train >= reference.Len()
	})
	if invalid {
		return nil, e.fail(errors.New("matcher returned an out of range correspondence"))
	}
	if matches.Degraded {
		e.degraded.Inc()
	}
	if !rekeyed {
		// the count against the kept reference decides the next re-key even if PnP fails
		e.mu.Lock()
		e.current = current
		e.lastGood = len(matches.Good)
		e.mu.Unlock()
	}

	diag := &Diagnostics{
		RunID:              e.runID,
		Sequence:           seq,
		Rekeyed:            rekeyed,
		ReferenceKeyPoints: reference.KeyPoints,
		CurrentKeyPoints:   current.KeyPoints,
		AllMatches:         len(matches.All),
		GoodMatches:        matches.Good,
		Degraded:           matches.Degraded,
		ReferencePixels:    lo.Map(matches.Good, func(m keypoints.Match, _ int) r2.Point { return reference.KeyPoints[m.Train].Point }),
		Observed:           lo.Map(matches.Good, func(m keypoints.Match, _ int) r2.Point { return current.KeyPoints[m.Query].Point }),
		InPose:             inPose,
	}
	ref3D := lo.Map(matches.Good, func(m keypoints.Match, _ int) r3.Vector { return reference.Points3D[m.Train] })

	res, err := e.solver.Estimate(ref3D, diag.Observed, model, inPose)
	if err != nil {
		diag.Err = err
		e.sinks.Consume(ctx, diag)
		return nil, e.fail(err)
	}

	e.mu.Lock()
	if rekeyed {
		e.reference = reference
		e.current = current
		e.lastGood = len(matches.Good)
	}
	e.pose = res.Pose
	e.state = Tracking
	committed = true
	e.mu.Unlock()
	if rekeyed {
		e.rekeys.Inc()
		e.logger.Infow("Set as reference frame", "seq", seq, "keypoints", reference.Len(), "good_matches", lastGood)
	}

	diag.Reprojected = res.Reprojected
	diag.OutPose = res.Pose
	e.logger.Debugw("cycle",
		"seq", seq,
		"keypoints", current.Len(),
		"matches", len(matches.All),
		"good_matches", len(matches.Good),
		"in", inPose.String(),
		"out", res.Pose.String(),
	)
	e.sinks.Consume(ctx, diag)
	return &CycleResult{Sequence: seq, Rekeyed: rekeyed, Pose: res.Pose, Matches: matches, Diagnostics: diag}, nil
}

// extractReference computes the features of a new reference frame with their 3D points.
func (e *Engine) extractReference(level rimage.PyramidLevel, model *transform.PinholeCameraModel) (*FeatureSet, error) {
	fs, err := ExtractFeatures(e.detector, e.extractor, level.Mono, e.cfg.PyramidLevel)
	if err != nil {
		return nil, err
	}
	if err := fs.BackProject(level.Depth, model.PinholeCameraIntrinsics); err != nil {
		return nil, err
	}
	return fs, nil
}

func (e *Engine) fail(err error) error {
	e.failures.Inc()
	return err
}

// Start runs cycles in the background at the configured rate until Stop is called, ctx is
// canceled, the source is exhausted or a configuration error occurs.
func (e *Engine) Start(ctx context.Context) error {
	e.workersMu.Lock()
	defer e.workersMu.Unlock()
	if e.workers != nil {
		return ErrAlreadyStarted
	}
	e.mu.Lock()
	hasModel := e.model != nil
	e.mu.Unlock()
	if !hasModel {
		return errors.Wrap(ErrNoIntrinsics, "cannot start without intrinsics")
	}

	period := time.Duration(float64(time.Second) / e.cfg.RateHz)
	ticker := e.clk.Ticker(period)
	done := make(chan struct{})
	e.done = done
	e.workers = utils.NewStoppableWorkers(ctx, func(ctx context.Context) {
		defer close(done)
		defer ticker.Stop()
		e.loop(ctx, ticker)
	})
	e.logger.Infow("odometry started", "run", e.runID, "rate_hz", e.cfg.RateHz)
	return nil
}

// Done is closed when the background loop returns. It is nil before Start.
func (e *Engine) Done() <-chan struct{} {
	e.workersMu.Lock()
	defer e.workersMu.Unlock()
	return e.done
}

func (e *Engine) loop(ctx context.Context, ticker *clock.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if src, ok := e.source.(exhaustible); ok && src.Exhausted() {
			e.logger.Info("frame source exhausted")
			return
		}
		_, err := e.Step(ctx)
		switch {
		case err == nil, errors.Is(err, ErrFrameUnavailable):
		case errors.Is(err, context.Canceled):
			return
		case !IsRecoverable(err):
			e.logger.Errorw("stopping odometry", "error", err)
			return
		default:
			e.logger.Warnw("cycle failed", "error", err)
		}
	}
}

// Stop stops the background loop and waits for the running cycle to finish.
func (e *Engine) Stop() {
	e.workersMu.Lock()
	defer e.workersMu.Unlock()
	if e.workers == nil {
		return
	}
	e.workers.Stop()
	e.workers = nil
	e.logger.Infow("odometry stopped", "stats", e.Stats())
}

// Close stops the engine, closes its frame buffer and any sink that can be closed.
func (e *Engine) Close() error {
	e.Stop()
	var err error
	if fb, ok := e.source.(*FrameBuffer); ok {
		fb.Close()
	}
	for _, s := range e.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			err = multierr.Combine(err, c.Close())
		}
	}
	return err
}
