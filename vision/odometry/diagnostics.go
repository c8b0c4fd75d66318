package odometry

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"

	"go.viam.com/rgbdodometry/logging"
	"go.viam.com/rgbdodometry/vision/keypoints"
)

// Diagnostics is what a cycle exposes for visualization and monitoring.
type Diagnostics struct {
	RunID    uuid.UUID
	Sequence uint64
	Rekeyed  bool

	ReferenceKeyPoints []keypoints.KeyPoint
	CurrentKeyPoints   []keypoints.KeyPoint
	AllMatches         int
	GoodMatches        []keypoints.Match
	Degraded           bool

	// ReferencePixels are the reference keypoint positions of the good matches.
	ReferencePixels []r2.Point
	// Observed and Reprojected are parallel: the current keypoint of every good match and the
	// projection of its reference 3D point through the estimated pose.
	Observed    []r2.Point
	Reprojected []r2.Point

	InPose  PoseEstimate
	OutPose PoseEstimate
	// Err is the failure of the cycle, if any. The pose fields are meaningful only without one.
	Err error
}

// ReprojectionErrors returns the pixel distance between every observed and reprojected point.
func (d *Diagnostics) ReprojectionErrors() []float64 {
	n := len(d.Observed)
	if len(d.Reprojected) < n {
		n = len(d.Reprojected)
	}
	return lo.Times(n, func(i int) float64 { return d.Observed[i].Sub(d.Reprojected[i]).Norm() })
}

// ReprojectionStats summarizes ReprojectionErrors.
type ReprojectionStats struct {
	Mean   float64
	Median float64
	P90    float64
	Max    float64
}

// Stats computes the reprojection error summary. It is all zero without reprojected points.
func (d *Diagnostics) Stats() ReprojectionStats {
	errs := d.ReprojectionErrors()
	if len(errs) == 0 {
		return ReprojectionStats{}
	}
	data := stats.Float64Data(errs)
	median, _ := data.Median()
	p90, _ := data.Percentile(90)
	maxErr, _ := data.Max()
	return ReprojectionStats{Mean: stat.Mean(errs, nil), Median: median, P90: p90, Max: maxErr}
}

// DiagnosticsSink receives the diagnostics of every cycle. Consume is called from the cycle
// goroutine and must not keep the slices beyond the call unless it copies them.
type DiagnosticsSink interface {
	Consume(ctx context.Context, d *Diagnostics)
}

type loggingSink struct {
	logger logging.Logger
}

// NewLoggingSink returns a sink that logs a summary of every cycle.
func NewLoggingSink(logger logging.Logger) DiagnosticsSink {
	return &loggingSink{logger: logger.Sublogger("diagnostics")}
}

func (s *loggingSink) Consume(ctx context.Context, d *Diagnostics) {
	if d.Err != nil {
		s.logger.Debugw("cycle failed", "run", d.RunID, "seq", d.Sequence, "error", d.Err)
		return
	}
	st := d.Stats()
	s.logger.Debugw("cycle",
		"run", d.RunID,
		"seq", d.Sequence,
		"rekeyed", d.Rekeyed,
		"ref_keypoints", len(d.ReferenceKeyPoints),
		"cur_keypoints", len(d.CurrentKeyPoints),
		"good_matches", len(d.GoodMatches),
		"degraded", d.Degraded,
		"reproj_mean_px", st.Mean,
		"reproj_median_px", st.Median,
		"reproj_p90_px", st.P90,
	)
}

type multiSink []DiagnosticsSink

func (ms multiSink) Consume(ctx context.Context, d *Diagnostics) {
	for _, s := range ms {
		s.Consume(ctx, d)
	}
}
