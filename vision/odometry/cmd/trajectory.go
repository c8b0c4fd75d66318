package main

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"go.viam.com/rgbdodometry/vision/odometry"
)

// trajectorySink records the pose of every successful cycle.
type trajectorySink struct {
	mu      sync.Mutex
	seqs    []uint64
	poses   []odometry.PoseEstimate
	rekeyed []uint64
}

func (ts *trajectorySink) Consume(_ context.Context, d *odometry.Diagnostics) {
	if d.Err != nil {
		return
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.seqs = append(ts.seqs, d.Sequence)
	ts.poses = append(ts.poses, d.OutPose)
	if d.Rekeyed {
		ts.rekeyed = append(ts.rekeyed, d.Sequence)
	}
}

func (ts *trajectorySink) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.poses)
}

// WritePlot plots the translation relative to the reference frame against the cycle number.
func (ts *trajectorySink) WritePlot(path string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.poses) == 0 {
		return errors.New("no pose to plot")
	}
	p := plot.New()
	p.Title.Text = "translation relative to reference frame"
	p.X.Label.Text = "cycle"
	p.Y.Label.Text = "translation"

	axes := make([]plotter.XYs, 3)
	for i := range axes {
		axes[i] = make(plotter.XYs, len(ts.poses))
	}
	for i, pose := range ts.poses {
		x := float64(ts.seqs[i])
		axes[0][i] = plotter.XY{X: x, Y: pose.Translation.X}
		axes[1][i] = plotter.XY{X: x, Y: pose.Translation.Y}
		axes[2][i] = plotter.XY{X: x, Y: pose.Translation.Z}
	}
	if err := plotutil.AddLinePoints(p, "x", axes[0], "y", axes[1], "z", axes[2]); err != nil {
		return err
	}
	if len(ts.rekeyed) > 0 {
		marks := make(plotter.XYs, len(ts.rekeyed))
		for i, seq := range ts.rekeyed {
			marks[i] = plotter.XY{X: float64(seq)}
		}
		scatter, err := plotter.NewScatter(marks)
		if err != nil {
			return err
		}
		p.Add(scatter)
		p.Legend.Add("re-key", scatter)
	}
	return p.Save(8*vg.Inch, 4*vg.Inch, path)
}
