// Package main replays a directory of RGB-D frames through the odometry engine and logs the
// pose of every frame relative to its reference frame.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/rgbdodometry/logging"
	"go.viam.com/rgbdodometry/rimage"
	"go.viam.com/rgbdodometry/rimage/transform"
	"go.viam.com/rgbdodometry/vision/odometry"
)

// Arguments for the command.
type Arguments struct {
	FramesDir  string `flag:"0,required,usage=directory of mono_NNNN.png and depth_NNNN.png frames"`
	Intrinsics string `flag:"intrinsics,required,usage=camera intrinsics json file"`
	Config     string `flag:"config,usage=odometry config json file"`
	Realtime   bool   `flag:"realtime,usage=replay at the configured rate through the background loop"`
	Plot       string `flag:"plot,usage=write a png plot of the estimated translations to this file"`
	Debug      bool   `flag:"debug"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	logger := logging.NewLogger("odometry_replay")
	err := mainWithArgs(ctx, os.Args, logger)
	stop()
	goutils.UncheckedError(logger.Sync())
	if err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) (err error) {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Debug {
		logger = logging.NewDebugLogger("odometry_replay")
	}

	cfg := odometry.DefaultConfig()
	if argsParsed.Config != "" {
		loaded, err := odometry.LoadConfig(argsParsed.Config)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	model, err := transform.NewPinholeCameraModelFromJSONFile(argsParsed.Intrinsics)
	if err != nil {
		return err
	}

	clk := clock.New()
	frames := odometry.NewFrameBuffer()
	trajectory := &trajectorySink{}
	engine, err := odometry.NewEngine(cfg, logger,
		odometry.WithFrameSource(frames), odometry.WithDiagnosticsSink(trajectory), odometry.WithClock(clk))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, engine.Close())
	}()
	if err := engine.LoadIntrinsics(model); err != nil {
		return err
	}

	var n int
	if argsParsed.Realtime {
		n, err = replayRealtime(ctx, engine, frames, argsParsed.FramesDir, cfg, clk)
	} else {
		n, err = replay(ctx, engine, frames, argsParsed.FramesDir, cfg, logger)
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Errorf("no frames found in %q", argsParsed.FramesDir)
	}
	logger.Infow("replay done", "frames", n, "poses", trajectory.Len(), "stats", engine.Stats(), "dropped", frames.Dropped())
	if argsParsed.Plot != "" {
		return trajectory.WritePlot(argsParsed.Plot)
	}
	return nil
}

func framePaths(dir string, i int) (string, string, bool) {
	mono := filepath.Join(dir, fmt.Sprintf("mono_%04d.png", i))
	depth := filepath.Join(dir, fmt.Sprintf("depth_%04d.png", i))
	if _, err := os.Stat(mono); err != nil {
		return "", "", false
	}
	return mono, depth, true
}

// replay processes every frame in order, as fast as possible.
func replay(
	ctx context.Context,
	engine *odometry.Engine,
	frames *odometry.FrameBuffer,
	dir string,
	cfg odometry.Config,
	logger logging.Logger,
) (int, error) {
	i := 0
	for ; ctx.Err() == nil; i++ {
		mono, depth, ok := framePaths(dir, i)
		if !ok {
			break
		}
		p, err := rimage.ReadPyramidFromFiles(mono, depth, cfg.PyramidLevels)
		if err != nil {
			return i, err
		}
		frames.Deliver(p)
		res, err := engine.Step(ctx)
		if err != nil {
			if !odometry.IsRecoverable(err) {
				return i, err
			}
			logger.Warnw("frame skipped", "frame", i, "error", err)
			continue
		}
		logger.Infow("pose", "frame", i, "rekeyed", res.Rekeyed, "pose", res.Pose.String())
	}
	return i, nil
}

// replayRealtime delivers frames at the engine rate, paced by clk, and lets the background loop
// consume them.
func replayRealtime(
	ctx context.Context,
	engine *odometry.Engine,
	frames *odometry.FrameBuffer,
	dir string,
	cfg odometry.Config,
	clk clock.Clock,
) (int, error) {
	if err := engine.Start(ctx); err != nil {
		return 0, err
	}
	ticker := clk.Ticker(time.Duration(float64(time.Second) / cfg.RateHz))
	defer ticker.Stop()

	i := 0
	for ; ; i++ {
		mono, depth, ok := framePaths(dir, i)
		if !ok {
			break
		}
		p, err := rimage.ReadPyramidFromFiles(mono, depth, cfg.PyramidLevels)
		if err != nil {
			return i, err
		}
		frames.Deliver(p)
		select {
		case <-ctx.Done():
			return i, nil
		case <-ticker.C:
		}
	}
	frames.Close()
	select {
	case <-ctx.Done():
	case <-engine.Done():
	}
	return i, nil
}
