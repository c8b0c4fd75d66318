package odometry

import (
	"github.com/pkg/errors"

	"go.viam.com/rgbdodometry/rimage/transform"
)

var (
	// ErrNoIntrinsics is returned by every cycle run before camera intrinsics are loaded. It is a
	// configuration error and stops the background loop.
	ErrNoIntrinsics = transform.ErrNoIntrinsics

	// ErrFrameUnavailable means no new frame arrived since the last cycle.
	ErrFrameUnavailable = errors.New("no new frame available")

	// ErrInsufficientCorrespondences means fewer than 4 good matches are left for PnP.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences for pose estimation")

	// ErrDegenerateFundamentalFit means the epipolar RANSAC fit found no inlier.
	ErrDegenerateFundamentalFit = transform.ErrDegenerateFundamentalFit

	// ErrEstimationFailure means the PnP solve did not converge to a usable pose.
	ErrEstimationFailure = errors.New("pose estimation failed")

	// ErrAlreadyStarted is returned by Start on a running engine.
	ErrAlreadyStarted = errors.New("odometry engine already started")
)

// IsRecoverable returns whether the cycle loop should keep running after err.
func IsRecoverable(err error) bool {
	return err == nil || !errors.Is(err, ErrNoIntrinsics)
}
