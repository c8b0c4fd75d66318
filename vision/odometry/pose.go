package odometry

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rgbdodometry/logging"
	"go.viam.com/rgbdodometry/rimage/transform"
	"go.viam.com/rgbdodometry/spatialmath"
)

const minPnPCorrespondences = 4

// PoseEstimate is the pose of the current frame relative to the reference frame:
// x_cur = Rotation * x_ref + Translation.
type PoseEstimate struct {
	Rotation    *spatialmath.RotationMatrix
	Translation r3.Vector
}

// IdentityPose returns the pose of a frame that has not moved from the reference.
func IdentityPose() PoseEstimate {
	return PoseEstimate{Rotation: spatialmath.IdentityRotation()}
}

// RotationVector returns the rotation as an axis angle vector.
func (p PoseEstimate) RotationVector() spatialmath.R3AA {
	return p.camPose().RotationVector()
}

// IsIdentity returns whether the pose is within tol of the identity.
func (p PoseEstimate) IsIdentity(tol float64) bool {
	rot := p.Rotation
	if rot == nil {
		rot = spatialmath.IdentityRotation()
	}
	return rot.AlmostEqual(spatialmath.IdentityRotation(), tol) && p.Translation.Norm() <= tol
}

func (p PoseEstimate) String() string {
	rv := p.RotationVector()
	return fmt.Sprintf("rvec [%.4f %.4f %.4f] tvec [%.4f %.4f %.4f]",
		rv.RX, rv.RY, rv.RZ, p.Translation.X, p.Translation.Y, p.Translation.Z)
}

func (p PoseEstimate) camPose() transform.CamPose {
	return transform.CamPose{Rotation: p.Rotation, Translation: p.Translation}
}

func poseFromCamPose(cp transform.CamPose) PoseEstimate {
	return PoseEstimate{Rotation: cp.Rotation, Translation: cp.Translation}
}

// PoseResult is the outcome of one pose estimation.
type PoseResult struct {
	Pose PoseEstimate
	// Reprojected has every input 3D point projected through Pose, in input order.
	Reprojected []r2.Point
	Inliers     []int
	RMSE        float64
}

// PoseSolver estimates the pose of a camera from 3D reference points and their 2D observations.
type PoseSolver interface {
	Estimate(
		ref3D []r3.Vector,
		cur2D []r2.Point,
		model *transform.PinholeCameraModel,
		initial PoseEstimate,
	) (*PoseResult, error)
}

// PoseEstimator solves PnP with RANSAC, starting from the previous pose.
type PoseEstimator struct {
	cfg    transform.PnPConfig
	logger logging.Logger
}

// NewPoseEstimator returns a RANSAC PnP pose estimator.
func NewPoseEstimator(cfg transform.PnPConfig, logger logging.Logger) *PoseEstimator {
	return &PoseEstimator{cfg: cfg, logger: logger.Sublogger("pnp")}
}

// Estimate refines initial so that ref3D projects onto cur2D.
func (pe *PoseEstimator) Estimate(
	ref3D []r3.Vector,
	cur2D []r2.Point,
	model *transform.PinholeCameraModel,
	initial PoseEstimate,
) (*PoseResult, error) {
	if len(ref3D) != len(cur2D) {
		return nil, errors.Wrapf(ErrInsufficientCorrespondences,
			"got %d reference points and %d current points", len(ref3D), len(cur2D))
	}
	if len(ref3D) < minPnPCorrespondences {
		return nil, errors.Wrapf(ErrInsufficientCorrespondences,
			"need at least %d correspondences, got %d", minPnPCorrespondences, len(ref3D))
	}
	guess := initial.camPose()
	res, err := transform.SolvePnPRansac(ref3D, cur2D, model, &guess, pe.cfg)
	if err != nil {
		if errors.Is(err, ErrNoIntrinsics) {
			return nil, err
		}
		return nil, errors.Wrap(ErrEstimationFailure, err.Error())
	}
	pe.logger.Debugw("pnp solved", "inliers", len(res.Inliers), "points", len(ref3D), "rmse", res.RMSE)
	return &PoseResult{
		Pose:        poseFromCamPose(res.Pose),
		Reprojected: transform.ProjectPoints(ref3D, res.Pose, model),
		Inliers:     res.Inliers,
		RMSE:        res.RMSE,
	}, nil
}
