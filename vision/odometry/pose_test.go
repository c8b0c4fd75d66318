package odometry

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/rgbdodometry/logging"
	"go.viam.com/rgbdodometry/rimage/transform"
	"go.viam.com/rgbdodometry/spatialmath"
)

func TestPoseEstimatorRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	model := testModel()
	dist, err := transform.NewBrownConrady([]float64{0.03, -0.01, 0, 0.0004, 0.0002})
	test.That(t, err, test.ShouldBeNil)
	model.Distortion = dist

	scene := randomScene(rng, 25)
	truth := PoseEstimate{
		Rotation:    spatialmath.R3AA{RX: -0.04, RY: 0.07, RZ: 0.03}.RotationMatrix(),
		Translation: r3.Vector{X: 0.15, Y: 0.02, Z: -0.1},
	}
	observed := transform.ProjectPoints(scene, truth.camPose(), model)

	pe := NewPoseEstimator(transform.DefaultPnPConfig(), logging.NewTestLogger(t))
	res, err := pe.Estimate(scene, observed, model, IdentityPose())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Pose.Rotation.AlmostEqual(truth.Rotation, 1e-6), test.ShouldBeTrue)
	test.That(t, res.Pose.Translation.Sub(truth.Translation).Norm(), test.ShouldBeLessThan, 1e-6)
	test.That(t, len(res.Inliers), test.ShouldEqual, len(scene))
	test.That(t, len(res.Reprojected), test.ShouldEqual, len(observed))
	for i := range observed {
		test.That(t, res.Reprojected[i].Sub(observed[i]).Norm(), test.ShouldBeLessThan, 1e-6)
	}
}

func TestPoseEstimatorMinimalNonCoplanar(t *testing.T) {
	model := testModel()
	scene := []r3.Vector{{X: -1, Y: -1, Z: 5}, {X: 1, Y: -0.5, Z: 6}, {X: 0.5, Y: 1, Z: 4}, {X: -0.8, Y: 0.7, Z: 7}}
	truth := PoseEstimate{Rotation: spatialmath.R3AA{RY: 0.02}.RotationMatrix(), Translation: r3.Vector{X: 0.05}}
	observed := transform.ProjectPoints(scene, truth.camPose(), model)

	pe := NewPoseEstimator(transform.DefaultPnPConfig(), logging.NewTestLogger(t))
	res, err := pe.Estimate(scene, observed, model, IdentityPose())
	test.That(t, err, test.ShouldBeNil)
	for i := range observed {
		test.That(t, res.Reprojected[i].Sub(observed[i]).Norm(), test.ShouldBeLessThan, 1e-4)
	}
}

func TestPoseEstimatorInsufficientCorrespondences(t *testing.T) {
	pe := NewPoseEstimator(transform.DefaultPnPConfig(), logging.NewTestLogger(t))
	ref := []r3.Vector{{X: 0, Y: 0, Z: 5}, {X: 1, Y: 0, Z: 5}, {X: 0, Y: 1, Z: 5}}
	cur := []r2.Point{{X: 319.5, Y: 239.5}, {X: 424.5, Y: 239.5}, {X: 319.5, Y: 344.5}}

	res, err := pe.Estimate(ref, cur, testModel(), IdentityPose())
	test.That(t, errors.Is(err, ErrInsufficientCorrespondences), test.ShouldBeTrue)
	test.That(t, res, test.ShouldBeNil)

	_, err = pe.Estimate(ref, cur[:2], testModel(), IdentityPose())
	test.That(t, errors.Is(err, ErrInsufficientCorrespondences), test.ShouldBeTrue)
}

func TestPoseEstimatorNoIntrinsics(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	scene := randomScene(rng, 8)
	observed := transform.ProjectPoints(scene, transform.IdentityCamPose(), testModel())
	pe := NewPoseEstimator(transform.DefaultPnPConfig(), logging.NewTestLogger(t))
	_, err := pe.Estimate(scene, observed, nil, IdentityPose())
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)
	test.That(t, errors.Is(err, ErrEstimationFailure), test.ShouldBeFalse)
}

func TestPoseEstimate(t *testing.T) {
	p := IdentityPose()
	test.That(t, p.IsIdentity(1e-12), test.ShouldBeTrue)
	test.That(t, p.RotationVector(), test.ShouldResemble, spatialmath.R3AA{})
	test.That(t, p.String(), test.ShouldEqual, "rvec [0.0000 0.0000 0.0000] tvec [0.0000 0.0000 0.0000]")

	p.Translation = r3.Vector{Z: 0.5}
	test.That(t, p.IsIdentity(1e-3), test.ShouldBeFalse)
	test.That(t, PoseEstimate{}.IsIdentity(0), test.ShouldBeTrue)
}
