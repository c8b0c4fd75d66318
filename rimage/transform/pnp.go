package transform

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rgbdodometry/spatialmath"
)

// ErrPnPFailed is returned when no pose explains at least 4 correspondences.
var ErrPnPFailed = errors.New("perspective-n-point pose estimation failed")

const (
	pnpMinPoints  = 4
	dltSampleSize = 6
)

// PnPConfig holds the parameters of SolvePnPRansac.
type PnPConfig struct {
	Iterations             int     `json:"iterations"`
	ReprojectionErrorPx    float64 `json:"reprojection_error_px"`
	Confidence             float64 `json:"confidence"`
	RefinementMaxIteration int     `json:"refinement_max_iterations"`
	Seed                   int64   `json:"seed"`
}

// DefaultPnPConfig returns 100 iterations, an 8 pixel inlier threshold and 0.99 confidence.
func DefaultPnPConfig() PnPConfig {
	return PnPConfig{
		Iterations:             100,
		ReprojectionErrorPx:    8,
		Confidence:             0.99,
		RefinementMaxIteration: 50,
		Seed:                   1,
	}
}

// Validate ensures all parts of the config are valid.
func (c *PnPConfig) Validate(path string) error {
	if c.Iterations <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("iterations must be positive"))
	}
	if c.ReprojectionErrorPx <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("reprojection_error_px must be positive"))
	}
	if c.Confidence <= 0 || c.Confidence >= 1 {
		return goutils.NewConfigValidationError(path, errors.Errorf("confidence must be in (0, 1), got %v", c.Confidence))
	}
	if c.RefinementMaxIteration < 0 {
		return goutils.NewConfigValidationError(path, errors.New("refinement_max_iterations cannot be negative"))
	}
	return nil
}

// CamPose is the rigid transform x_cam = Rotation * x_ref + Translation taking points from the
// reference camera frame to the current camera frame.
type CamPose struct {
	Rotation    *spatialmath.RotationMatrix
	Translation r3.Vector
}

// IdentityCamPose returns the pose of a camera that has not moved.
func IdentityCamPose() CamPose {
	return CamPose{Rotation: spatialmath.IdentityRotation()}
}

// NewCamPoseFromVectors builds a pose from a rotation vector and a translation.
func NewCamPoseFromVectors(rvec spatialmath.R3AA, tvec r3.Vector) CamPose {
	return CamPose{Rotation: rvec.RotationMatrix(), Translation: tvec}
}

// Apply moves a point from the reference frame into the camera frame.
func (cp CamPose) Apply(pt r3.Vector) r3.Vector {
	rot := cp.Rotation
	if rot == nil {
		rot = spatialmath.IdentityRotation()
	}
	return rot.Mul(pt).Add(cp.Translation)
}

// RotationVector returns the rotation as an axis angle vector.
func (cp CamPose) RotationVector() spatialmath.R3AA {
	if cp.Rotation == nil {
		return spatialmath.R3AA{}
	}
	return cp.Rotation.AxisAngle()
}

func (cp CamPose) params() []float64 {
	rv := cp.RotationVector()
	return []float64{rv.RX, rv.RY, rv.RZ, cp.Translation.X, cp.Translation.Y, cp.Translation.Z}
}

func camPoseFromParams(p []float64) CamPose {
	return NewCamPoseFromVectors(spatialmath.R3AA{RX: p[0], RY: p[1], RZ: p[2]}, r3.Vector{X: p[3], Y: p[4], Z: p[5]})
}

func (cp CamPose) isFinite() bool {
	for _, v := range cp.params() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ProjectPoints projects reference frame points through the pose and the camera model,
// distortion included.
func ProjectPoints(objectPts []r3.Vector, pose CamPose, model *PinholeCameraModel) []r2.Point {
	out := make([]r2.Point, len(objectPts))
	for i, pt := range objectPts {
		out[i], _ = model.ProjectPoint(pose.Apply(pt))
	}
	return out
}

// PnPResult is the outcome of SolvePnPRansac.
type PnPResult struct {
	Pose CamPose
	// Inliers are the indices of the correspondences within the reprojection threshold.
	Inliers []int
	// RMSE is the root mean square reprojection error over the inliers, in pixels.
	RMSE float64
}

// SolvePnPRansac finds the pose of the camera that observed objectPts at imagePts. Pose
// hypotheses come from the initial guess, when given, and from 6 point DLT samples; each is
// scored by the number of points reprojecting within ReprojectionErrorPx. The best hypothesis is
// refined with Levenberg-Marquardt on its inliers.
func SolvePnPRansac(
	objectPts []r3.Vector,
	imagePts []r2.Point,
	model *PinholeCameraModel,
	initial *CamPose,
	cfg PnPConfig,
) (*PnPResult, error) {
	if err := model.CheckValid(); err != nil {
		return nil, err
	}
	if len(objectPts) != len(imagePts) {
		return nil, errors.Errorf("got %d object points and %d image points", len(objectPts), len(imagePts))
	}
	n := len(objectPts)
	if n < pnpMinPoints {
		return nil, errors.Wrapf(ErrPnPFailed, "need at least %d correspondences, got %d", pnpMinPoints, n)
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = DefaultPnPConfig().Iterations
	}
	thrSq := cfg.ReprojectionErrorPx * cfg.ReprojectionErrorPx

	normalized := make([]r2.Point, n)
	for i, px := range imagePts {
		normalized[i] = model.NormalizePixel(px)
	}

	var best CamPose
	var bestInliers []int
	consider := func(pose CamPose) {
		inliers := reprojectionInliers(objectPts, imagePts, pose, model, thrSq)
		if len(inliers) > len(bestInliers) || bestInliers == nil {
			best, bestInliers = pose, inliers
		}
	}
	if initial != nil && initial.isFinite() {
		consider(*initial)
	}

	if n >= dltSampleSize {
		//nolint:gosec
		rng := rand.New(rand.NewSource(cfg.Seed))
		pool := newIndexPool(n)
		sObj := make([]r3.Vector, dltSampleSize)
		sImg := make([]r2.Point, dltSampleSize)
		nIter := cfg.Iterations
		for iter := 0; iter < nIter && len(bestInliers) < n; iter++ {
			for k, idx := range sampleIndices(rng, pool, dltSampleSize) {
				sObj[k] = objectPts[idx]
				sImg[k] = normalized[idx]
			}
			pose, err := solveDLT(sObj, sImg)
			if err != nil {
				continue
			}
			prev := len(bestInliers)
			consider(pose)
			if len(bestInliers) > prev {
				nIter = ransacNumIterations(cfg.Confidence, float64(len(bestInliers))/float64(n), dltSampleSize, cfg.Iterations)
			}
		}
	}
	if bestInliers == nil {
		// no initial guess and too few points for DLT
		consider(IdentityCamPose())
	}
	fitSet := bestInliers
	if len(bestInliers) < pnpMinPoints {
		if n >= dltSampleSize {
			return nil, errors.Wrapf(ErrPnPFailed, "best hypothesis has %d inliers", len(bestInliers))
		}
		// 4 or 5 points give a single hypothesis, refine it on all of them
		fitSet = newIndexPool(n)
	}

	refined := refinePose(objectPts, imagePts, fitSet, best, model, cfg.RefinementMaxIteration)
	if refined.isFinite() {
		if inliers := reprojectionInliers(objectPts, imagePts, refined, model, thrSq); len(inliers) >= len(bestInliers) {
			best, bestInliers = refined, inliers
		}
	}
	if !best.isFinite() || len(bestInliers) < pnpMinPoints {
		return nil, errors.Wrapf(ErrPnPFailed, "refined pose has %d inliers", len(bestInliers))
	}
	return &PnPResult{
		Pose:    best,
		Inliers: bestInliers,
		RMSE:    reprojectionRMSE(objectPts, imagePts, bestInliers, best, model),
	}, nil
}

func reprojectionInliers(
	objectPts []r3.Vector, imagePts []r2.Point, pose CamPose, model *PinholeCameraModel, thrSq float64,
) []int {
	inliers := make([]int, 0, len(objectPts))
	for i, pt := range objectPts {
		px, inFront := model.ProjectPoint(pose.Apply(pt))
		if !inFront {
			continue
		}
		if d := px.Sub(imagePts[i]); d.Dot(d) <= thrSq {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

func reprojectionRMSE(objectPts []r3.Vector, imagePts []r2.Point, idx []int, pose CamPose, model *PinholeCameraModel) float64 {
	if len(idx) == 0 {
		return 0
	}
	sum := 0.
	for _, i := range idx {
		px, _ := model.ProjectPoint(pose.Apply(objectPts[i]))
		d := px.Sub(imagePts[i])
		sum += d.Dot(d)
	}
	return math.Sqrt(sum / float64(len(idx)))
}

// solveDLT estimates a pose from at least 6 correspondences between 3D points and normalized
// image coordinates with the direct linear transform.
func solveDLT(objectPts []r3.Vector, normalized []r2.Point) (CamPose, error) {
	n := len(objectPts)
	// center and scale the object points for conditioning
	var centroid r3.Vector
	for _, pt := range objectPts {
		centroid = centroid.Add(pt)
	}
	centroid = centroid.Mul(1 / float64(n))
	spread := 0.
	for _, pt := range objectPts {
		spread += pt.Sub(centroid).Norm() / float64(n)
	}
	if spread == 0 {
		return CamPose{}, errors.New("object points are all identical")
	}
	s := 1 / spread

	a := mat.NewDense(2*n, 12, nil)
	for i, pt := range objectPts {
		p := pt.Sub(centroid).Mul(s)
		u, v := normalized[i].X, normalized[i].Y
		a.SetRow(2*i, []float64{p.X, p.Y, p.Z, 1, 0, 0, 0, 0, -u * p.X, -u * p.Y, -u * p.Z, -u})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, p.X, p.Y, p.Z, 1, -v * p.X, -v * p.Y, -v * p.Z, -v})
	}
	svdA := performSVD(a)
	if svdA == nil {
		return CamPose{}, errors.New("failed to factorize the DLT system")
	}
	h := svdA.V.ColView(11)
	P := mat.NewDense(3, 4, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			P.Set(r, c, h.AtVec(4*r+c))
		}
	}
	M := mat.DenseCopyOf(P.Slice(0, 3, 0, 3))
	if mat.Det(M) < 0 {
		P.Scale(-1, P)
		M.Scale(-1, M)
	}
	svdM := performSVD(M)
	if svdM == nil {
		return CamPose{}, errors.New("failed to factorize the DLT rotation")
	}
	scale := floats.Sum(svdM.Values) / 3
	if scale <= 0 || math.IsNaN(scale) {
		return CamPose{}, errors.New("degenerate DLT solution")
	}
	var rot mat.Dense
	rot.Mul(svdM.U, svdM.VT)
	rm, err := spatialmath.NewRotationMatrixFromDense(&rot)
	if err != nil {
		return CamPose{}, err
	}
	// P maps (X - c) * s; undo it so that x_cam = R X + t
	tNorm := r3.Vector{X: P.At(0, 3), Y: P.At(1, 3), Z: P.At(2, 3)}.Mul(1 / scale)
	t := tNorm.Mul(spread).Sub(rm.Mul(centroid))
	return CamPose{Rotation: rm, Translation: t}, nil
}

// refinePose minimizes the reprojection error of the selected correspondences over the
// rotation vector and translation with Levenberg-Marquardt, using a central difference Jacobian.
func refinePose(
	objectPts []r3.Vector,
	imagePts []r2.Point,
	idx []int,
	start CamPose,
	model *PinholeCameraModel,
	maxIterations int,
) CamPose {
	if maxIterations <= 0 || len(idx) < pnpMinPoints {
		return start
	}
	const (
		maxResidual = 1e4
		minStep     = 1e-12
	)
	m := 2 * len(idx)
	residuals := func(y, x []float64) {
		pose := camPoseFromParams(x)
		for k, i := range idx {
			cam := pose.Apply(objectPts[i])
			px, inFront := model.ProjectPoint(cam)
			dx, dy := px.X-imagePts[i].X, px.Y-imagePts[i].Y
			if !inFront || math.IsNaN(dx) || math.IsNaN(dy) {
				dx, dy = maxResidual, maxResidual
			}
			y[2*k] = math.Max(-maxResidual, math.Min(maxResidual, dx))
			y[2*k+1] = math.Max(-maxResidual, math.Min(maxResidual, dy))
		}
	}
	cost := func(x []float64) float64 {
		r := make([]float64, m)
		residuals(r, x)
		return floats.Dot(r, r)
	}

	x := start.params()
	r := make([]float64, m)
	residuals(r, x)
	curCost := floats.Dot(r, r)
	lambda := 1e-3
	jac := mat.NewDense(m, 6, nil)
	settings := &fd.JacobianSettings{Formula: fd.Central, OriginValue: r}

	for it := 0; it < maxIterations && curCost > 0; it++ {
		fd.Jacobian(jac, residuals, x, settings)
		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var g mat.VecDense
		g.MulVec(jac.T(), mat.NewVecDense(m, r))

		accepted := false
		var step []float64
		for try := 0; try < 10; try++ {
			a := mat.DenseCopyOf(&jtj)
			for d := 0; d < 6; d++ {
				a.Set(d, d, jtj.At(d, d)*(1+lambda)+1e-12)
			}
			var delta mat.VecDense
			if err := delta.SolveVec(a, &g); err != nil {
				lambda *= 10
				continue
			}
			step = make([]float64, 6)
			for d := range step {
				step[d] = -delta.AtVec(d)
			}
			candidate := make([]float64, 6)
			floats.AddTo(candidate, x, step)
			if c := cost(candidate); c < curCost {
				x, curCost = candidate, c
				lambda = math.Max(lambda/10, 1e-12)
				accepted = true
				break
			}
			lambda *= 10
		}
		if !accepted || floats.Norm(step, 2) < minStep {
			break
		}
		residuals(r, x)
	}
	return camPoseFromParams(x)
}
