package transform

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrDegenerateFundamentalFit is returned when no fundamental matrix explains any of the
// correspondences, including when there are fewer than the 8 needed for a fit.
var ErrDegenerateFundamentalFit = errors.New("degenerate fundamental matrix fit")

const fundamentalSampleSize = 8

// FundamentalRANSACParams are the parameters of FindFundamentalMatRANSAC.
type FundamentalRANSACParams struct {
	// Threshold is the largest distance in pixels between a point and its epipolar line for
	// the correspondence to be an inlier.
	Threshold     float64
	Confidence    float64
	MaxIterations int
	Seed          int64
}

// ComputeFundamentalMatrixAllPoints compute the fundamental matrix F from all points, such that
// pts2[i]^T F pts1[i] = 0.
func ComputeFundamentalMatrixAllPoints(pts1, pts2 []r2.Point, normalize bool) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	if len(pts1) < fundamentalSampleSize {
		return nil, errors.New("sets of points must have at least 8 elements")
	}
	nPoints := len(pts1)

	var points1, points2 []r2.Point
	var T1, T2 *mat.Dense

	if normalize {
		var ok1, ok2 bool
		points1, T1, ok1 = normalizePoints(pts1)
		points2, T2, ok2 = normalizePoints(pts2)
		if !ok1 || !ok2 {
			return nil, errors.New("points are all identical, cannot normalize")
		}
	} else {
		points1 = make([]r2.Point, nPoints)
		copy(points1, pts1)
		points2 = make([]r2.Point, nPoints)
		copy(points2, pts2)
		T1 = eye(3)
		T2 = eye(3)
	}

	m := mat.NewDense(nPoints, 9, nil)
	for i := range points1 {
		v1 := points1[i]
		v2 := points2[i]
		row := []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		}
		m.SetRow(i, row)
	}

	mats1 := performSVD(m)
	if mats1 == nil {
		return nil, errors.New("failed to factorize the epipolar constraint matrix")
	}
	lastColV := mats1.V.ColView(8)
	fData := make([]float64, 9)
	for i := range fData {
		fData[i] = lastColV.AtVec(i)
	}
	F := mat.NewDense(3, 3, fData)

	// enforce rank 2 of F
	mats2 := performSVD(F)
	if mats2 == nil {
		return nil, errors.New("failed to factorize the fundamental matrix")
	}
	S := mats2.S
	S.Set(2, 2, 0)
	Fhat := mat.NewDense(3, 3, nil)
	Fhat.Mul(mats2.U, S)
	F.Mul(Fhat, mats2.VT)

	// undo normalization: T2^T @ F @ T1
	F.Mul(T2.T(), F)
	F.Mul(F, T1)

	// F is defined up to scale. Fix F22 = 1 unless it vanishes, as it does for the skew
	// symmetric F fitted to two identical views.
	if f22 := F.At(2, 2); math.Abs(f22) > 1e-12 {
		F.Scale(1/f22, F)
	} else if norm := mat.Norm(F, 2); norm > 0 {
		F.Scale(1/norm, F)
	}
	if !isFinite(F) {
		return nil, errors.New("fundamental matrix is not finite")
	}
	return F, nil
}

// EpipolarDistanceSq returns the larger of the two squared distances between each point and
// the epipolar line of its correspondent in the other image.
func EpipolarDistanceSq(F mat.Matrix, p1, p2 r2.Point) float64 {
	// l2 = F p1 is the epipolar line of p1 in image 2, l1 = F^T p2 the one of p2 in image 1.
	a2 := F.At(0, 0)*p1.X + F.At(0, 1)*p1.Y + F.At(0, 2)
	b2 := F.At(1, 0)*p1.X + F.At(1, 1)*p1.Y + F.At(1, 2)
	c2 := F.At(2, 0)*p1.X + F.At(2, 1)*p1.Y + F.At(2, 2)
	a1 := F.At(0, 0)*p2.X + F.At(1, 0)*p2.Y + F.At(2, 0)
	b1 := F.At(0, 1)*p2.X + F.At(1, 1)*p2.Y + F.At(2, 1)

	num := p2.X*a2 + p2.Y*b2 + c2
	num *= num
	n2 := a2*a2 + b2*b2
	n1 := a1*a1 + b1*b1
	if n1 == 0 || n2 == 0 {
		return math.Inf(1)
	}
	return math.Max(num/n1, num/n2)
}

func countFundamentalInliers(F mat.Matrix, pts1, pts2 []r2.Point, thrSq float64, mask []bool) int {
	count := 0
	for i := range pts1 {
		d := EpipolarDistanceSq(F, pts1[i], pts2[i])
		mask[i] = d <= thrSq
		if mask[i] {
			count++
		}
	}
	return count
}

// FindFundamentalMatRANSAC robustly fits a fundamental matrix F with pts2^T F pts1 = 0 using
// 8 point samples. It returns the fit and the inlier mask over the input correspondences. When
// no correspondence is an inlier, or there are fewer than 8 of them, the mask is all false and
// the error is ErrDegenerateFundamentalFit.
func FindFundamentalMatRANSAC(pts1, pts2 []r2.Point, params FundamentalRANSACParams) (*mat.Dense, []bool, error) {
	if len(pts1) != len(pts2) {
		return nil, nil, errors.Errorf("point sets must have the same size, got %d and %d", len(pts1), len(pts2))
	}
	n := len(pts1)
	mask := make([]bool, n)
	if n < fundamentalSampleSize {
		return nil, mask, errors.Wrapf(ErrDegenerateFundamentalFit, "need at least %d correspondences, got %d",
			fundamentalSampleSize, n)
	}
	if params.MaxIterations <= 0 {
		params.MaxIterations = 1000
	}
	thrSq := params.Threshold * params.Threshold

	//nolint:gosec
	rng := rand.New(rand.NewSource(params.Seed))
	pool := newIndexPool(n)
	s1 := make([]r2.Point, fundamentalSampleSize)
	s2 := make([]r2.Point, fundamentalSampleSize)
	candidate := make([]bool, n)

	var bestF *mat.Dense
	bestCount := 0
	nIter := params.MaxIterations
	for iter := 0; iter < nIter; iter++ {
		for k, idx := range sampleIndices(rng, pool, fundamentalSampleSize) {
			s1[k] = pts1[idx]
			s2[k] = pts2[idx]
		}
		F, err := ComputeFundamentalMatrixAllPoints(s1, s2, true)
		if err != nil {
			continue
		}
		count := countFundamentalInliers(F, pts1, pts2, thrSq, candidate)
		if count > bestCount {
			bestCount = count
			bestF = F
			copy(mask, candidate)
			nIter = ransacNumIterations(params.Confidence, float64(count)/float64(n),
				fundamentalSampleSize, params.MaxIterations)
		}
	}
	if bestCount == 0 {
		return nil, mask, errors.Wrap(ErrDegenerateFundamentalFit, "no correspondence is consistent with any fit")
	}

	// refit on the whole consensus set and keep it if it explains at least as much
	if bestCount > fundamentalSampleSize {
		in1 := make([]r2.Point, 0, bestCount)
		in2 := make([]r2.Point, 0, bestCount)
		for i, ok := range mask {
			if ok {
				in1 = append(in1, pts1[i])
				in2 = append(in2, pts2[i])
			}
		}
		if F, err := ComputeFundamentalMatrixAllPoints(in1, in2, true); err == nil {
			if count := countFundamentalInliers(F, pts1, pts2, thrSq, candidate); count >= bestCount {
				bestF = F
				copy(mask, candidate)
			}
		}
	}
	return bestF, mask, nil
}

// normalizePoints normalizes points as described in Multiple View Geometry, Alg 11.1. It reports
// false when the points are all identical.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense, bool) {
	nPoints := len(pts)
	mu := r2.Point{}
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1. / float64(nPoints))
	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / float64(nPoints)
	}
	if d == 0 {
		return nil, nil, false
	}
	scale := math.Sqrt(2) / d
	T := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	pointsTransformed := make([]r2.Point, nPoints)
	for i := range pointsTransformed {
		pointsTransformed[i] = pts[i].Sub(mu).Mul(scale)
	}
	return pointsTransformed, T, true
}

// eye create an identity matrix of size nxn.
func eye(n int) *mat.Dense {
	if n <= 0 {
		return nil
	}
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func isFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := m.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// matsSVD stores the matrices from SVD decomposition.
type matsSVD struct {
	U      *mat.Dense
	V      *mat.Dense
	VT     *mat.Dense
	S      *mat.Dense
	Values []float64
}

// performSVD performs SVD on inputMatrix and returns matrices U, Sigma and V from the decomposition.
func performSVD(inputMatrix mat.Matrix) *matsSVD {
	var svd mat.SVD
	if ok := svd.Factorize(inputMatrix, mat.SVDFull); !ok {
		return nil
	}
	u, v, sigma, vt := &mat.Dense{}, &mat.Dense{}, &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)
	vt.CloneFrom(v.T())
	singularValues := svd.Values(nil)
	sigma.CloneFrom(mat.NewDiagDense(len(singularValues), singularValues))
	return &matsSVD{u, v, vt, sigma, singularValues}
}
