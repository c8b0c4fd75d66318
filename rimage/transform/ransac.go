package transform

import (
	"math"
	"math/rand"
)

// ransacNumIterations returns the number of iterations needed to draw, with the given
// confidence, at least one sample of sampleSize points free of outliers when a fraction
// inlierRatio of the data are inliers. The result never exceeds maxIterations.
func ransacNumIterations(confidence, inlierRatio float64, sampleSize, maxIterations int) int {
	if inlierRatio <= 0 {
		return maxIterations
	}
	if inlierRatio >= 1 {
		return 1
	}
	confidence = math.Max(0, math.Min(confidence, 1-1e-12))
	num := math.Log(1 - confidence)
	denom := math.Log(1 - math.Pow(inlierRatio, float64(sampleSize)))
	if denom >= 0 || -num >= float64(maxIterations)*(-denom) {
		return maxIterations
	}
	n := int(math.Ceil(num / denom))
	if n < 1 {
		return 1
	}
	return n
}

// sampleIndices draws k distinct indices in [0, n) using a partial Fisher-Yates shuffle of
// the pool, which is reused across calls.
func sampleIndices(rng *rand.Rand, pool []int, k int) []int {
	n := len(pool)
	for i := 0; i < k; i++ {
		j := i + rng.Intn(n-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:k]
}

func newIndexPool(n int) []int {
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}
	return pool
}
