package keypoints

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// MatchingConfig contains the parameters for matching descriptors.
type MatchingConfig struct {
	DoCrossCheck bool `json:"do_cross_check"`
	// MaxDist, when positive, drops matches whose hamming distance is not below it.
	MaxDist int `json:"max_dist"`
}

// Match pairs a query descriptor with its nearest train descriptor.
type Match struct {
	Query    int
	Train    int
	Distance float64
}

// DescriptorMatcher finds for every query descriptor its nearest train descriptor.
type DescriptorMatcher interface {
	Match(query, train []Descriptor) ([]Match, error)
}

// BruteForceMatcher matches descriptors by exhaustive hamming distance search.
type BruteForceMatcher struct {
	cfg MatchingConfig
}

// NewBruteForceMatcher returns a brute force hamming matcher.
func NewBruteForceMatcher(cfg MatchingConfig) *BruteForceMatcher {
	return &BruteForceMatcher{cfg: cfg}
}

// descriptorsHammingDistance returns the matrix of distances between every query and train descriptor.
func descriptorsHammingDistance(query, train []Descriptor) ([][]int, error) {
	distances := make([][]int, len(query))
	for i, q := range query {
		distances[i] = make([]int, len(train))
		for j, tr := range train {
			d, err := HammingDistance(q, tr)
			if err != nil {
				return nil, errors.Wrapf(err, "query %d, train %d", i, j)
			}
			distances[i][j] = d
		}
	}
	return distances, nil
}

// argMinPerRow returns the column of the smallest value of every row, the first one on ties.
func argMinPerRow(distances [][]int) []int {
	out := make([]int, len(distances))
	for i, row := range distances {
		best := math.MaxInt
		for j, d := range row {
			if d < best {
				best, out[i] = d, j
			}
		}
	}
	return out
}

func transpose(distances [][]int, nCols int) [][]int {
	out := make([][]int, nCols)
	for j := range out {
		out[j] = make([]int, len(distances))
		for i := range distances {
			out[j][i] = distances[i][j]
		}
	}
	return out
}

// Match returns, in query order, the nearest train descriptor of every query descriptor that
// passes the cross check and maximum distance filters.
func (m *BruteForceMatcher) Match(query, train []Descriptor) ([]Match, error) {
	if len(query) == 0 || len(train) == 0 {
		return []Match{}, nil
	}
	distances, err := descriptorsHammingDistance(query, train)
	if err != nil {
		return nil, err
	}
	nearest := argMinPerRow(distances)
	var reverse []int
	if m.cfg.DoCrossCheck {
		reverse = argMinPerRow(transpose(distances, len(train)))
	}
	matches := make([]Match, 0, len(query))
	for q, tr := range nearest {
		if m.cfg.DoCrossCheck && reverse[tr] != q {
			continue
		}
		d := distances[q][tr]
		if m.cfg.MaxDist > 0 && d >= m.cfg.MaxDist {
			continue
		}
		matches = append(matches, Match{Query: q, Train: tr, Distance: float64(d)})
	}
	return matches, nil
}

// Distances returns the distances of the matches.
func Distances(matches []Match) []float64 {
	out := make([]float64, len(matches))
	for i, m := range matches {
		out[i] = m.Distance
	}
	return out
}

// SortByDistance returns the matches ordered by increasing distance.
func SortByDistance(matches []Match) []Match {
	dists := Distances(matches)
	idx := make([]int, len(matches))
	floats.Argsort(dists, idx)
	sorted := make([]Match, len(matches))
	for i, k := range idx {
		sorted[i] = matches[k]
	}
	return sorted
}

// GetMatchingKeyPoints takes the matches and the keypoints and returns the positions of the
// matched query and train keypoints, in match order.
func GetMatchingKeyPoints(matches []Match, query, train []KeyPoint) ([]r2.Point, []r2.Point, error) {
	queryPts := make([]r2.Point, len(matches))
	trainPts := make([]r2.Point, len(matches))
	for i, match := range matches {
		if match.Query < 0 || match.Query >= len(query) {
			return nil, nil, errors.Errorf("match %d query index %d out of range [0, %d)", i, match.Query, len(query))
		}
		if match.Train < 0 || match.Train >= len(train) {
			return nil, nil, errors.Errorf("match %d train index %d out of range [0, %d)", i, match.Train, len(train))
		}
		queryPts[i] = query[match.Query].Point
		trainPts[i] = train[match.Train].Point
	}
	return queryPts, trainPts, nil
}
