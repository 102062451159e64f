package anomaly

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

const eulerGamma = 0.5772156649015329

// ForestConfig holds the isolation forest parameters
type ForestConfig struct {
	// Trees is the number of isolation trees in the ensemble
	Trees int
	// SampleSize is the number of rows drawn (without replacement) per tree
	SampleSize int
	// Contamination is the expected proportion of outliers in the baseline;
	// it places the outlier threshold on the training score distribution
	Contamination float64
	// Seed makes fits reproducible
	Seed int64
}

// DefaultForestConfig returns the parameters used for source baselines
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		Trees:         100,
		SampleSize:    256,
		Contamination: 0.1,
		Seed:          42,
	}
}

// IsolationForest is a partition-based outlier detector. Points that are
// isolated by few random splits get scores close to 1, typical points score
// around 0.5 or below.
type IsolationForest struct {
	trees      []*isoNode
	sampleSize int
	dims       int
	threshold  float64
}

type isoNode struct {
	feature int
	split   float64
	left    *isoNode
	right   *isoNode
	size    int // rows reaching a leaf
}

func (n *isoNode) isLeaf() bool {
	return n.left == nil && n.right == nil
}

// FitForest trains an isolation forest on standardised rows
func FitForest(data [][]float64, cfg ForestConfig) (*IsolationForest, error) {
	if len(data) < 2 {
		return nil, errors.New("isolation forest needs at least two rows")
	}
	if cfg.Trees <= 0 {
		return nil, fmt.Errorf("invalid tree count %d", cfg.Trees)
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 0.5 {
		return nil, fmt.Errorf("contamination must be in (0, 0.5), got %v", cfg.Contamination)
	}

	dims := len(data[0])
	for i, row := range data {
		if len(row) != dims {
			return nil, fmt.Errorf("row %d has %d features, expected %d", i, len(row), dims)
		}
	}

	sampleSize := cfg.SampleSize
	if sampleSize <= 0 || sampleSize > len(data) {
		sampleSize = len(data)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))

	rng := rand.New(rand.NewSource(cfg.Seed))
	f := &IsolationForest{
		trees:      make([]*isoNode, 0, cfg.Trees),
		sampleSize: sampleSize,
		dims:       dims,
	}

	for t := 0; t < cfg.Trees; t++ {
		perm := rng.Perm(len(data))[:sampleSize]
		rows := make([][]float64, sampleSize)
		for i, idx := range perm {
			rows[i] = data[idx]
		}
		f.trees = append(f.trees, buildTree(rows, 0, maxDepth, rng))
	}

	// Place the threshold so that roughly Contamination of the baseline
	// scores above it
	scores := make([]float64, len(data))
	for i, row := range data {
		scores[i] = f.score(row)
	}
	f.threshold = quantile(scores, 1-cfg.Contamination)

	return f, nil
}

// Score returns the anomaly score of a standardised vector in (0, 1]
func (f *IsolationForest) Score(x []float64) (float64, error) {
	if len(x) != f.dims {
		return 0, fmt.Errorf("vector has %d features, forest expects %d", len(x), f.dims)
	}
	s := f.score(x)
	if math.IsNaN(s) {
		return 0, errors.New("anomaly score is NaN")
	}
	return s, nil
}

// IsOutlier reports whether a score lies beyond the fitted threshold
func (f *IsolationForest) IsOutlier(score float64) bool {
	return score > f.threshold
}

// Threshold returns the fitted outlier threshold
func (f *IsolationForest) Threshold() float64 {
	return f.threshold
}

func (f *IsolationForest) score(x []float64) float64 {
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, x, 0)
	}
	mean := total / float64(len(f.trees))
	return math.Pow(2, -mean/averagePathLength(f.sampleSize))
}

func buildTree(rows [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if depth >= maxDepth || len(rows) <= 1 {
		return &isoNode{size: len(rows)}
	}

	// Only features that still vary can split this node
	dims := len(rows[0])
	var candidates []int
	mins := make([]float64, dims)
	maxs := make([]float64, dims)
	for j := 0; j < dims; j++ {
		mins[j], maxs[j] = rows[0][j], rows[0][j]
		for _, row := range rows[1:] {
			if row[j] < mins[j] {
				mins[j] = row[j]
			}
			if row[j] > maxs[j] {
				maxs[j] = row[j]
			}
		}
		if maxs[j] > mins[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &isoNode{size: len(rows)}
	}

	feature := candidates[rng.Intn(len(candidates))]
	split := mins[feature] + rng.Float64()*(maxs[feature]-mins[feature])

	var left, right [][]float64
	for _, row := range rows {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &isoNode{
		feature: feature,
		split:   split,
		left:    buildTree(left, depth+1, maxDepth, rng),
		right:   buildTree(right, depth+1, maxDepth, rng),
	}
}

func pathLength(n *isoNode, x []float64, depth int) float64 {
	for !n.isLeaf() {
		if x[n.feature] < n.split {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return float64(depth) + averagePathLength(n.size)
}

// averagePathLength is the expected path length of an unsuccessful search
// in a binary search tree of n nodes
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	}
}

// quantile returns the q-th quantile with linear interpolation
func quantile(values []float64, q float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
