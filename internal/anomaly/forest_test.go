package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoClusters returns common rows at the origin and rare rows at (10, 10)
func twoClusters(common, rare int) [][]float64 {
	var data [][]float64
	for i := 0; i < common; i++ {
		data = append(data, []float64{0, 0})
	}
	for i := 0; i < rare; i++ {
		data = append(data, []float64{10, 10})
	}
	return data
}

func TestFitForest_RareClusterScoresHigher(t *testing.T) {
	forest, err := FitForest(twoClusters(95, 5), DefaultForestConfig())
	require.NoError(t, err)

	common, err := forest.Score([]float64{0, 0})
	require.NoError(t, err)
	rare, err := forest.Score([]float64{10, 10})
	require.NoError(t, err)

	assert.Greater(t, rare, common)
	assert.True(t, forest.IsOutlier(rare))
	assert.False(t, forest.IsOutlier(common))

	// Scores live in (0, 1]
	assert.Greater(t, common, 0.0)
	assert.LessOrEqual(t, rare, 1.0)
}

func TestFitForest_Deterministic(t *testing.T) {
	data := [][]float64{
		{0.1, 1.2}, {0.3, 0.9}, {-0.4, 1.1}, {0.0, 1.0}, {0.2, 0.8},
		{-0.1, 1.3}, {0.5, 0.7}, {3.0, -2.0}, {0.1, 1.0}, {-0.2, 0.9},
	}

	a, err := FitForest(data, DefaultForestConfig())
	require.NoError(t, err)
	b, err := FitForest(data, DefaultForestConfig())
	require.NoError(t, err)

	for _, row := range data {
		sa, err := a.Score(row)
		require.NoError(t, err)
		sb, err := b.Score(row)
		require.NoError(t, err)
		assert.Equal(t, sa, sb)
	}
	assert.Equal(t, a.Threshold(), b.Threshold())
}

func TestFitForest_InvalidInput(t *testing.T) {
	cfg := DefaultForestConfig()

	tests := []struct {
		name string
		data [][]float64
		cfg  ForestConfig
	}{
		{name: "single row", data: [][]float64{{1, 2}}, cfg: cfg},
		{name: "ragged rows", data: [][]float64{{1, 2}, {1}}, cfg: cfg},
		{name: "no trees", data: twoClusters(5, 1), cfg: ForestConfig{Trees: 0, Contamination: 0.1}},
		{name: "contamination too high", data: twoClusters(5, 1), cfg: ForestConfig{Trees: 10, Contamination: 0.6}},
		{name: "zero contamination", data: twoClusters(5, 1), cfg: ForestConfig{Trees: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FitForest(tt.data, tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestIsolationForest_ScoreErrors(t *testing.T) {
	forest, err := FitForest(twoClusters(10, 2), DefaultForestConfig())
	require.NoError(t, err)

	_, err = forest.Score([]float64{1, 2, 3})
	assert.Error(t, err)
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(0))
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 2.3275, averagePathLength(5), 0.001)
	assert.InDelta(t, 10.2448, averagePathLength(256), 0.001)
}

func TestQuantile(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3}

	assert.Equal(t, 1.0, quantile(values, 0))
	assert.Equal(t, 5.0, quantile(values, 1))
	assert.Equal(t, 3.0, quantile(values, 0.5))
	assert.InDelta(t, 4.6, quantile(values, 0.9), 1e-9)

	// Input is left untouched
	assert.Equal(t, []float64{5, 1, 4, 2, 3}, values)
}
