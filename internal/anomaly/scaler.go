package anomaly

import (
	"errors"
	"fmt"
	"math"
)

// Scaler standardises feature vectors to zero mean and unit variance
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler computes per-feature mean and population standard deviation.
// Constant features get a scale of 1 so they transform to zero.
func FitScaler(data [][]float64) (*Scaler, error) {
	if len(data) == 0 {
		return nil, errors.New("cannot fit scaler on empty data")
	}

	dims := len(data[0])
	mean := make([]float64, dims)
	scale := make([]float64, dims)

	for i, row := range data {
		if len(row) != dims {
			return nil, fmt.Errorf("row %d has %d features, expected %d", i, len(row), dims)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("row %d feature %d is not finite", i, j)
			}
			mean[j] += v
		}
	}

	n := float64(len(data))
	for j := range mean {
		mean[j] /= n
	}

	for _, row := range data {
		for j, v := range row {
			d := v - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] < 1e-12 {
			scale[j] = 1.0
		}
	}

	return &Scaler{Mean: mean, Scale: scale}, nil
}

// Transform applies the fitted standardisation to one vector
func (s *Scaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("vector has %d features, scaler expects %d", len(x), len(s.Mean))
	}

	out := make([]float64, len(x))
	for j, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("feature %d is not finite", j)
		}
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

// TransformAll applies the standardisation to every row
func (s *Scaler) TransformAll(data [][]float64) ([][]float64, error) {
	out := make([][]float64, len(data))
	for i, row := range data {
		t, err := s.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}
