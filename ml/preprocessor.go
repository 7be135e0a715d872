package ml

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// StandardScaler centres every column on its training mean and divides by its
// population standard deviation. Constant columns are only centred.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

func (s *StandardScaler) Fit(features [][]float64) error {
	if len(features) == 0 {
		return errors.New("features is empty")
	}
	width := len(features[0])
	mean := make([]float64, width)
	scale := make([]float64, width)
	column := make([]float64, len(features))
	for f := 0; f < width; f++ {
		for i, row := range features {
			if len(row) != width {
				return errors.New("ragged feature matrix")
			}
			column[i] = row[f]
		}
		m, variance := stat.PopMeanVariance(column, nil)
		mean[f] = m
		std := math.Sqrt(variance)
		if std < 1e-12 || math.IsNaN(std) {
			std = 1
		}
		scale[f] = std
	}
	s.Mean = mean
	s.Scale = scale
	return nil
}

func (s *StandardScaler) Fitted() bool {
	return len(s.Mean) > 0 && len(s.Mean) == len(s.Scale)
}

func (s *StandardScaler) Transform(vector []float64) ([]float64, error) {
	if !s.Fitted() {
		return nil, errors.New("scaler not fitted")
	}
	if len(vector) != len(s.Mean) {
		return nil, fmt.Errorf("expected %d features, got %d", len(s.Mean), len(vector))
	}
	out := make([]float64, len(vector))
	for i, v := range vector {
		out[i] = (v - s.Mean[i]) / s.Scale[i]
	}
	return out, nil
}

func (s *StandardScaler) TransformAll(features [][]float64) ([][]float64, error) {
	out := make([][]float64, len(features))
	for i, row := range features {
		scaled, err := s.Transform(row)
		if err != nil {
			return nil, err
		}
		out[i] = scaled
	}
	return out, nil
}
