package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestStandardScalerStandardizes(t *testing.T) {
	features := [][]float64{
		{1, 10, 5},
		{2, 20, 5},
		{3, 30, 5},
		{4, 40, 5},
	}
	scaler := &StandardScaler{}
	require.NoError(t, scaler.Fit(features))

	scaled, err := scaler.TransformAll(features)
	require.NoError(t, err)

	for f := 0; f < 2; f++ {
		column := make([]float64, len(scaled))
		for i := range scaled {
			column[i] = scaled[i][f]
		}
		mean, variance := stat.PopMeanVariance(column, nil)
		assert.InDelta(t, 0, mean, 1e-12)
		assert.InDelta(t, 1, variance, 1e-12)
	}
	// Constant columns are centred but not divided by zero.
	assert.Equal(t, 1.0, scaler.Scale[2])
	for i := range scaled {
		assert.Equal(t, 0.0, scaled[i][2])
	}
}

func TestStandardScalerErrors(t *testing.T) {
	scaler := &StandardScaler{}
	_, err := scaler.Transform([]float64{1})
	assert.Error(t, err, "unfitted scaler must refuse to transform")

	require.NoError(t, scaler.Fit([][]float64{{1, 2}, {3, 4}}))
	_, err = scaler.Transform([]float64{1, 2, 3})
	assert.Error(t, err)

	assert.Error(t, scaler.Fit(nil))
}
