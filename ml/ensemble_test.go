package ml

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearDataset(n int) ([][]float64, []float64) {
	features := make([][]float64, n)
	targets := make([]float64, n)
	for i := 0; i < n; i++ {
		x0 := float64(i%20) / 2
		x1 := float64((i*7)%13) - 6
		features[i] = []float64{x0, x1}
		targets[i] = 3*x0 + 0.5*x1
	}
	return features, targets
}

func TestGradientBoostingFitsLinearTarget(t *testing.T) {
	features, targets := linearDataset(200)
	model := NewGradientBoostingRegressor(60, 0.1, 3)
	require.NoError(t, model.Fit(features, targets))
	require.Len(t, model.Trees, 60)

	eval, err := evaluate(model, features, targets)
	require.NoError(t, err)
	assert.Less(t, eval.MAE, 1.0)
	assert.Greater(t, eval.R2, 0.95)

	imp := model.FeatureImportances()
	require.Len(t, imp, 2)
	assert.Greater(t, imp[0], imp[1], "x0 carries most of the signal")
	assert.InDelta(t, 1.0, imp[0]+imp[1], 1e-9)
}

func TestGradientBoostingValidatesParameters(t *testing.T) {
	features, targets := linearDataset(10)
	assert.Error(t, NewGradientBoostingRegressor(0, 0.1, 3).Fit(features, targets))
	assert.Error(t, NewGradientBoostingRegressor(5, 0, 3).Fit(features, targets))

	_, err := NewGradientBoostingRegressor(5, 0.1, 3).Predict([]float64{1, 1})
	assert.ErrorIs(t, err, ErrModelNotTrained)
}

func TestRandomForestIsDeterministic(t *testing.T) {
	features, targets := linearDataset(150)

	first := NewRandomForestRegressor(12, 6, 7)
	second := NewRandomForestRegressor(12, 6, 7)
	require.NoError(t, first.Fit(features, targets))
	require.NoError(t, second.Fit(features, targets))

	for _, row := range features {
		a, err := first.Predict(row)
		require.NoError(t, err)
		b, err := second.Predict(row)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}

	eval, err := evaluate(first, features, targets)
	require.NoError(t, err)
	assert.Greater(t, eval.R2, 0.9)
}

func TestRandomForestPredictionWithinTargetRange(t *testing.T) {
	features, targets := linearDataset(100)
	forest := NewRandomForestRegressor(8, 4, 1)
	require.NoError(t, forest.Fit(features, targets))

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, y := range targets {
		lo = math.Min(lo, y)
		hi = math.Max(hi, y)
	}
	for _, row := range [][]float64{{-100, -100}, {0, 0}, {100, 100}} {
		p, err := forest.Predict(row)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, p, lo)
		assert.LessOrEqual(t, p, hi)
	}
}
