package ml

import "errors"

var (
	// ErrModelNotTrained is returned by every prediction made before a bundle exists.
	ErrModelNotTrained = errors.New("model not trained")
	// ErrBundleIncomplete means the persisted artifacts are missing or disagree.
	ErrBundleIncomplete = errors.New("model bundle incomplete")
)

// Regressor is a trained model mapping a scaled feature vector to one value.
type Regressor interface {
	Fit(features [][]float64, targets []float64) error
	Predict(features []float64) (float64, error)
	FeatureImportances() []float64
}
