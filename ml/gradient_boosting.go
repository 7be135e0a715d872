package ml

import (
	"context"
	"errors"
)

// GradientBoostingRegressor fits a sequence of shallow regression trees to the
// residuals of the running least-squares prediction.
type GradientBoostingRegressor struct {
	NEstimators  int               `json:"n_estimators"`
	LearningRate float64           `json:"learning_rate"`
	MaxDepth     int               `json:"max_depth"`
	Init         float64           `json:"init"`
	Trees        []*RegressionTree `json:"trees"`
	Importances  []float64         `json:"importances"`
}

func NewGradientBoostingRegressor(nEstimators int, learningRate float64, maxDepth int) *GradientBoostingRegressor {
	return &GradientBoostingRegressor{
		NEstimators:  nEstimators,
		LearningRate: learningRate,
		MaxDepth:     maxDepth,
	}
}

func (g *GradientBoostingRegressor) Fit(features [][]float64, targets []float64) error {
	return g.FitContext(context.Background(), features, targets)
}

// FitContext is Fit with cancellation checked between boosting stages.
func (g *GradientBoostingRegressor) FitContext(ctx context.Context, features [][]float64, targets []float64) error {
	if err := checkTrainingSet(features, targets); err != nil {
		return err
	}
	if g.NEstimators <= 0 {
		return errors.New("n_estimators must be positive")
	}
	if g.LearningRate <= 0 {
		return errors.New("learning_rate must be positive")
	}

	var mean float64
	for _, y := range targets {
		mean += y
	}
	mean /= float64(len(targets))

	current := make([]float64, len(targets))
	for i := range current {
		current[i] = mean
	}

	rows := make([]int, len(features))
	for i := range rows {
		rows[i] = i
	}
	// Rows and columns never change between stages, only the residuals do.
	sorted := argsortColumns(features, rows)

	importances := make([]float64, len(features[0]))
	residuals := make([]float64, len(targets))
	trees := make([]*RegressionTree, 0, g.NEstimators)
	for stage := 0; stage < g.NEstimators; stage++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i, y := range targets {
			residuals[i] = y - current[i]
		}
		tree := NewRegressionTree(g.MaxDepth)
		tree.fitSorted(features, residuals, sorted, importances)
		for i, row := range features {
			step, err := tree.Predict(row)
			if err != nil {
				return err
			}
			current[i] += g.LearningRate * step
		}
		trees = append(trees, tree)
	}

	g.Init = mean
	g.Trees = trees
	g.Importances = normalize(importances)
	return nil
}

func (g *GradientBoostingRegressor) Predict(features []float64) (float64, error) {
	if len(g.Trees) == 0 {
		return 0, ErrModelNotTrained
	}
	out := g.Init
	for _, tree := range g.Trees {
		step, err := tree.Predict(features)
		if err != nil {
			return 0, err
		}
		out += g.LearningRate * step
	}
	return out, nil
}

func (g *GradientBoostingRegressor) FeatureImportances() []float64 {
	return append([]float64(nil), g.Importances...)
}

func normalize(values []float64) []float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	out := make([]float64, len(values))
	if total <= 0 {
		return out
	}
	for i, v := range values {
		out[i] = v / total
	}
	return out
}
