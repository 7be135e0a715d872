package ml

import (
	"context"
	"errors"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// RandomForestRegressor averages regression trees grown on bootstrap samples.
// Tree i draws its sample from a generator seeded with (Seed, i), so the fitted
// forest does not depend on goroutine scheduling.
type RandomForestRegressor struct {
	NEstimators int               `json:"n_estimators"`
	MaxDepth    int               `json:"max_depth"`
	Seed        uint64            `json:"seed"`
	Trees       []*RegressionTree `json:"trees"`
	Importances []float64         `json:"importances"`
}

func NewRandomForestRegressor(nEstimators, maxDepth int, seed uint64) *RandomForestRegressor {
	return &RandomForestRegressor{
		NEstimators: nEstimators,
		MaxDepth:    maxDepth,
		Seed:        seed,
	}
}

func (f *RandomForestRegressor) Fit(features [][]float64, targets []float64) error {
	return f.FitContext(context.Background(), features, targets)
}

func (f *RandomForestRegressor) FitContext(ctx context.Context, features [][]float64, targets []float64) error {
	if err := checkTrainingSet(features, targets); err != nil {
		return err
	}
	if f.NEstimators <= 0 {
		return errors.New("n_estimators must be positive")
	}

	width := len(features[0])
	trees := make([]*RegressionTree, f.NEstimators)
	perTree := make([][]float64, f.NEstimators)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < f.NEstimators; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(f.Seed, uint64(i)))
			sample := make([]int, len(features))
			for j := range sample {
				sample[j] = rng.IntN(len(features))
			}
			importances := make([]float64, width)
			tree := NewRegressionTree(f.MaxDepth)
			tree.fitSorted(features, targets, argsortColumns(features, sample), importances)
			trees[i] = tree
			perTree[i] = normalize(importances)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	importances := make([]float64, width)
	for _, imp := range perTree {
		for j, v := range imp {
			importances[j] += v
		}
	}
	f.Trees = trees
	f.Importances = normalize(importances)
	return nil
}

func (f *RandomForestRegressor) Predict(features []float64) (float64, error) {
	if len(f.Trees) == 0 {
		return 0, ErrModelNotTrained
	}
	var sum float64
	for _, tree := range f.Trees {
		v, err := tree.Predict(features)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum / float64(len(f.Trees)), nil
}

func (f *RandomForestRegressor) FeatureImportances() []float64 {
	return append([]float64(nil), f.Importances...)
}
