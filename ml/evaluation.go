package ml

import (
	"errors"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Evaluation holds holdout quality for one regressor.
type Evaluation struct {
	MAE float64 `json:"mae"`
	R2  float64 `json:"r2"`
}

func evaluate(model Regressor, features [][]float64, targets []float64) (Evaluation, error) {
	if len(features) == 0 {
		return Evaluation{}, errors.New("empty holdout set")
	}
	predictions := make([]float64, len(features))
	for i, row := range features {
		p, err := model.Predict(row)
		if err != nil {
			return Evaluation{}, err
		}
		predictions[i] = p
	}
	return Evaluation{
		MAE: floats.Distance(predictions, targets, 1) / float64(len(targets)),
		R2:  stat.RSquaredFrom(predictions, targets, nil),
	}, nil
}

// FeatureImportance pairs a feature name with its share of total impurity decrease.
type FeatureImportance struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// RankImportances sorts importances descending and keeps the first top entries.
func RankImportances(names []string, importances []float64, top int) []FeatureImportance {
	ranked := make([]FeatureImportance, 0, len(importances))
	for i, v := range importances {
		if i >= len(names) {
			break
		}
		ranked = append(ranked, FeatureImportance{Feature: names[i], Importance: v})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Importance > ranked[j].Importance
	})
	if top > 0 && len(ranked) > top {
		ranked = ranked[:top]
	}
	return ranked
}
