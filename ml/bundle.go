package ml

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TrainingConfig controls synthetic data generation and both regressors.
type TrainingConfig struct {
	Samples    int            `yaml:"samples"`
	Seed       uint64         `yaml:"seed"`
	TestRatio  float64        `yaml:"test_ratio"`
	Congestion BoostingConfig `yaml:"congestion"`
	Signal     ForestConfig   `yaml:"signal"`
}

type BoostingConfig struct {
	NEstimators  int     `yaml:"n_estimators"`
	LearningRate float64 `yaml:"learning_rate"`
	MaxDepth     int     `yaml:"max_depth"`
}

type ForestConfig struct {
	NEstimators int `yaml:"n_estimators"`
	MaxDepth    int `yaml:"max_depth"`
}

func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Samples:   10000,
		Seed:      42,
		TestRatio: 0.2,
		Congestion: BoostingConfig{
			NEstimators:  100,
			LearningRate: 0.1,
			MaxDepth:     6,
		},
		Signal: ForestConfig{
			NEstimators: 100,
			MaxDepth:    8,
		},
	}
}

// TrainingReport summarises how a bundle was trained. Bundles loaded from disk
// carry no report.
type TrainingReport struct {
	Samples              int                 `json:"samples"`
	Congestion           Evaluation          `json:"congestion"`
	Signal               Evaluation          `json:"signal"`
	Duration             time.Duration       `json:"duration"`
	CongestionImportance []FeatureImportance `json:"congestion_importance"`
	SignalImportance     []FeatureImportance `json:"signal_importance"`
}

// Bundle is the matched set of regressors, scaler and feature ordering. A bundle
// is never modified after construction; replacing the model means publishing a
// new bundle.
type Bundle struct {
	Generation   string
	TrainedAt    time.Time
	FeatureNames []string
	Congestion   *GradientBoostingRegressor
	Signal       *RandomForestRegressor
	Scaler       *StandardScaler
	Report       *TrainingReport
}

// Scale validates vector width and applies the bundle's scaler.
func (b *Bundle) Scale(vector []float64) ([]float64, error) {
	if len(vector) != len(b.FeatureNames) {
		return nil, fmt.Errorf("expected %d features, got %d", len(b.FeatureNames), len(vector))
	}
	return b.Scaler.Transform(vector)
}

// CongestionLevel runs the congestion regressor on an already scaled vector and
// clips the result to [0, 100].
func (b *Bundle) CongestionLevel(scaled []float64) (float64, error) {
	raw, err := b.Congestion.Predict(scaled)
	if err != nil {
		return 0, err
	}
	return clip(raw, 0, 100), nil
}

// GreenDuration runs the duration regressor on an already scaled vector,
// truncates to whole frames and clips to [60, 300].
func (b *Bundle) GreenDuration(scaled []float64) (int, error) {
	raw, err := b.Signal.Predict(scaled)
	if err != nil {
		return 0, err
	}
	return int(clip(math.Trunc(raw), 60, 300)), nil
}

// TrainBundle fits the scaler and both regressors on data and evaluates them on
// a seeded holdout split. Holdout quality is reported, not enforced.
func TrainBundle(ctx context.Context, cfg TrainingConfig, data *Dataset, logger *zap.Logger) (*Bundle, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if data == nil || data.Len() < 2 {
		return nil, fmt.Errorf("need at least 2 training rows")
	}
	start := time.Now()

	scaler := &StandardScaler{}
	if err := scaler.Fit(data.Features); err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	scaled, err := scaler.TransformAll(data.Features)
	if err != nil {
		return nil, fmt.Errorf("scale features: %w", err)
	}

	trainIdx, testIdx := splitDataset(data.Len(), cfg.TestRatio, cfg.Seed)
	trainX, trainCong, trainGreen := pick(scaled, data, trainIdx)
	testX, testCong, testGreen := pick(scaled, data, testIdx)

	logger.Info("Training congestion model",
		zap.Int("train_rows", len(trainX)),
		zap.Int("n_estimators", cfg.Congestion.NEstimators),
		zap.Int("max_depth", cfg.Congestion.MaxDepth))
	congestion := NewGradientBoostingRegressor(cfg.Congestion.NEstimators, cfg.Congestion.LearningRate, cfg.Congestion.MaxDepth)
	if err := congestion.FitContext(ctx, trainX, trainCong); err != nil {
		return nil, fmt.Errorf("train congestion model: %w", err)
	}

	logger.Info("Training signal optimizer",
		zap.Int("n_estimators", cfg.Signal.NEstimators),
		zap.Int("max_depth", cfg.Signal.MaxDepth))
	signal := NewRandomForestRegressor(cfg.Signal.NEstimators, cfg.Signal.MaxDepth, cfg.Seed)
	if err := signal.FitContext(ctx, trainX, trainGreen); err != nil {
		return nil, fmt.Errorf("train signal optimizer: %w", err)
	}

	congEval, err := evaluate(congestion, testX, testCong)
	if err != nil {
		return nil, fmt.Errorf("evaluate congestion model: %w", err)
	}
	signalEval, err := evaluate(signal, testX, testGreen)
	if err != nil {
		return nil, fmt.Errorf("evaluate signal optimizer: %w", err)
	}

	names := FeatureNames()
	report := &TrainingReport{
		Samples:              data.Len(),
		Congestion:           congEval,
		Signal:               signalEval,
		Duration:             time.Since(start),
		CongestionImportance: RankImportances(names, congestion.FeatureImportances(), 5),
		SignalImportance:     RankImportances(names, signal.FeatureImportances(), 5),
	}

	logger.Info("Congestion model evaluated",
		zap.Float64("mae", congEval.MAE), zap.Float64("r2", congEval.R2))
	logger.Info("Signal optimizer evaluated",
		zap.Float64("mae", signalEval.MAE), zap.Float64("r2", signalEval.R2))
	logger.Debug("Top congestion features", zap.Any("importance", report.CongestionImportance))

	return &Bundle{
		Generation:   uuid.NewString(),
		TrainedAt:    time.Now().UTC(),
		FeatureNames: names,
		Congestion:   congestion,
		Signal:       signal,
		Scaler:       scaler,
		Report:       report,
	}, nil
}

func pick(scaled [][]float64, data *Dataset, idx []int) ([][]float64, []float64, []float64) {
	x := make([][]float64, len(idx))
	cong := make([]float64, len(idx))
	green := make([]float64, len(idx))
	for i, row := range idx {
		x[i] = scaled[row]
		cong[i] = data.Congestion[row]
		green[i] = data.GreenDuration[row]
	}
	return x, cong, green
}
