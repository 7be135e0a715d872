package ml

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// mondayMorning falls inside the morning rush on a weekday.
var mondayMorning = time.Date(2024, time.March, 4, 9, 30, 0, 0, time.UTC)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func smallTrainingConfig() TrainingConfig {
	return TrainingConfig{
		Samples:   600,
		Seed:      42,
		TestRatio: 0.2,
		Congestion: BoostingConfig{
			NEstimators:  15,
			LearningRate: 0.1,
			MaxDepth:     3,
		},
		Signal: ForestConfig{
			NEstimators: 10,
			MaxDepth:    5,
		},
	}
}

func newTestModel(t *testing.T, opts ...Option) *TrafficModel {
	t.Helper()
	cfg := ModelConfig{
		Dir:       t.TempDir(),
		Prefix:    "test_model",
		CacheSize: 128,
		Training:  smallTrainingConfig(),
	}
	opts = append([]Option{WithClock(fixedClock(mondayMorning))}, opts...)
	model, err := NewTrafficModel(cfg, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return model
}

func newTrainedModel(t *testing.T, opts ...Option) *TrafficModel {
	t.Helper()
	model := newTestModel(t, opts...)
	require.NoError(t, model.LoadOrTrain(context.Background()))
	require.True(t, model.Loaded())
	return model
}
