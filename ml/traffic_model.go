package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	SourceStartup = "startup"
	SourceRetrain = "retrain"
	SourceReload  = "reload"
	SourceCLI     = "cli"
)

// ModelConfig locates persisted bundles and sizes the inference cache.
type ModelConfig struct {
	Dir       string         `yaml:"dir"`
	Prefix    string         `yaml:"prefix"`
	CacheSize int            `yaml:"cache_size"`
	Watch     bool           `yaml:"watch"`
	Training  TrainingConfig `yaml:"training"`
}

func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Dir:       "./models",
		Prefix:    "trafficflow_model",
		CacheSize: 4096,
		Watch:     true,
		Training:  DefaultTrainingConfig(),
	}
}

// RunRecorder persists the outcome of a training run.
type RunRecorder interface {
	RecordRun(ctx context.Context, source string, b *Bundle) error
}

// BundleEvent is delivered to OnPublish listeners after a bundle goes live.
type BundleEvent struct {
	Generation string
	Source     string
	TrainedAt  time.Time
	Report     *TrainingReport
}

// SignalRecommendation is the timing advice for one observation.
type SignalRecommendation struct {
	OptimalGreenDuration int
	CurrentDuration      float64
	AdjustmentNeeded     bool
	Confidence           float64
	Reasoning            string
}

// IntersectionAnalysis is one result of a batch analysis.
type IntersectionAnalysis struct {
	CongestionLevel      float64
	OptimalGreenDuration int
	CurrentDuration      float64
	NeedsAdjustment      bool
}

type cacheKey struct {
	generation string
	kind       string
	vector     [FeatureCount]float64
}

// TrafficModel owns the live bundle. Readers load the bundle pointer once per
// request; writers build a complete bundle first and publish it with a single
// atomic store, serialized by publishMu.
type TrafficModel struct {
	cfg      ModelConfig
	logger   *zap.Logger
	clock    Clock
	recorder RunRecorder

	bundle    atomic.Pointer[Bundle]
	publishMu sync.Mutex
	cache     *lru.Cache[cacheKey, float64]

	listenersMu sync.RWMutex
	listeners   []func(BundleEvent)
}

type Option func(*TrafficModel)

// WithClock replaces time.Now as the source of time-of-day features.
func WithClock(clock Clock) Option {
	return func(m *TrafficModel) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func WithRecorder(recorder RunRecorder) Option {
	return func(m *TrafficModel) {
		m.recorder = recorder
	}
}

func NewTrafficModel(cfg ModelConfig, logger *zap.Logger, opts ...Option) (*TrafficModel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultModelConfig().Prefix
	}
	m := &TrafficModel{
		cfg:    cfg,
		logger: logger.Named("model"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[cacheKey, float64](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create inference cache: %w", err)
		}
		m.cache = cache
	}
	return m, nil
}

// Bundle returns the live bundle, or nil before the first publish.
func (m *TrafficModel) Bundle() *Bundle {
	return m.bundle.Load()
}

func (m *TrafficModel) Loaded() bool {
	return m.bundle.Load() != nil
}

// OnPublish registers fn to run after every bundle publication.
func (m *TrafficModel) OnPublish(fn func(BundleEvent)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Publish makes b the live bundle. Publishing the generation that is already
// live is a no-op and reports false.
func (m *TrafficModel) Publish(b *Bundle, source string) bool {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	return m.publishLocked(b, source)
}

func (m *TrafficModel) publishLocked(b *Bundle, source string) bool {
	if current := m.bundle.Load(); current != nil && current.Generation == b.Generation {
		return false
	}
	m.bundle.Store(b)
	m.logger.Info("Model bundle published",
		zap.String("generation", b.Generation),
		zap.String("source", source),
		zap.Time("trained_at", b.TrainedAt))

	event := BundleEvent{
		Generation: b.Generation,
		Source:     source,
		TrainedAt:  b.TrainedAt,
		Report:     b.Report,
	}
	m.listenersMu.RLock()
	listeners := append([]func(BundleEvent){}, m.listeners...)
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(event)
	}
	return true
}

// LoadOrTrain publishes the persisted bundle when all artifacts are present and
// consistent; otherwise it trains a fresh bundle and saves it.
func (m *TrafficModel) LoadOrTrain(ctx context.Context) error {
	b, err := LoadBundle(m.cfg.Dir, m.cfg.Prefix)
	if err == nil {
		m.logger.Info("Model bundle loaded from disk",
			zap.String("dir", m.cfg.Dir), zap.String("prefix", m.cfg.Prefix))
		m.Publish(b, SourceStartup)
		return nil
	}
	m.logger.Warn("No usable model bundle on disk, training a new one", zap.Error(err))
	if _, err := m.train(ctx, SourceStartup); err != nil {
		return err
	}
	return nil
}

// Retrain regenerates the synthetic data, trains, persists and publishes a new
// bundle. It blocks until the new bundle is live.
func (m *TrafficModel) Retrain(ctx context.Context) (*Bundle, error) {
	return m.train(ctx, SourceRetrain)
}

func (m *TrafficModel) train(ctx context.Context, source string) (*Bundle, error) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	cfg := m.cfg.Training
	m.logger.Info("Generating synthetic training data",
		zap.Int("samples", cfg.Samples), zap.Uint64("seed", cfg.Seed))
	data, err := GenerateSyntheticData(cfg.Samples, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("generate training data: %w", err)
	}
	b, err := TrainBundle(ctx, cfg, data, m.logger)
	if err != nil {
		return nil, err
	}
	if err := SaveBundle(m.cfg.Dir, m.cfg.Prefix, b); err != nil {
		return nil, fmt.Errorf("save model bundle: %w", err)
	}
	m.publishLocked(b, source)

	if m.recorder != nil {
		if err := m.recorder.RecordRun(ctx, source, b); err != nil {
			m.logger.Warn("Failed to record training run", zap.Error(err))
		}
	}
	return b, nil
}

// Reload publishes the bundle currently on disk if it differs from the live one.
func (m *TrafficModel) Reload() (bool, error) {
	b, err := LoadBundle(m.cfg.Dir, m.cfg.Prefix)
	if err != nil {
		return false, err
	}
	return m.Publish(b, SourceReload), nil
}

func (m *TrafficModel) snapshot() (*Bundle, TimeFeatures, error) {
	b := m.bundle.Load()
	if b == nil {
		return nil, TimeFeatures{}, ErrModelNotTrained
	}
	return b, DeriveTimeFeatures(m.clock()), nil
}

// PredictCongestion returns the congestion level for obs in [0, 100].
func (m *TrafficModel) PredictCongestion(obs Observation) (float64, error) {
	b, tf, err := m.snapshot()
	if err != nil {
		return 0, err
	}
	scaled, err := b.Scale(FeatureVector(obs, tf))
	if err != nil {
		return 0, err
	}
	return m.congestion(b, scaled)
}

// OptimizeSignalTiming returns the recommended green duration in [60, 300].
func (m *TrafficModel) OptimizeSignalTiming(obs Observation) (int, error) {
	b, tf, err := m.snapshot()
	if err != nil {
		return 0, err
	}
	scaled, err := b.Scale(FeatureVector(obs, tf))
	if err != nil {
		return 0, err
	}
	return m.greenDuration(b, scaled)
}

// RecommendSignal wraps OptimizeSignalTiming with confidence and reasoning.
func (m *TrafficModel) RecommendSignal(obs Observation) (SignalRecommendation, error) {
	optimal, err := m.OptimizeSignalTiming(obs)
	if err != nil {
		return SignalRecommendation{}, err
	}
	return Recommend(optimal, obs.CurrentGreenDuration), nil
}

// Analyze scores every observation against one bundle snapshot and one clock
// reading. Any failure aborts the whole batch.
func (m *TrafficModel) Analyze(observations []Observation) ([]IntersectionAnalysis, error) {
	b, tf, err := m.snapshot()
	if err != nil {
		return nil, err
	}
	results := make([]IntersectionAnalysis, len(observations))
	for i, obs := range observations {
		scaled, err := b.Scale(FeatureVector(obs, tf))
		if err != nil {
			return nil, fmt.Errorf("intersection %d: %w", i, err)
		}
		level, err := m.congestion(b, scaled)
		if err != nil {
			return nil, fmt.Errorf("intersection %d: %w", i, err)
		}
		optimal, err := m.greenDuration(b, scaled)
		if err != nil {
			return nil, fmt.Errorf("intersection %d: %w", i, err)
		}
		results[i] = IntersectionAnalysis{
			CongestionLevel:      level,
			OptimalGreenDuration: optimal,
			CurrentDuration:      obs.CurrentGreenDuration,
			NeedsAdjustment:      math.Abs(float64(optimal)-obs.CurrentGreenDuration) > 10,
		}
	}
	return results, nil
}

// Recommend derives confidence and reasoning from the gap between the
// recommended and current green durations.
func Recommend(optimal int, current float64) SignalRecommendation {
	difference := math.Abs(float64(optimal) - current)
	confidence := clip(1-difference/300, 0.6, 0.95)

	var reasoning string
	switch {
	case difference < 10:
		reasoning = "Current timing is near optimal"
	case float64(optimal) > current:
		reasoning = fmt.Sprintf("Increase green time by %.0f frames to reduce queue buildup", difference)
	default:
		reasoning = fmt.Sprintf("Decrease green time by %.0f frames to improve overall flow", difference)
	}
	return SignalRecommendation{
		OptimalGreenDuration: optimal,
		CurrentDuration:      current,
		AdjustmentNeeded:     difference > 10,
		Confidence:           confidence,
		Reasoning:            reasoning,
	}
}

func (m *TrafficModel) congestion(b *Bundle, scaled []float64) (float64, error) {
	return m.cached(b, kindCongestion, scaled, b.CongestionLevel)
}

func (m *TrafficModel) greenDuration(b *Bundle, scaled []float64) (int, error) {
	v, err := m.cached(b, kindSignal, scaled, func(s []float64) (float64, error) {
		d, err := b.GreenDuration(s)
		return float64(d), err
	})
	return int(v), err
}

func (m *TrafficModel) cached(b *Bundle, kind string, scaled []float64, compute func([]float64) (float64, error)) (float64, error) {
	if m.cache == nil || len(scaled) != FeatureCount {
		return compute(scaled)
	}
	key := cacheKey{generation: b.Generation, kind: kind}
	copy(key.vector[:], scaled)
	if v, ok := m.cache.Get(key); ok {
		return v, nil
	}
	v, err := compute(scaled)
	if err != nil {
		return 0, err
	}
	m.cache.Add(key, v)
	return v, nil
}

// IsNotTrained reports whether err means no bundle has been published yet.
func IsNotTrained(err error) bool {
	return errors.Is(err, ErrModelNotTrained)
}
