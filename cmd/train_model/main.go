package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"trafficflow/config"
	"trafficflow/db"
	"trafficflow/logging"
	"trafficflow/ml"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	samples := flag.Int("samples", 0, "synthetic samples (0 = from config)")
	seed := flag.Uint64("seed", 0, "random seed (0 = from config)")
	modelDir := flag.String("model_dir", "", "output directory (empty = from config)")
	prefix := flag.String("prefix", "", "artifact prefix (empty = from config)")
	record := flag.Bool("record", true, "record the run in the training history database")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *samples > 0 {
		cfg.Model.Training.Samples = *samples
	}
	if *seed > 0 {
		cfg.Model.Training.Seed = *seed
	}
	if *modelDir != "" {
		cfg.Model.Dir = *modelDir
	}
	if *prefix != "" {
		cfg.Model.Prefix = *prefix
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	training := cfg.Model.Training
	data, err := ml.GenerateSyntheticData(training.Samples, training.Seed)
	if err != nil {
		logger.Fatal("Failed to generate training data", zap.Error(err))
	}
	bundle, err := ml.TrainBundle(ctx, training, data, logger)
	if err != nil {
		logger.Fatal("Failed to train models", zap.Error(err))
	}
	if err := ml.SaveBundle(cfg.Model.Dir, cfg.Model.Prefix, bundle); err != nil {
		logger.Fatal("Failed to save model bundle", zap.Error(err))
	}

	if *record {
		history, err := db.NewTrainingHistory(cfg.Database.Path)
		if err != nil {
			logger.Warn("Training history unavailable", zap.Error(err))
		} else {
			if err := history.RecordRun(ctx, ml.SourceCLI, bundle); err != nil {
				logger.Warn("Failed to record training run", zap.Error(err))
			}
			history.Close()
		}
	}

	for _, fi := range bundle.Report.CongestionImportance {
		logger.Info("Congestion feature importance",
			zap.String("feature", fi.Feature), zap.Float64("importance", fi.Importance))
	}
	fmt.Printf("model bundle %s saved to %s (congestion r2=%.3f, signal r2=%.3f)\n",
		bundle.Generation, ml.BundlePaths(cfg.Model.Dir, cfg.Model.Prefix).Manifest,
		bundle.Report.Congestion.R2, bundle.Report.Signal.R2)
}
