package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"trafficflow/config"
	"trafficflow/db"
	qhttp "trafficflow/http"
	"trafficflow/logging"
	"trafficflow/ml"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Training history
	var history *db.TrainingHistory
	opts := []ml.Option{}
	if h, err := db.NewTrainingHistory(cfg.Database.Path); err != nil {
		logger.Warn("Training history disabled", zap.String("path", cfg.Database.Path), zap.Error(err))
	} else {
		history = h
		defer history.Close()
		opts = append(opts, ml.WithRecorder(history))
		logger.Info("Training history initialized", zap.String("path", cfg.Database.Path))
	}

	// 3. Model: load the persisted bundle or train a new one
	model, err := ml.NewTrafficModel(cfg.Model, logger, opts...)
	if err != nil {
		logger.Fatal("Failed to create model", zap.Error(err))
	}

	var store qhttp.HistoryStore
	if history != nil {
		store = history
	}
	server := qhttp.NewServer(cfg.HTTP, model, store, logger)

	if err := model.LoadOrTrain(ctx); err != nil {
		logger.Fatal("Failed to load or train model", zap.Error(err))
	}
	if cfg.Model.Watch {
		if err := model.Watch(ctx); err != nil {
			logger.Warn("Model hot reload disabled", zap.Error(err))
		}
	}

	// 4. Serve
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// 5. Graceful shutdown
	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}
	if err := server.Stop(); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Exiting")
}
