package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"trafficflow/ml"
)

// TrainingRun is one row of the training log.
type TrainingRun struct {
	ID            int64     `json:"id"`
	Generation    string    `json:"generation"`
	Source        string    `json:"source"`
	Samples       int       `json:"samples"`
	CongestionMAE float64   `json:"congestion_mae"`
	CongestionR2  float64   `json:"congestion_r2"`
	SignalMAE     float64   `json:"signal_mae"`
	SignalR2      float64   `json:"signal_r2"`
	DurationMs    int64     `json:"duration_ms"`
	TrainedAt     time.Time `json:"trained_at"`
}

// TrainingHistory records every training run with its holdout metrics.
type TrainingHistory struct {
	db *sql.DB
}

// NewTrainingHistory opens (creating if needed) the SQLite database at path.
func NewTrainingHistory(path string) (*TrainingHistory, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	database, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	database.SetMaxOpenConns(1)

	if err := createTables(database); err != nil {
		database.Close()
		return nil, err
	}
	return &TrainingHistory{db: database}, nil
}

func createTables(database *sql.DB) error {
	query := `
    CREATE TABLE IF NOT EXISTS training_runs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        generation TEXT NOT NULL,
        source TEXT NOT NULL,
        samples INTEGER NOT NULL,
        congestion_mae REAL,
        congestion_r2 REAL,
        signal_mae REAL,
        signal_r2 REAL,
        duration_ms INTEGER,
        trained_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_training_runs_trained_at ON training_runs(trained_at);
    `
	if _, err := database.Exec(query); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// RecordRun stores the outcome of training b. Bundles without a training report
// (loaded from disk) are not recorded.
func (h *TrainingHistory) RecordRun(ctx context.Context, source string, b *ml.Bundle) error {
	if h == nil || h.db == nil {
		return errors.New("database not initialized")
	}
	if b == nil || b.Report == nil {
		return nil
	}
	return h.Save(ctx, RunFromBundle(source, b))
}

func (h *TrainingHistory) Save(ctx context.Context, run TrainingRun) error {
	if h == nil || h.db == nil {
		return errors.New("database not initialized")
	}
	_, err := h.db.ExecContext(ctx, `
        INSERT INTO training_runs (
            generation, source, samples, congestion_mae, congestion_r2,
            signal_mae, signal_r2, duration_ms, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Generation, run.Source, run.Samples,
		run.CongestionMAE, run.CongestionR2,
		run.SignalMAE, run.SignalR2,
		run.DurationMs, run.TrainedAt.UTC(),
	)
	return err
}

// Recent returns up to limit runs, newest first.
func (h *TrainingHistory) Recent(ctx context.Context, limit int) ([]TrainingRun, error) {
	if h == nil || h.db == nil {
		return nil, errors.New("database not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, `
        SELECT id, generation, source, samples, congestion_mae, congestion_r2,
               signal_mae, signal_r2, duration_ms, trained_at
        FROM training_runs
        ORDER BY trained_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var run TrainingRun
		if err := rows.Scan(&run.ID, &run.Generation, &run.Source, &run.Samples,
			&run.CongestionMAE, &run.CongestionR2, &run.SignalMAE, &run.SignalR2,
			&run.DurationMs, &run.TrainedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (h *TrainingHistory) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func RunFromBundle(source string, b *ml.Bundle) TrainingRun {
	run := TrainingRun{
		Generation: b.Generation,
		Source:     source,
		TrainedAt:  b.TrainedAt,
	}
	if b.Report != nil {
		run.Samples = b.Report.Samples
		run.CongestionMAE = finite(b.Report.Congestion.MAE)
		run.CongestionR2 = finite(b.Report.Congestion.R2)
		run.SignalMAE = finite(b.Report.Signal.MAE)
		run.SignalR2 = finite(b.Report.Signal.R2)
		run.DurationMs = b.Report.Duration.Milliseconds()
	}
	return run
}

// finite maps NaN and Inf to 0; SQLite would store NaN as NULL.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
