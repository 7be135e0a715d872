package http

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"go.uber.org/zap"

	"trafficflow/db"
	"trafficflow/ml"
)

const serviceName = "TrafficFlow ML API"

// ModelService is the model surface the API needs.
type ModelService interface {
	Loaded() bool
	PredictCongestion(obs ml.Observation) (float64, error)
	RecommendSignal(obs ml.Observation) (ml.SignalRecommendation, error)
	Analyze(observations []ml.Observation) ([]ml.IntersectionAnalysis, error)
	Retrain(ctx context.Context) (*ml.Bundle, error)
	OnPublish(fn func(ml.BundleEvent))
}

// HistoryStore lists recorded training runs.
type HistoryStore interface {
	Recent(ctx context.Context, limit int) ([]db.TrainingRun, error)
}

type API struct {
	model   ModelService
	history HistoryStore
	logger  *zap.Logger
}

func (a *API) Register(mux *http.ServeMux) {
	handle(mux, "GET /health", "health", a.handleHealth)
	handle(mux, "POST /predict/congestion", "predict_congestion", a.handlePredictCongestion)
	handle(mux, "POST /optimize/signal", "optimize_signal", a.handleOptimizeSignal)
	handle(mux, "POST /analyze/batch", "analyze_batch", a.handleAnalyzeBatch)
	handle(mux, "POST /retrain", "retrain", a.handleRetrain)
	handle(mux, "GET /training/history", "training_history", a.handleTrainingHistory)
}

func handle(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	mux.Handle(pattern, instrument(name, fn))
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Service     string `json:"service"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "healthy",
		ModelLoaded: a.model.Loaded(),
		Service:     serviceName,
	})
}

type congestionResponse struct {
	CongestionLevel float64 `json:"congestion_level"`
	Status          string  `json:"status"`
}

func (a *API) handlePredictCongestion(w http.ResponseWriter, r *http.Request) {
	obs, err := decodeObservation(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	level, err := a.model.PredictCongestion(obs)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	predictionsTotal.WithLabelValues("congestion").Inc()
	writeJSON(w, http.StatusOK, congestionResponse{
		CongestionLevel: round(level, 1),
		Status:          "success",
	})
}

type signalResponse struct {
	OptimalGreenDuration int     `json:"optimal_green_duration"`
	CurrentDuration      float64 `json:"current_duration"`
	AdjustmentNeeded     bool    `json:"adjustment_needed"`
	Confidence           float64 `json:"confidence"`
	Reasoning            string  `json:"reasoning"`
	Status               string  `json:"status"`
}

func (a *API) handleOptimizeSignal(w http.ResponseWriter, r *http.Request) {
	obs, err := decodeObservation(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	rec, err := a.model.RecommendSignal(obs)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	predictionsTotal.WithLabelValues("signal").Inc()
	writeJSON(w, http.StatusOK, signalResponse{
		OptimalGreenDuration: rec.OptimalGreenDuration,
		CurrentDuration:      rec.CurrentDuration,
		AdjustmentNeeded:     rec.AdjustmentNeeded,
		Confidence:           round(rec.Confidence, 2),
		Reasoning:            rec.Reasoning,
		Status:               "success",
	})
}

type batchResult struct {
	IntersectionID       any     `json:"intersection_id"`
	CongestionLevel      float64 `json:"congestion_level"`
	OptimalGreenDuration int     `json:"optimal_green_duration"`
	CurrentDuration      float64 `json:"current_duration"`
	NeedsAdjustment      bool    `json:"needs_adjustment"`
}

type batchResponse struct {
	Results       []batchResult `json:"results"`
	TotalAnalyzed int           `json:"total_analyzed"`
	Status        string        `json:"status"`
}

func (a *API) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	observations, ids, err := decodeBatch(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	analyses, err := a.model.Analyze(observations)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	results := make([]batchResult, len(analyses))
	for i, an := range analyses {
		results[i] = batchResult{
			IntersectionID:       ids[i],
			CongestionLevel:      round(an.CongestionLevel, 1),
			OptimalGreenDuration: an.OptimalGreenDuration,
			CurrentDuration:      an.CurrentDuration,
			NeedsAdjustment:      an.NeedsAdjustment,
		}
	}
	predictionsTotal.WithLabelValues("batch").Add(float64(len(results)))
	writeJSON(w, http.StatusOK, batchResponse{
		Results:       results,
		TotalAnalyzed: len(results),
		Status:        "success",
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

// fail maps decoding errors to their status and everything else to 500.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		writeError(w, reqErr.status, reqErr.message)
		return
	}
	a.logger.Error("Request failed",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
