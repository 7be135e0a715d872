package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"trafficflow/db"
)

const defaultHistoryLimit = 20

type retrainResponse struct {
	Message    string `json:"message"`
	Generation string `json:"generation"`
	Status     string `json:"status"`
}

// handleRetrain ignores the request body. Training continues even if the
// client disconnects, so a started retrain always publishes or fails cleanly.
func (a *API) handleRetrain(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	bundle, err := a.model.Retrain(context.WithoutCancel(r.Context()))
	retrainDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.logger.Info("Model retrained",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("generation", bundle.Generation),
		zap.Duration("elapsed", time.Since(start)))
	writeJSON(w, http.StatusOK, retrainResponse{
		Message:    "Model retrained successfully",
		Generation: bundle.Generation,
		Status:     "success",
	})
}

type historyResponse struct {
	Runs   []db.TrainingRun `json:"runs"`
	Status string           `json:"status"`
}

func (a *API) handleTrainingHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			a.fail(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = l
	}
	if a.history == nil {
		a.fail(w, r, errors.New("training history is not configured"))
		return
	}
	runs, err := a.history.Recent(r.Context(), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Runs: runs, Status: "success"})
}
