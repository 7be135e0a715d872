package http

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"trafficflow/db"
	"trafficflow/ml"
)

func TestHealthHandler(t *testing.T) {
	for _, loaded := range []bool{false, true} {
		h := newTestHandler(t, &fakeModel{loaded: loaded}, nil)
		w, payload := doRequest(t, h, http.MethodGet, "/health", "")
		if w.Code != http.StatusOK {
			t.Fatalf("handler returned wrong status code: got %v want %v", w.Code, http.StatusOK)
		}
		if payload["status"] != "healthy" || payload["service"] != serviceName {
			t.Fatalf("unexpected body: %v", payload)
		}
		if payload["model_loaded"] != loaded {
			t.Fatalf("expected model_loaded=%v, got %v", loaded, payload["model_loaded"])
		}
	}
}

func TestHandleRetrain(t *testing.T) {
	model := &fakeModel{loaded: true}
	h := newTestHandler(t, model, nil)

	// The body is ignored, even when it is not JSON.
	w, payload := doRequest(t, h, http.MethodPost, "/retrain", "not json")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if payload["message"] != "Model retrained successfully" || payload["status"] != "success" {
		t.Fatalf("unexpected body: %v", payload)
	}
	if payload["generation"] != "gen-2" {
		t.Fatalf("unexpected generation: %v", payload["generation"])
	}
	if model.retrains != 1 {
		t.Fatalf("expected one retrain, got %d", model.retrains)
	}
}

func TestHandleRetrainFailure(t *testing.T) {
	h := newTestHandler(t, &fakeModel{loaded: true, retrainErr: errors.New("disk full")}, nil)
	w, payload := doRequest(t, h, http.MethodPost, "/retrain", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if payload["error"] != "disk full" {
		t.Fatalf("unexpected error: %v", payload["error"])
	}
}

func TestHandleTrainingHistory(t *testing.T) {
	now := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{runs: []db.TrainingRun{
		{ID: 3, Generation: "c", Source: ml.SourceRetrain, TrainedAt: now},
		{ID: 2, Generation: "b", Source: ml.SourceCLI, TrainedAt: now.Add(-time.Hour)},
		{ID: 1, Generation: "a", Source: ml.SourceStartup, TrainedAt: now.Add(-2 * time.Hour)},
	}}
	h := newTestHandler(t, &fakeModel{loaded: true}, history)

	w, payload := doRequest(t, h, http.MethodGet, "/training/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if history.lastLimit != defaultHistoryLimit {
		t.Fatalf("expected default limit, got %d", history.lastLimit)
	}
	if runs := payload["runs"].([]any); len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}

	w, payload = doRequest(t, h, http.MethodGet, "/training/history?limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	runs := payload["runs"].([]any)
	if len(runs) != 1 || runs[0].(map[string]any)["generation"] != "c" {
		t.Fatalf("unexpected runs: %v", runs)
	}

	w, _ = doRequest(t, h, http.MethodGet, "/training/history?limit=zero", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestTrainingHistoryUnavailable(t *testing.T) {
	h := newTestHandler(t, &fakeModel{loaded: true}, nil)
	w, _ := doRequest(t, h, http.MethodGet, "/training/history", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}

	h = newTestHandler(t, &fakeModel{loaded: true}, &fakeHistory{err: errors.New("database is locked")})
	w, _ = doRequest(t, h, http.MethodGet, "/training/history", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := Chain(RecoveryMiddleware(zaptest.NewLogger(t)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"error":"internal server error"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestCORSPreflightAndRequestID(t *testing.T) {
	h := newTestHandler(t, &fakeModel{loaded: true}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/predict/congestion", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Fatalf("unexpected allow-origin: %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("expected caller request id to be echoed, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(t, &fakeModel{loaded: true, congestion: 12}, nil)
	doRequest(t, h, http.MethodPost, "/predict/congestion", `{}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	for _, name := range []string{
		"trafficflow_http_requests_total",
		`trafficflow_predictions_total{kind="congestion"}`,
	} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	h := newTestHandler(t, &fakeModel{loaded: true}, nil)
	req := httptest.NewRequest(http.MethodGet, "/predict/congestion", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}
