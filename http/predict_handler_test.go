package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"trafficflow/db"
	"trafficflow/ml"
)

type fakeModel struct {
	mu         sync.Mutex
	loaded     bool
	congestion float64
	rec        ml.SignalRecommendation
	analyses   []ml.IntersectionAnalysis
	err        error
	retrainErr error
	seen       []ml.Observation
	retrains   int
	listeners  []func(ml.BundleEvent)
}

func (f *fakeModel) Loaded() bool { return f.loaded }

func (f *fakeModel) PredictCongestion(obs ml.Observation) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, obs)
	return f.congestion, f.err
}

func (f *fakeModel) RecommendSignal(obs ml.Observation) (ml.SignalRecommendation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, obs)
	return f.rec, f.err
}

func (f *fakeModel) Analyze(observations []ml.Observation) ([]ml.IntersectionAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, observations...)
	if f.err != nil {
		return nil, f.err
	}
	if f.analyses != nil {
		return f.analyses, nil
	}
	out := make([]ml.IntersectionAnalysis, len(observations))
	for i, obs := range observations {
		out[i] = ml.IntersectionAnalysis{
			CongestionLevel:      f.congestion,
			OptimalGreenDuration: 120,
			CurrentDuration:      obs.CurrentGreenDuration,
			NeedsAdjustment:      obs.CurrentGreenDuration < 110 || obs.CurrentGreenDuration > 130,
		}
	}
	return out, nil
}

func (f *fakeModel) Retrain(ctx context.Context) (*ml.Bundle, error) {
	f.mu.Lock()
	f.retrains++
	listeners := f.listeners
	f.mu.Unlock()
	if f.retrainErr != nil {
		return nil, f.retrainErr
	}
	b := &ml.Bundle{Generation: "gen-2"}
	for _, fn := range listeners {
		fn(ml.BundleEvent{Generation: b.Generation, Source: ml.SourceRetrain})
	}
	return b, nil
}

func (f *fakeModel) OnPublish(fn func(ml.BundleEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *fakeModel) lastSeen(t *testing.T) ml.Observation {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.seen) == 0 {
		t.Fatal("model was not called")
	}
	return f.seen[len(f.seen)-1]
}

type fakeHistory struct {
	runs      []db.TrainingRun
	err       error
	lastLimit int
}

func (f *fakeHistory) Recent(ctx context.Context, limit int) ([]db.TrainingRun, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.runs) {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func newTestHandler(t *testing.T, model *fakeModel, history HistoryStore) http.Handler {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.MaxBodyBytes = 4096
	server := NewServer(cfg, model, history, zaptest.NewLogger(t))
	t.Cleanup(func() { server.cancel() })
	return server.Handler()
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var payload map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid json %q: %v", w.Body.String(), err)
	}
	return w, payload
}

func TestHandlePredictCongestion(t *testing.T) {
	model := &fakeModel{loaded: true, congestion: 42.46}
	h := newTestHandler(t, model, nil)

	w, payload := doRequest(t, h, http.MethodPost, "/predict/congestion",
		`{"vehicle_density": 80, "ns_queue_length": 12, "incident_count": 2}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if payload["congestion_level"].(float64) != 42.5 {
		t.Fatalf("expected rounding to one decimal, got %v", payload["congestion_level"])
	}
	if payload["status"] != "success" {
		t.Fatalf("unexpected status: %v", payload["status"])
	}

	obs := model.lastSeen(t)
	want := ml.DefaultObservation()
	want.VehicleDensity = 80
	want.NSQueueLength = 12
	want.IncidentCount = 2
	if obs != want {
		t.Fatalf("defaults not applied: got %+v want %+v", obs, want)
	}
}

func TestEmptyObjectUsesDefaults(t *testing.T) {
	model := &fakeModel{loaded: true, congestion: 10}
	h := newTestHandler(t, model, nil)

	w, _ := doRequest(t, h, http.MethodPost, "/predict/congestion", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if obs := model.lastSeen(t); obs != ml.DefaultObservation() {
		t.Fatalf("expected all defaults, got %+v", obs)
	}
}

func TestObservationRejected(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty body", ``},
		{"whitespace body", "  \n"},
		{"null", `null`},
		{"array", `[1, 2]`},
		{"string", `"busy"`},
		{"malformed", `{"vehicle_density": `},
		{"type mismatch", `{"vehicle_density": "high"}`},
		{"zero weather", `{"weather_factor": 0}`},
		{"negative queue", `{"ew_queue_length": -1}`},
		{"negative incidents", `{"incident_count": -2}`},
		{"adjacent above range", `{"adjacent_congestion_avg": 101}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model := &fakeModel{loaded: true}
			h := newTestHandler(t, model, nil)
			for _, path := range []string{"/predict/congestion", "/optimize/signal"} {
				w, payload := doRequest(t, h, http.MethodPost, path, tc.body)
				if w.Code != http.StatusBadRequest {
					t.Fatalf("%s: expected 400, got %d", path, w.Code)
				}
				if msg, _ := payload["error"].(string); msg == "" {
					t.Fatalf("%s: expected error message, got %v", path, payload)
				}
			}
			if len(model.seen) != 0 {
				t.Fatalf("model should not be called for invalid input")
			}
		})
	}
}

func TestOversizedBody(t *testing.T) {
	h := newTestHandler(t, &fakeModel{loaded: true}, nil)
	body := `{"vehicle_density": 50, "pad": "` + strings.Repeat("x", 5000) + `"}`
	w, _ := doRequest(t, h, http.MethodPost, "/predict/congestion", body)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestModelNotTrainedIsServerError(t *testing.T) {
	h := newTestHandler(t, &fakeModel{err: ml.ErrModelNotTrained}, nil)
	for _, tc := range []struct{ path, body string }{
		{"/predict/congestion", `{}`},
		{"/optimize/signal", `{}`},
		{"/analyze/batch", `{"intersections": [{}]}`},
	} {
		w, payload := doRequest(t, h, http.MethodPost, tc.path, tc.body)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("%s: expected 500, got %d", tc.path, w.Code)
		}
		if payload["error"] != ml.ErrModelNotTrained.Error() {
			t.Fatalf("%s: unexpected error: %v", tc.path, payload["error"])
		}
	}
}

func TestHandleOptimizeSignal(t *testing.T) {
	model := &fakeModel{loaded: true, rec: ml.Recommend(200, 150)}
	h := newTestHandler(t, model, nil)

	w, payload := doRequest(t, h, http.MethodPost, "/optimize/signal", `{"current_green_duration": 150}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if payload["optimal_green_duration"].(float64) != 200 {
		t.Fatalf("unexpected optimal duration: %v", payload["optimal_green_duration"])
	}
	if payload["current_duration"].(float64) != 150 {
		t.Fatalf("unexpected current duration: %v", payload["current_duration"])
	}
	if payload["adjustment_needed"] != true {
		t.Fatalf("expected adjustment_needed")
	}
	// 1 - 50/300 = 0.8333...
	if payload["confidence"].(float64) != 0.83 {
		t.Fatalf("expected confidence rounded to 0.83, got %v", payload["confidence"])
	}
	if payload["reasoning"] != "Increase green time by 50 frames to reduce queue buildup" {
		t.Fatalf("unexpected reasoning: %v", payload["reasoning"])
	}
	if payload["status"] != "success" {
		t.Fatalf("unexpected status: %v", payload["status"])
	}
}

func TestHandleAnalyzeBatch(t *testing.T) {
	model := &fakeModel{loaded: true, congestion: 33.333}
	h := newTestHandler(t, model, nil)

	body := `{"intersections": [
		{"id": "INT-001", "current_green_duration": 120},
		{"current_green_duration": 60},
		{"id": 7, "vehicle_density": 90}
	]}`
	w, payload := doRequest(t, h, http.MethodPost, "/analyze/batch", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if payload["total_analyzed"].(float64) != 3 {
		t.Fatalf("unexpected total: %v", payload["total_analyzed"])
	}
	results := payload["results"].([]any)
	ids := []any{"INT-001", "unknown", float64(7)}
	adjust := []bool{false, true, true}
	for i, raw := range results {
		res := raw.(map[string]any)
		if res["intersection_id"] != ids[i] {
			t.Fatalf("result %d: unexpected id %v", i, res["intersection_id"])
		}
		if res["congestion_level"].(float64) != 33.3 {
			t.Fatalf("result %d: expected rounded congestion, got %v", i, res["congestion_level"])
		}
		if res["needs_adjustment"] != adjust[i] {
			t.Fatalf("result %d: unexpected needs_adjustment %v", i, res["needs_adjustment"])
		}
	}
	if results[2].(map[string]any)["current_duration"].(float64) != 150 {
		t.Fatalf("expected default current duration for third intersection")
	}
}

func TestAnalyzeBatchRejected(t *testing.T) {
	cases := map[string]string{
		"missing body":      ``,
		"missing list":      `{}`,
		"empty list":        `{"intersections": []}`,
		"null list":         `{"intersections": null}`,
		"list not array":    `{"intersections": {"id": 1}}`,
		"item not object":   `{"intersections": [{}, 5]}`,
		"item fails bounds": `{"intersections": [{"id": "a"}, {"weather_factor": -1}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			model := &fakeModel{loaded: true}
			h := newTestHandler(t, model, nil)
			w, _ := doRequest(t, h, http.MethodPost, "/analyze/batch", body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if len(model.seen) != 0 {
				t.Fatalf("no intersection should be analyzed")
			}
		})
	}
}

func TestAnalyzeBatchFailsAsAWhole(t *testing.T) {
	model := &fakeModel{loaded: true, err: errors.New("scaler mismatch")}
	h := newTestHandler(t, model, nil)
	w, payload := doRequest(t, h, http.MethodPost, "/analyze/batch", `{"intersections": [{}, {}]}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if _, ok := payload["results"]; ok {
		t.Fatalf("partial results must not be returned")
	}
}
