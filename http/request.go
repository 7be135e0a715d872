package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"trafficflow/ml"
)

// observationRequest distinguishes absent fields (nil) from explicit zeros.
type observationRequest struct {
	WeatherFactor         *float64 `json:"weather_factor" validate:"omitempty,gt=0"`
	IncidentCount         *float64 `json:"incident_count" validate:"omitempty,gte=0"`
	VehicleDensity        *float64 `json:"vehicle_density" validate:"omitempty,gte=0"`
	NSQueueLength         *float64 `json:"ns_queue_length" validate:"omitempty,gte=0"`
	EWQueueLength         *float64 `json:"ew_queue_length" validate:"omitempty,gte=0"`
	CurrentGreenDuration  *float64 `json:"current_green_duration" validate:"omitempty,gte=0"`
	TimeSinceLastChange   *float64 `json:"time_since_last_change" validate:"omitempty,gte=0"`
	AdjacentCongestionAvg *float64 `json:"adjacent_congestion_avg" validate:"omitempty,gte=0,lte=100"`
}

func (req observationRequest) observation() ml.Observation {
	obs := ml.DefaultObservation()
	set := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	set(&obs.WeatherFactor, req.WeatherFactor)
	set(&obs.IncidentCount, req.IncidentCount)
	set(&obs.VehicleDensity, req.VehicleDensity)
	set(&obs.NSQueueLength, req.NSQueueLength)
	set(&obs.EWQueueLength, req.EWQueueLength)
	set(&obs.CurrentGreenDuration, req.CurrentGreenDuration)
	set(&obs.TimeSinceLastChange, req.TimeSinceLastChange)
	set(&obs.AdjacentCongestionAvg, req.AdjacentCongestionAvg)
	return obs
}

type batchRequest struct {
	Intersections []json.RawMessage `json:"intersections"`
}

// batchItem is an observation plus an optional caller-supplied id, echoed back
// verbatim.
type batchItem struct {
	ID any `json:"id"`
}

// requestError carries the status code a decoding failure maps to.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// readBody returns the trimmed request body, rejecting empty bodies.
func readBody(r *http.Request, missing string) ([]byte, error) {
	if r.Body == nil {
		return nil, badRequest("%s", missing)
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &requestError{status: http.StatusRequestEntityTooLarge, message: "request body too large"}
		}
		return nil, badRequest("failed to read request body")
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, badRequest("%s", missing)
	}
	return raw, nil
}

// decodeObject unmarshals a JSON object into dst; null, arrays and scalars are
// rejected.
func decodeObject(raw []byte, dst any, what string) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return badRequest("%s must be a JSON object", what)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return badRequest("%s: field %s must be a %s", what, typeErr.Field, typeErr.Type)
		}
		return badRequest("%s: invalid JSON: %v", what, err)
	}
	return nil
}

func parseObservation(raw []byte, what string) (ml.Observation, error) {
	var req observationRequest
	if err := decodeObject(raw, &req, what); err != nil {
		return ml.Observation{}, err
	}
	if err := validate.Struct(req); err != nil {
		return ml.Observation{}, badRequest("%s: %s", what, describeValidation(err))
	}
	return req.observation(), nil
}

func decodeObservation(r *http.Request) (ml.Observation, error) {
	raw, err := readBody(r, "No data provided")
	if err != nil {
		return ml.Observation{}, err
	}
	return parseObservation(raw, "request body")
}

// decodeBatch returns the observations and their ids in request order.
func decodeBatch(r *http.Request) ([]ml.Observation, []any, error) {
	raw, err := readBody(r, "No intersections provided")
	if err != nil {
		return nil, nil, err
	}
	var req batchRequest
	if err := decodeObject(raw, &req, "request body"); err != nil {
		return nil, nil, err
	}
	if len(req.Intersections) == 0 {
		return nil, nil, badRequest("No intersections provided")
	}

	observations := make([]ml.Observation, len(req.Intersections))
	ids := make([]any, len(req.Intersections))
	for i, item := range req.Intersections {
		what := fmt.Sprintf("intersections[%d]", i)
		obs, err := parseObservation(item, what)
		if err != nil {
			return nil, nil, err
		}
		var meta batchItem
		if err := json.Unmarshal(item, &meta); err != nil {
			return nil, nil, badRequest("%s: invalid id", what)
		}
		if meta.ID == nil {
			meta.ID = "unknown"
		}
		observations[i] = obs
		ids[i] = meta.ID
	}
	return observations, ids, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param()))
		case "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
		case "lte":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
