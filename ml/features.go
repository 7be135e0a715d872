package ml

import (
	"time"
)

// FeatureCount is the width of every model input vector.
const FeatureCount = 12

// Observation describes the current traffic conditions at one intersection.
type Observation struct {
	WeatherFactor         float64 `json:"weather_factor"`
	IncidentCount         float64 `json:"incident_count"`
	VehicleDensity        float64 `json:"vehicle_density"`
	NSQueueLength         float64 `json:"ns_queue_length"`
	EWQueueLength         float64 `json:"ew_queue_length"`
	CurrentGreenDuration  float64 `json:"current_green_duration"`
	TimeSinceLastChange   float64 `json:"time_since_last_change"`
	AdjacentCongestionAvg float64 `json:"adjacent_congestion_avg"`
}

// DefaultObservation returns the values substituted for fields a caller omits.
func DefaultObservation() Observation {
	return Observation{
		WeatherFactor:         1.0,
		IncidentCount:         0,
		VehicleDensity:        50,
		NSQueueLength:         0,
		EWQueueLength:         0,
		CurrentGreenDuration:  150,
		TimeSinceLastChange:   75,
		AdjacentCongestionAvg: 30,
	}
}

// Clock supplies the wall-clock time used for the time-of-day features.
type Clock func() time.Time

// TimeFeatures are derived from the clock at prediction time, never from the request.
type TimeFeatures struct {
	Hour      int
	DayOfWeek int
	RushHour  bool
	Weekend   bool
}

// DeriveTimeFeatures computes the calendar features for t. Days are numbered from
// Monday (0) to Sunday (6).
func DeriveTimeFeatures(t time.Time) TimeFeatures {
	hour := t.Hour()
	day := (int(t.Weekday()) + 6) % 7
	return TimeFeatures{
		Hour:      hour,
		DayOfWeek: day,
		RushHour:  IsRushHour(hour),
		Weekend:   day >= 5,
	}
}

// IsRushHour reports whether hour falls in the morning (8-11) or evening (18-21) peak.
func IsRushHour(hour int) bool {
	return (hour >= 8 && hour <= 11) || (hour >= 18 && hour <= 21)
}

func FeatureNames() []string {
	return []string{
		"hour",
		"day_of_week",
		"is_rush_hour",
		"is_weekend",
		"weather_factor",
		"incident_count",
		"vehicle_density",
		"ns_queue_length",
		"ew_queue_length",
		"current_green_duration",
		"time_since_last_change",
		"adjacent_congestion_avg",
	}
}

// FeatureVector lays out tf and obs in FeatureNames order.
func FeatureVector(obs Observation, tf TimeFeatures) []float64 {
	return []float64{
		float64(tf.Hour),
		float64(tf.DayOfWeek),
		boolToFloat(tf.RushHour),
		boolToFloat(tf.Weekend),
		obs.WeatherFactor,
		obs.IncidentCount,
		obs.VehicleDensity,
		obs.NSQueueLength,
		obs.EWQueueLength,
		obs.CurrentGreenDuration,
		obs.TimeSinceLastChange,
		obs.AdjacentCongestionAvg,
	}
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sameFeatures(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
