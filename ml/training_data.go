package ml

import (
	"errors"
	"math"
	"math/rand/v2"
)

// Dataset is a feature matrix in FeatureNames order with both training targets.
type Dataset struct {
	Features      [][]float64
	Congestion    []float64
	GreenDuration []float64
}

func (d *Dataset) Len() int {
	return len(d.Features)
}

// GenerateSyntheticData samples n intersections and labels them with the fixed
// congestion and green-duration formulas. The same seed always yields the same rows.
func GenerateSyntheticData(n int, seed uint64) (*Dataset, error) {
	if n <= 0 {
		return nil, errors.New("sample count must be positive")
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	data := &Dataset{
		Features:      make([][]float64, n),
		Congestion:    make([]float64, n),
		GreenDuration: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		hour := rng.IntN(24)
		day := rng.IntN(7)
		tf := TimeFeatures{
			Hour:      hour,
			DayOfWeek: day,
			RushHour:  IsRushHour(hour),
			Weekend:   day >= 5,
		}

		weather := clip(normal(rng, 1.0, 0.3), 0.5, 2.0)
		incidents := float64(poisson(rng, 0.5))

		density := normal(rng, 50, 15)
		if tf.RushHour {
			density *= 1.8
		}
		if tf.Weekend {
			density *= 0.7
		}
		density = clip(density*weather, 10, 200)

		// East-west queues run shorter under left-hand traffic.
		nsBase := exponential(rng, 8)
		ewBase := exponential(rng, 6)

		green := clip(normal(rng, 150, 30), 60, 300)
		sinceChange := exponential(rng, 75)
		adjacent := clip(normal(rng, 30, 10), 0, 100)

		factor := (density / 100) * weather * (1 + incidents*0.3)
		obs := Observation{
			WeatherFactor:         weather,
			IncidentCount:         incidents,
			VehicleDensity:        density,
			NSQueueLength:         nsBase * factor,
			EWQueueLength:         ewBase * factor * 0.85,
			CurrentGreenDuration:  green,
			TimeSinceLastChange:   sinceChange,
			AdjacentCongestionAvg: adjacent,
		}

		data.Features[i] = FeatureVector(obs, tf)
		data.Congestion[i] = CongestionLabel(obs)
		data.GreenDuration[i] = OptimalGreenLabel(obs)
	}
	return data, nil
}

// CongestionLabel is the ground-truth congestion percentage for obs.
func CongestionLabel(obs Observation) float64 {
	level := (obs.NSQueueLength+obs.EWQueueLength)/2*2.5 +
		obs.VehicleDensity*0.3 +
		obs.IncidentCount*15 +
		(obs.WeatherFactor-1)*20 +
		obs.AdjacentCongestionAvg*0.2
	return clip(level, 0, 100)
}

// OptimalGreenLabel is the ground-truth green duration for obs.
func OptimalGreenLabel(obs Observation) float64 {
	return clip(150+(obs.NSQueueLength-obs.EWQueueLength)*2, 60, 300)
}

// splitDataset shuffles row indices with a fixed seed and holds out testRatio of them.
func splitDataset(rows int, testRatio float64, seed uint64) (train, test []int) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	rng := rand.New(rand.NewPCG(seed, seed+1))
	indices := rng.Perm(rows)

	testSize := int(math.Ceil(float64(rows)*testRatio - 1e-9))
	if testSize >= rows {
		testSize = rows - 1
	}
	return indices[testSize:], indices[:testSize]
}

func normal(rng *rand.Rand, mean, std float64) float64 {
	return rng.NormFloat64()*std + mean
}

func exponential(rng *rand.Rand, mean float64) float64 {
	return rng.ExpFloat64() * mean
}

// poisson uses Knuth's multiplication method, fine for small lambda.
func poisson(rng *rand.Rand, lambda float64) int {
	limit := math.Exp(-lambda)
	k := 0
	p := 1.0
	for {
		p *= rng.Float64()
		if p <= limit {
			return k
		}
		k++
	}
}
