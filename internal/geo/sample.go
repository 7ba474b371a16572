package geo

import "math/rand"

const (
	// MinSpeedKmh and MaxSpeedKmh bound every sampled speed.
	MinSpeedKmh = 5.0
	MaxSpeedKmh = 60.0

	// MinTrafficFactor is the heaviest congestion penalty.
	MinTrafficFactor = 0.3

	speedJitter = 0.3
)

// DwellBand is one weighted duration range of the dwell-time distribution.
type DwellBand struct {
	MinSeconds float64
	MaxSeconds float64
	Weight     float64
}

// DefaultDwellBands models the spread of stop dwell times: mostly short,
// occasionally up to two minutes.
var DefaultDwellBands = []DwellBand{
	{MinSeconds: 30, MaxSeconds: 45, Weight: 0.40},
	{MinSeconds: 45, MaxSeconds: 75, Weight: 0.30},
	{MinSeconds: 75, MaxSeconds: 105, Weight: 0.20},
	{MinSeconds: 105, MaxSeconds: 120, Weight: 0.10},
}

// SampleSpeedKmh applies ±30% uniform jitter to baseSpeed and clamps the
// result to [MinSpeedKmh, MaxSpeedKmh].
func SampleSpeedKmh(r *rand.Rand, baseSpeed float64) float64 {
	s := baseSpeed * (1 + (r.Float64()*2-1)*speedJitter)
	if s < MinSpeedKmh {
		return MinSpeedKmh
	}
	if s > MaxSpeedKmh {
		return MaxSpeedKmh
	}
	return s
}

// SampleDwellSeconds draws a dwell time from DefaultDwellBands.
func SampleDwellSeconds(r *rand.Rand) float64 {
	return SampleDwellFrom(r, DefaultDwellBands)
}

// SampleDwellFrom draws a band by weight, then a uniform duration inside it.
// An empty band list yields 0.
func SampleDwellFrom(r *rand.Rand, bands []DwellBand) float64 {
	if len(bands) == 0 {
		return 0
	}
	total := 0.0
	for _, b := range bands {
		total += b.Weight
	}
	pick := r.Float64() * total
	chosen := bands[len(bands)-1]
	for _, b := range bands {
		if pick < b.Weight {
			chosen = b
			break
		}
		pick -= b.Weight
	}
	return chosen.MinSeconds + r.Float64()*(chosen.MaxSeconds-chosen.MinSeconds)
}

// SampleTrafficFactor returns 1.0 (free flow) 80% of the time and a
// congestion factor in [0.3, 0.8] otherwise.
func SampleTrafficFactor(r *rand.Rand) float64 {
	if r.Float64() < 0.8 {
		return 1.0
	}
	return MinTrafficFactor + r.Float64()*0.5
}
