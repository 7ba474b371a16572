package geo

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampleSpeedKmh_Bounds(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		s := SampleSpeedKmh(r, 25)
		assert.GreaterOrEqual(t, s, 25*0.7-1e-9)
		assert.LessOrEqual(t, s, 25*1.3+1e-9)
	}
}

func TestSampleSpeedKmh_Clamped(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		assert.Equal(t, MinSpeedKmh, SampleSpeedKmh(r, 0))
		assert.Equal(t, MaxSpeedKmh, SampleSpeedKmh(r, 200))
	}
}

func TestSampleDwellSeconds_Distribution(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	counts := make([]int, len(DefaultDwellBands))
	const n = 20000
	for i := 0; i < n; i++ {
		d := SampleDwellSeconds(r)
		assert.GreaterOrEqual(t, d, 30.0)
		assert.LessOrEqual(t, d, 120.0)
		for j, b := range DefaultDwellBands {
			if d >= b.MinSeconds && d < b.MaxSeconds {
				counts[j]++
				break
			}
		}
	}
	for j, b := range DefaultDwellBands {
		assert.InDelta(t, b.Weight, float64(counts[j])/n, 0.03, "band %d", j)
	}
}

func TestSampleDwellFrom_Empty(t *testing.T) {
	assert.Equal(t, 0.0, SampleDwellFrom(rand.New(rand.NewSource(1)), nil))
}

func TestSampleTrafficFactor(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	free := 0
	const n = 10000
	for i := 0; i < n; i++ {
		f := SampleTrafficFactor(r)
		if f == 1.0 {
			free++
			continue
		}
		assert.GreaterOrEqual(t, f, 0.3)
		assert.LessOrEqual(t, f, 0.8)
	}
	assert.InDelta(t, 0.8, float64(free)/n, 0.03)
}
