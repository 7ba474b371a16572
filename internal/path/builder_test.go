package path

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-livesim/internal/geo"
	"github.com/ukydev/fleet-livesim/internal/models"
)

const kmPerDegLat = 111.19492664455873

func stopsInLine(n int, spacingKm float64) []StopPoint {
	stops := make([]StopPoint, 0, n)
	for i := 0; i < n; i++ {
		stops = append(stops, StopPoint{
			ID:        string(rune('A' + i)),
			Name:      "Stop " + string(rune('A'+i)),
			Latitude:  51.5 + float64(i)*spacingKm/kmPerDegLat,
			Longitude: -0.12,
		})
	}
	return stops
}

func stopMarks(wps []models.Waypoint) map[string]int {
	marks := map[string]int{}
	for _, w := range wps {
		if w.IsStopPoint {
			marks[w.StopID]++
		}
	}
	return marks
}

func assertDense(t *testing.T, wps []models.Waypoint, maxGapKm float64) {
	t.Helper()
	for i := 0; i < len(wps)-1; i++ {
		d := geo.DistanceKm(wps[i].Latitude, wps[i].Longitude, wps[i+1].Latitude, wps[i+1].Longitude)
		assert.LessOrEqual(t, d, maxGapKm+1e-9, "gap between %d and %d", i, i+1)
	}
}

func TestBuild_TooFewStops(t *testing.T) {
	b := NewBuilder(Options{})
	r := rand.New(rand.NewSource(1))
	assert.Empty(t, b.Build(r, nil, nil))
	assert.Empty(t, b.Build(r, stopsInLine(1, 1), nil))
}

func TestBuild_SyntheticRoute(t *testing.T) {
	b := NewBuilder(Options{})
	stops := stopsInLine(3, 1)
	wps := b.Build(rand.New(rand.NewSource(1)), stops, nil)

	require.GreaterOrEqual(t, len(wps), 2)
	assert.Equal(t, map[string]int{"A": 1, "B": 1, "C": 1}, stopMarks(wps))

	for i, w := range wps {
		assert.Equal(t, i, w.Sequence)
		assert.Equal(t, models.SourceSynthetic, w.Source)
		if w.IsStopPoint {
			assert.Equal(t, 0.0, w.TargetSpeedKmh)
			assert.NotEmpty(t, w.StopName)
		} else {
			assert.Equal(t, 25.0, w.TargetSpeedKmh)
		}
	}

	assertDense(t, wps, 0.2)

	first, last := wps[0], wps[len(wps)-1]
	assert.InDelta(t, 0, geo.DistanceKm(first.Latitude, first.Longitude, last.Latitude, last.Longitude), 1e-6)
	assert.True(t, first.IsStopPoint)
	assert.Equal(t, "A", first.StopID)
}

func TestBuild_StopOrderFollowsRoute(t *testing.T) {
	b := NewBuilder(Options{})
	wps := b.Build(rand.New(rand.NewSource(1)), stopsInLine(4, 0.7), nil)

	var order []string
	for _, w := range wps {
		if w.IsStopPoint {
			order = append(order, w.StopID)
		}
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, order)
}

func TestBuild_RepeatedStopMarkedOnce(t *testing.T) {
	b := NewBuilder(Options{})
	stops := stopsInLine(3, 1)
	stops = append(stops, stops[0])
	wps := b.Build(rand.New(rand.NewSource(1)), stops, nil)
	assert.Equal(t, map[string]int{"A": 1, "B": 1, "C": 1}, stopMarks(wps))
}

func TestBuild_CoincidentStops(t *testing.T) {
	b := NewBuilder(Options{})
	stops := []StopPoint{
		{ID: "A", Latitude: 10, Longitude: 10},
		{ID: "B", Latitude: 10, Longitude: 10},
	}
	wps := b.Build(rand.New(rand.NewSource(1)), stops, nil)
	require.Len(t, wps, 2)
	assert.Equal(t, map[string]int{"A": 1, "B": 1}, stopMarks(wps))
}

func TestBuild_RoadPolyline(t *testing.T) {
	b := NewBuilder(Options{})
	stops := stopsInLine(3, 1)

	var road []models.Location
	for i := 0; i <= 20; i++ {
		road = append(road, models.Location{Lat: 51.5 + float64(i)*0.1/kmPerDegLat, Lon: -0.12})
	}
	wps := b.Build(rand.New(rand.NewSource(7)), stops, road)

	roadCount := 0
	for _, w := range wps {
		if w.Source != models.SourceRoad {
			continue
		}
		roadCount++
		if w.IsStopPoint {
			continue
		}
		band := roadSpeeds[w.RoadClass]
		assert.GreaterOrEqual(t, w.TargetSpeedKmh, band.min)
		assert.LessOrEqual(t, w.TargetSpeedKmh, band.max)
	}
	assert.GreaterOrEqual(t, roadCount, len(road))
	assert.Equal(t, map[string]int{"A": 1, "B": 1, "C": 1}, stopMarks(wps))
	assertDense(t, wps, 0.2)

	assert.Equal(t, models.RoadUrban, wps[0].RoadClass)
	assert.Equal(t, models.RoadHighway, wps[10].RoadClass)
}

func TestBuild_SparseRoadLeavesDistantStopsUnmarked(t *testing.T) {
	b := NewBuilder(Options{})
	stops := []StopPoint{
		{ID: "A", Latitude: 51.5, Longitude: -0.12},
		{ID: "B", Latitude: 51.5, Longitude: -0.10},
		{ID: "far", Latitude: 51.6, Longitude: -0.11},
	}
	road := []models.Location{{Lat: 51.5, Lon: -0.12}, {Lat: 51.5, Lon: -0.10}}
	wps := b.Build(rand.New(rand.NewSource(1)), stops, road)
	marks := stopMarks(wps)
	assert.Equal(t, 1, marks["A"])
	assert.Equal(t, 1, marks["B"])
	assert.Zero(t, marks["far"])
}

func TestRoadClassAt(t *testing.T) {
	tests := []struct {
		frac float64
		want models.RoadClass
	}{
		{0, models.RoadUrban},
		{0.1, models.RoadUrban},
		{0.2, models.RoadSuburban},
		{0.5, models.RoadHighway},
		{0.8, models.RoadSuburban},
		{0.9, models.RoadUrban},
		{1, models.RoadUrban},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoadClassAt(tt.frac), "frac %.2f", tt.frac)
	}
}

func TestDensify_LeavingStopUsesNextSpeed(t *testing.T) {
	b := NewBuilder(Options{})
	wps := []models.Waypoint{
		{Latitude: 0, Longitude: 0, IsStopPoint: true, StopID: "A", RoadClass: models.RoadHighway, Source: models.SourceRoad},
		{Latitude: 0.9 / kmPerDegLat, Longitude: 0, TargetSpeedKmh: 42, RoadClass: models.RoadHighway, Source: models.SourceRoad},
	}
	out := b.densify(wps)
	require.Len(t, out, 6)
	for _, w := range out[1:5] {
		assert.False(t, w.IsStopPoint)
		assert.Empty(t, w.StopID)
		assert.Equal(t, 42.0, w.TargetSpeedKmh)
		assert.Equal(t, models.RoadHighway, w.RoadClass)
		assert.Equal(t, models.SourceRoad, w.Source)
	}
}
