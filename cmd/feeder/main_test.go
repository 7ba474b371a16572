package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-livesim/internal/broadcast"
	"github.com/ukydev/fleet-livesim/internal/geo"
	"github.com/ukydev/fleet-livesim/internal/models"
)

type fakeFetcher struct {
	path  []models.Location
	err   error
	calls int
}

func (f *fakeFetcher) FetchRoute(_ context.Context, points []models.Location) ([]models.Location, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.path, nil
}

func TestJitterLocation_StaysNearBase(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	base := depots[0]
	for i := 0; i < 100; i++ {
		loc := jitterLocation(r, base, 500)
		// A 500 m box has a diagonal under 0.75 km.
		assert.Less(t, geo.DistanceKm(base.Lat, base.Lon, loc.Lat, loc.Lon), 0.75)
	}
}

func TestPlanRoute_FallsBackToStraightLine(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	v := &feedVehicle{ID: "feed-1", Position: depots[1], SpeedKmh: baseSpeedKmh}

	planRoute(context.Background(), r, &fakeFetcher{err: errors.New("down")}, v)

	require.Len(t, v.Path, 2)
	assert.Equal(t, depots[1], v.Path[0])
	assert.Equal(t, 1, v.Next)
}

func TestStep_MovesAlongPathAndReplans(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	start := models.Location{Lat: 51.0, Lon: 0.0}
	f := &fakeFetcher{path: []models.Location{start, {Lat: 51.001, Lon: 0.0}}}
	v := &feedVehicle{ID: "feed-1", Position: start, SpeedKmh: baseSpeedKmh}

	step(context.Background(), r, f, v, 2)
	assert.Equal(t, 1, f.calls)
	assert.Greater(t, v.Position.Lat, start.Lat)
	assert.InDelta(t, 0, v.Heading, 1e-6)

	// Long enough to pass the ~111 m path end.
	step(context.Background(), r, f, v, 120)
	assert.Equal(t, 2, v.Next)
	assert.InDelta(t, 51.001, v.Position.Lat, 1e-9)

	step(context.Background(), r, f, v, 1)
	assert.Equal(t, 2, f.calls)
}

func TestMessage_IsLocationUpdate(t *testing.T) {
	v := &feedVehicle{ID: "feed-9", RouteID: "r1", Position: models.Location{Lat: 48.85, Lon: 2.35}, SpeedKmh: 30, Heading: 90}

	data, err := json.Marshal(v.message())
	require.NoError(t, err)

	var msg broadcast.ClientMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, broadcast.ClientLocationUpdate, msg.Type)
	assert.Equal(t, "feed-9", msg.VehicleID)
	assert.Equal(t, "r1", msg.RouteID)

	u, err := msg.PositionUpdate(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 48.85, u.Latitude)
}

func TestGPSTopic(t *testing.T) {
	assert.Equal(t, "fleet/gps/v1", gpsTopic("fleet", "v1"))
	assert.Equal(t, "a/b/gps/v1", gpsTopic("/a/b/", "v1"))
}

func TestNewFleet(t *testing.T) {
	fleet := newFleet(rand.New(rand.NewSource(4)), 3, "r1")
	require.Len(t, fleet, 3)
	seen := map[string]bool{}
	for _, v := range fleet {
		assert.Equal(t, "r1", v.RouteID)
		assert.Equal(t, float64(baseSpeedKmh), v.SpeedKmh)
		seen[v.ID] = true
	}
	assert.Len(t, seen, 3)
}
