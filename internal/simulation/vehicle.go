package simulation

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/ukydev/fleet-livesim/internal/geo"
	"github.com/ukydev/fleet-livesim/internal/models"
)

var errNoWaypoints = errors.New("vehicle has no waypoints")

// VehicleState is one simulated vehicle. It is owned by the Engine and only
// mutated from the tick that advances it.
type VehicleState struct {
	VehicleID string
	RouteID   string
	Latitude  float64
	Longitude float64
	Speed     float64 // km/h
	Heading   float64

	Waypoints    []models.Waypoint
	CurrentIndex int

	IsStopped        bool
	StopEnteredAt    time.Time
	StopDwellSeconds float64

	TrafficFactor            float64
	TrafficFactorRefreshedAt time.Time

	IsActive   bool
	LastTickAt time.Time

	rng *rand.Rand
}

// Target returns the waypoint the vehicle is heading for.
func (v *VehicleState) Target() models.Waypoint {
	return v.Waypoints[v.CurrentIndex]
}

func (v *VehicleState) advanceIndex() {
	v.CurrentIndex = (v.CurrentIndex + 1) % len(v.Waypoints)
}

// nearestIndex returns the waypoint closest to (lat, lon).
func nearestIndex(wps []models.Waypoint, lat, lon float64) int {
	best, bestKm := 0, math.Inf(1)
	for i, w := range wps {
		if d := geo.DistanceKm(lat, lon, w.Latitude, w.Longitude); d < bestKm {
			best, bestKm = i, d
		}
	}
	return best
}

// step advances the vehicle to now. It reports whether a position update
// should be published: every moving tick does, as does the tick that brings
// the vehicle to a stop. Ticks spent dwelling publish nothing.
func (v *VehicleState) step(now time.Time, cfg Config) (models.PositionUpdate, bool, error) {
	if len(v.Waypoints) == 0 {
		return models.PositionUpdate{}, false, errNoWaypoints
	}

	elapsed := cfg.TickInterval.Seconds()
	if !v.LastTickAt.IsZero() {
		elapsed = now.Sub(v.LastTickAt).Seconds()
	}
	v.LastTickAt = now

	if v.IsStopped {
		dwelt := now.Sub(v.StopEnteredAt).Seconds()
		if dwelt < v.StopDwellSeconds {
			return models.PositionUpdate{}, false, nil
		}
		// STOPPED -> MOVING; only the time past the dwell counts as travel.
		v.IsStopped = false
		v.advanceIndex()
		elapsed = math.Min(elapsed, dwelt-v.StopDwellSeconds)
	}

	if v.TrafficFactorRefreshedAt.IsZero() || now.Sub(v.TrafficFactorRefreshedAt) > cfg.TrafficRefresh {
		v.TrafficFactor = geo.SampleTrafficFactor(v.rng)
		v.TrafficFactorRefreshedAt = now
	}

	target := v.Target()
	v.Speed = geo.SampleSpeedKmh(v.rng, target.TargetSpeedKmh) * v.TrafficFactor
	if v.Latitude != target.Latitude || v.Longitude != target.Longitude {
		v.Heading = geo.BearingDeg(v.Latitude, v.Longitude, target.Latitude, target.Longitude)
	}

	var remaining float64
	v.Latitude, v.Longitude, remaining = geo.Advance(v.Latitude, v.Longitude, target.Latitude, target.Longitude, v.Speed, math.Max(elapsed, 0))

	if remaining <= cfg.ArrivalThresholdKm {
		if target.IsStopPoint {
			// MOVING -> STOPPED
			v.IsStopped = true
			v.Speed = 0
			v.StopEnteredAt = now
			v.StopDwellSeconds = geo.SampleDwellFrom(v.rng, cfg.DwellBands)
		} else {
			v.advanceIndex()
		}
	}

	return v.update(now), true, nil
}

func (v *VehicleState) update(now time.Time) models.PositionUpdate {
	return models.PositionUpdate{
		VehicleID: v.VehicleID,
		RouteID:   v.RouteID,
		Latitude:  v.Latitude,
		Longitude: v.Longitude,
		Heading:   v.Heading,
		SpeedKmh:  v.Speed,
		Timestamp: now,
		Simulated: true,
	}
}
