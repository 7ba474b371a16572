package broadcast

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-livesim/internal/models"
)

// PositionWriter persists a vehicle's last known position.
type PositionWriter interface {
	UpdateVehiclePosition(ctx context.Context, vehicleID string, loc models.Location, heading, speed float64, at time.Time) error
}

// mirror writes positions to the store off the publish path. When the
// queue is full the update is dropped; the next one supersedes it anyway.
type mirror struct {
	w       PositionWriter
	queue   chan models.PositionUpdate
	timeout time.Duration
}

func newMirror(w PositionWriter, size int, timeout time.Duration) *mirror {
	if size <= 0 {
		size = DefaultConfig().MirrorBuffer
	}
	if timeout <= 0 {
		timeout = DefaultConfig().MirrorTimeout
	}
	return &mirror{w: w, queue: make(chan models.PositionUpdate, size), timeout: timeout}
}

func (m *mirror) enqueue(u models.PositionUpdate) {
	select {
	case m.queue <- u:
	default:
		log.WithField("vehicle_id", u.VehicleID).Debug("Position mirror queue full, dropping update")
	}
}

func (m *mirror) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-m.queue:
			m.write(ctx, u)
		}
	}
}

func (m *mirror) write(ctx context.Context, u models.PositionUpdate) {
	wctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	loc := models.Location{Lat: u.Latitude, Lon: u.Longitude}
	if err := m.w.UpdateVehiclePosition(wctx, u.VehicleID, loc, u.Heading, u.SpeedKmh, u.Timestamp); err != nil {
		log.WithError(err).WithField("vehicle_id", u.VehicleID).Warn("Failed to mirror vehicle position")
	}
}
