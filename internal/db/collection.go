package db

import (
	"context"
	"time"

	"github.com/ukydev/fleet-livesim/internal/models"
)

// VehicleStore defines the vehicle operations the simulation needs.
type VehicleStore interface {
	FindOperationalVehicles(ctx context.Context) ([]models.Vehicle, error)
	CountAssignedOperational(ctx context.Context) (int64, error)
	AssignRoute(ctx context.Context, vehicleID, routeID string) error
	UpdateVehiclePosition(ctx context.Context, vehicleID string, loc models.Location, heading, speed float64, at time.Time) error
}

// RouteStore defines the route operations the simulation needs.
type RouteStore interface {
	FindActiveRoutes(ctx context.Context) ([]models.Route, error)
	FindRouteByID(ctx context.Context, id string) (*models.Route, error)
	CountActiveRoutes(ctx context.Context) (int64, error)
}

// StopStore defines the stop operations the simulation needs.
type StopStore interface {
	FindStopsByIDs(ctx context.Context, ids []string) ([]models.Stop, error)
	FindStopByID(ctx context.Context, id string) (*models.Stop, error)
	FindActiveStops(ctx context.Context) ([]models.Stop, error)
	CountActiveStops(ctx context.Context) (int64, error)
}

// Store is the full document store contract.
type Store interface {
	VehicleStore
	RouteStore
	StopStore
}
