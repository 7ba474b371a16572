package models

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
	"time"
)

// Operational statuses a vehicle record can carry.
const (
	StatusActive      = "active"
	StatusInactive    = "inactive"
	StatusMaintenance = "maintenance"
)

// Vehicle represents a fleet vehicle as stored in the document store.
type Vehicle struct {
	ID                primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name              string             `bson:"name" json:"name"`
	AssignedRouteID   string             `bson:"assigned_route_id,omitempty" json:"assigned_route_id,omitempty"`
	OperationalStatus string             `bson:"operational_status" json:"operational_status"` // "active", "inactive" or "maintenance"
	CurrentLocation   *Location          `bson:"current_location,omitempty" json:"current_location,omitempty"`
	Heading           float64            `bson:"heading" json:"heading"`
	Speed             float64            `bson:"speed" json:"speed"` // km/h
	LastSeenAt        *time.Time         `bson:"last_seen_at,omitempty" json:"last_seen_at,omitempty"`
}

// IsOperational reports whether the vehicle may be put on the road.
func (v Vehicle) IsOperational() bool {
	return v.OperationalStatus == StatusActive
}

// HasRoute reports whether the vehicle has a route assigned.
func (v Vehicle) HasRoute() bool {
	return v.AssignedRouteID != ""
}
