package models

import "time"

// PositionUpdate is the outbound position-update payload. Simulated and
// real-feed vehicles both produce it.
type PositionUpdate struct {
	VehicleID string    `json:"vehicleId"`
	RouteID   string    `json:"routeId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   float64   `json:"heading"`
	SpeedKmh  float64   `json:"speedKmh"`
	Timestamp time.Time `json:"timestamp"`
	Simulated bool      `json:"simulated"`
}

// ProximityAlert is emitted when a vehicle comes within a subscriber's radius of a stop.
type ProximityAlert struct {
	VehicleID      string    `json:"vehicleId"`
	StopID         string    `json:"stopId"`
	DistanceMeters float64   `json:"distanceMeters"`
	EtaMinutes     float64   `json:"etaMinutes"`
	Timestamp      time.Time `json:"timestamp"`
}
