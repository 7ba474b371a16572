package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Route is an ordered sequence of stops, optionally with real-road geometry
// stored as a GeoJSON LineString.
type Route struct {
	ID                primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name              string             `bson:"name" json:"name"`
	StopIDs           []string           `bson:"stop_ids" json:"stop_ids"`
	IsActive          bool               `bson:"is_active" json:"is_active"`
	RoadGeometry      string             `bson:"road_geometry,omitempty" json:"road_geometry,omitempty"`
	GeometryUpdatedAt *time.Time         `bson:"geometry_updated_at,omitempty" json:"geometry_updated_at,omitempty"`
}

// GeometryFresh reports whether the stored road geometry exists and is younger than maxAge.
func (r Route) GeometryFresh(now time.Time, maxAge time.Duration) bool {
	if r.RoadGeometry == "" || r.GeometryUpdatedAt == nil {
		return false
	}
	return now.Sub(*r.GeometryUpdatedAt) <= maxAge
}
