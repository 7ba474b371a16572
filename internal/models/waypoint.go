package models

// RoadClass drives the target speed band of a road waypoint.
type RoadClass string

const (
	RoadUrban    RoadClass = "urban"
	RoadSuburban RoadClass = "suburban"
	RoadHighway  RoadClass = "highway"
)

// SourceKind tells whether a waypoint came from real road geometry or was synthesized.
type SourceKind string

const (
	SourceRoad      SourceKind = "road"
	SourceSynthetic SourceKind = "synthetic"
)

// Waypoint is one point of a route's discretized, circular path.
type Waypoint struct {
	Latitude       float64    `json:"latitude"`
	Longitude      float64    `json:"longitude"`
	Sequence       int        `json:"sequence"`
	IsStopPoint    bool       `json:"is_stop_point"`
	StopID         string     `json:"stop_id,omitempty"`
	StopName       string     `json:"stop_name,omitempty"`
	TargetSpeedKmh float64    `json:"target_speed_kmh"`
	RoadClass      RoadClass  `json:"road_class"`
	Source         SourceKind `json:"source"`
}
