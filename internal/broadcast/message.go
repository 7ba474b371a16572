package broadcast

import (
	"context"
	"fmt"
	"strings"
)

// Topic names.
const (
	TopicAllVehicles = "all-vehicles"
	routePrefix      = "route:"
	proximityPrefix  = "proximity:"
)

// RouteTopic is the topic carrying positions of one route's vehicles.
func RouteTopic(routeID string) string { return routePrefix + routeID }

// ProximityTopic is the topic carrying alerts for one stop.
func ProximityTopic(stopID string) string { return proximityPrefix + stopID }

// TopicKind classifies a topic.
type TopicKind int

const (
	TopicAll TopicKind = iota
	TopicRoute
	TopicProximity
)

// ParseTopic validates topic and splits out its id.
func ParseTopic(topic string) (TopicKind, string, error) {
	switch {
	case topic == TopicAllVehicles:
		return TopicAll, "", nil
	case strings.HasPrefix(topic, routePrefix) && len(topic) > len(routePrefix):
		return TopicRoute, strings.TrimPrefix(topic, routePrefix), nil
	case strings.HasPrefix(topic, proximityPrefix) && len(topic) > len(proximityPrefix):
		return TopicProximity, strings.TrimPrefix(topic, proximityPrefix), nil
	}
	return 0, "", fmt.Errorf("unknown topic %q", topic)
}

// Kind is the type tag of an outbound message.
type Kind string

const (
	KindPositionUpdate Kind = "position-update"
	KindProximityAlert Kind = "proximity-alert"
)

// Message is the outbound envelope delivered to subscribers.
type Message struct {
	Type  Kind        `json:"type"`
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

// Subscriber is one delivery handle. Send must not block for long; a
// returned error is logged and does not affect other subscribers.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, msg Message) error
}

// ClientKind is the type tag of an inbound client message.
type ClientKind string

const (
	ClientSubscribe      ClientKind = "subscribe"
	ClientUnsubscribe    ClientKind = "unsubscribe"
	ClientLocationUpdate ClientKind = "location-update"
)

// ClientMessage is an inbound message from a subscriber or a real GPS feed.
type ClientMessage struct {
	Type         ClientKind `json:"type"`
	Topic        string     `json:"topic,omitempty"`
	RadiusMeters float64    `json:"radiusMeters,omitempty"`

	VehicleID string  `json:"vehicleId,omitempty"`
	RouteID   string  `json:"routeId,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Heading   float64 `json:"heading,omitempty"`
	SpeedKmh  float64 `json:"speedKmh,omitempty"`
}
