// Package broadcast fans vehicle positions and proximity alerts out to
// topic subscribers.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-livesim/internal/geo"
	"github.com/ukydev/fleet-livesim/internal/models"
)

// StopLookup resolves a stop that was not preloaded with SetStops.
type StopLookup interface {
	FindStopByID(ctx context.Context, id string) (*models.Stop, error)
}

// Config holds the hub's tunables.
type Config struct {
	DefaultRadiusMeters float64
	MirrorBuffer        int
	MirrorTimeout       time.Duration
}

// DefaultConfig returns the hub defaults.
func DefaultConfig() Config {
	return Config{
		DefaultRadiusMeters: 500,
		MirrorBuffer:        256,
		MirrorTimeout:       2 * time.Second,
	}
}

type subscription struct {
	sub      Subscriber
	radiusKm float64
}

type stopPoint struct {
	lat, lon float64
}

// Option configures a Hub.
type Option func(*Hub)

// WithStopLookup lets proximity joins resolve unknown stops.
func WithStopLookup(l StopLookup) Option {
	return func(h *Hub) { h.stopLookup = l }
}

// WithPositionWriter mirrors every published position to w, best-effort.
func WithPositionWriter(w PositionWriter) Option {
	return func(h *Hub) { h.mirror = newMirror(w, h.cfg.MirrorBuffer, h.cfg.MirrorTimeout) }
}

// WithSimulatedFilter drops real-feed updates for vehicles that simulated
// reports as simulated.
func WithSimulatedFilter(simulated func(vehicleID string) bool) Option {
	return func(h *Hub) { h.simulated = simulated }
}

// Hub is the topic registry. Join, Leave and LeaveAll may be called
// concurrently with publishing.
type Hub struct {
	cfg        Config
	stopLookup StopLookup
	mirror     *mirror
	simulated  func(string) bool

	mu     sync.RWMutex
	topics map[string]map[string]subscription

	stopsMu sync.RWMutex
	stops   map[string]stopPoint

	latestMu sync.RWMutex
	latest   map[string]models.PositionUpdate
}

// NewHub creates a hub.
func NewHub(cfg Config, opts ...Option) *Hub {
	if cfg.DefaultRadiusMeters <= 0 {
		cfg.DefaultRadiusMeters = DefaultConfig().DefaultRadiusMeters
	}
	h := &Hub{
		cfg:    cfg,
		topics: make(map[string]map[string]subscription),
		stops:  make(map[string]stopPoint),
		latest: make(map[string]models.PositionUpdate),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run drives the position mirror until ctx is cancelled. It returns at once
// when no writer is configured.
func (h *Hub) Run(ctx context.Context) {
	if h.mirror == nil {
		return
	}
	h.mirror.run(ctx)
}

// SetStops replaces the stop index used for proximity evaluation.
func (h *Hub) SetStops(stops []models.Stop) {
	idx := make(map[string]stopPoint, len(stops))
	for _, s := range stops {
		idx[s.ID.Hex()] = stopPoint{lat: s.Latitude, lon: s.Longitude}
	}
	h.stopsMu.Lock()
	h.stops = idx
	h.stopsMu.Unlock()
}

func (h *Hub) stop(ctx context.Context, stopID string) (stopPoint, error) {
	h.stopsMu.RLock()
	sp, ok := h.stops[stopID]
	h.stopsMu.RUnlock()
	if ok {
		return sp, nil
	}
	if h.stopLookup == nil {
		return stopPoint{}, fmt.Errorf("stop %s unknown: %w", stopID, models.ErrDataGap)
	}
	s, err := h.stopLookup.FindStopByID(ctx, stopID)
	if err != nil {
		return stopPoint{}, fmt.Errorf("stop %s: %w", stopID, err)
	}
	sp = stopPoint{lat: s.Latitude, lon: s.Longitude}
	h.stopsMu.Lock()
	h.stops[stopID] = sp
	h.stopsMu.Unlock()
	return sp, nil
}

// Join subscribes sub to topic. radiusMeters applies to proximity topics;
// zero or less means the default radius. Joining a position topic sends
// the latest known position of every matching vehicle.
func (h *Hub) Join(ctx context.Context, topic string, sub Subscriber, radiusMeters float64) error {
	kind, id, err := ParseTopic(topic)
	if err != nil {
		return err
	}
	if kind == TopicProximity {
		if _, err := h.stop(ctx, id); err != nil {
			return err
		}
	}
	if radiusMeters <= 0 {
		radiusMeters = h.cfg.DefaultRadiusMeters
	}

	if kind == TopicProximity {
		h.insert(topic, sub, radiusMeters)
		return nil
	}

	// latestMu stays held until the subscriber is registered and has its
	// snapshot; no newer position can be recorded in between.
	h.latestMu.RLock()
	defer h.latestMu.RUnlock()
	h.insert(topic, sub, radiusMeters)
	for _, u := range h.latest {
		if kind == TopicAll || u.RouteID == id {
			h.deliver(ctx, sub, Message{Type: KindPositionUpdate, Topic: topic, Data: u})
		}
	}
	return nil
}

func (h *Hub) insert(topic string, sub Subscriber, radiusMeters float64) {
	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]subscription)
		h.topics[topic] = subs
	}
	subs[sub.ID()] = subscription{sub: sub, radiusKm: radiusMeters / 1000}
	h.mu.Unlock()

	log.WithFields(log.Fields{"subscriber": sub.ID(), "topic": topic}).Debug("Subscriber joined")
}

// Leave unsubscribes a subscriber from topic.
func (h *Hub) Leave(topic, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(topic, subID)
}

func (h *Hub) leaveLocked(topic, subID string) {
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// LeaveAll removes a subscriber from every topic it joined.
func (h *Hub) LeaveAll(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.topics {
		h.leaveLocked(topic, subID)
	}
}

// SubscriberCount returns the number of distinct subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, subs := range h.topics {
		for id := range subs {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

// Topics returns the number of subscribers per topic.
func (h *Hub) Topics() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.topics))
	for topic, subs := range h.topics {
		out[topic] = len(subs)
	}
	return out
}

// snapshot copies the subscriptions of topic so delivery runs unlocked.
func (h *Hub) snapshot(topic string) []subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.topics[topic]
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}

// proximityTopics returns every proximity topic with its subscriptions.
func (h *Hub) proximityTopics() map[string][]subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string][]subscription)
	for topic, subs := range h.topics {
		kind, stopID, err := ParseTopic(topic)
		if err != nil || kind != TopicProximity {
			continue
		}
		list := make([]subscription, 0, len(subs))
		for _, s := range subs {
			list = append(list, s)
		}
		out[stopID] = list
	}
	return out
}

// PublishPosition fans a position out to all-vehicles and the vehicle's
// route topic, evaluates proximity and queues the position for the mirror.
func (h *Hub) PublishPosition(ctx context.Context, u models.PositionUpdate) {
	if !u.Simulated && h.simulated != nil && h.simulated(u.VehicleID) {
		log.WithField("vehicle_id", u.VehicleID).Debug("Ignoring external feed for simulated vehicle")
		return
	}

	h.latestMu.Lock()
	h.latest[u.VehicleID] = u
	h.latestMu.Unlock()

	if h.mirror != nil {
		h.mirror.enqueue(u)
	}

	topics := []string{TopicAllVehicles}
	if u.RouteID != "" {
		topics = append(topics, RouteTopic(u.RouteID))
	}
	for _, topic := range topics {
		msg := Message{Type: KindPositionUpdate, Topic: topic, Data: u}
		for _, s := range h.snapshot(topic) {
			h.deliver(ctx, s.sub, msg)
		}
	}

	h.evaluateProximity(ctx, u)
}

func (h *Hub) evaluateProximity(ctx context.Context, u models.PositionUpdate) {
	for stopID, subs := range h.proximityTopics() {
		h.stopsMu.RLock()
		sp, ok := h.stops[stopID]
		h.stopsMu.RUnlock()
		if !ok {
			continue
		}
		distKm := geo.DistanceKm(u.Latitude, u.Longitude, sp.lat, sp.lon)
		alert := models.ProximityAlert{
			VehicleID:      u.VehicleID,
			StopID:         stopID,
			DistanceMeters: distKm * 1000,
			EtaMinutes:     EtaMinutes(distKm, u.SpeedKmh),
			Timestamp:      u.Timestamp,
		}
		msg := Message{Type: KindProximityAlert, Topic: ProximityTopic(stopID), Data: alert}
		for _, s := range subs {
			if distKm <= s.radiusKm {
				h.deliver(ctx, s.sub, msg)
			}
		}
	}
}

// EtaMinutes estimates minutes to cover distKm at speedKmh, treating speeds
// under 1 km/h as 1 km/h.
func EtaMinutes(distKm, speedKmh float64) float64 {
	return math.Max(distKm, 0) / math.Max(speedKmh, 1) * 60
}

func (h *Hub) deliver(ctx context.Context, sub Subscriber, msg Message) {
	if err := sub.Send(ctx, msg); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"subscriber": sub.ID(),
			"topic":      msg.Topic,
			"type":       msg.Type,
		}).Warn("Failed to deliver message")
	}
}

// LatestPosition returns the last position published for a vehicle.
func (h *Hub) LatestPosition(vehicleID string) (models.PositionUpdate, bool) {
	h.latestMu.RLock()
	defer h.latestMu.RUnlock()
	u, ok := h.latest[vehicleID]
	return u, ok
}

// Forget drops a vehicle's latest position, for vehicles leaving the fleet.
func (h *Hub) Forget(vehicleID string) {
	h.latestMu.Lock()
	delete(h.latest, vehicleID)
	h.latestMu.Unlock()
}

type clientHandler func(h *Hub, ctx context.Context, sub Subscriber, msg ClientMessage) error

var clientHandlers = map[ClientKind]clientHandler{
	ClientSubscribe: func(h *Hub, ctx context.Context, sub Subscriber, msg ClientMessage) error {
		return h.Join(ctx, msg.Topic, sub, msg.RadiusMeters)
	},
	ClientUnsubscribe: func(h *Hub, _ context.Context, sub Subscriber, msg ClientMessage) error {
		if _, _, err := ParseTopic(msg.Topic); err != nil {
			return err
		}
		h.Leave(msg.Topic, sub.ID())
		return nil
	},
	ClientLocationUpdate: func(h *Hub, ctx context.Context, _ Subscriber, msg ClientMessage) error {
		u, err := msg.PositionUpdate(time.Now())
		if err != nil {
			return err
		}
		h.PublishPosition(ctx, u)
		return nil
	},
}

// ErrUnknownMessage is returned for an inbound message type with no handler.
var ErrUnknownMessage = errors.New("unknown message type")

// HandleClient dispatches an inbound message. sub may be nil for sources
// that never subscribe, such as a GPS feed.
func (h *Hub) HandleClient(ctx context.Context, sub Subscriber, msg ClientMessage) error {
	handle, ok := clientHandlers[msg.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	if sub == nil && msg.Type != ClientLocationUpdate {
		return fmt.Errorf("%s needs a subscriber", msg.Type)
	}
	return handle(h, ctx, sub, msg)
}

// PositionUpdate converts a location-update message into a real-feed
// position stamped at now.
func (m ClientMessage) PositionUpdate(now time.Time) (models.PositionUpdate, error) {
	if m.VehicleID == "" {
		return models.PositionUpdate{}, errors.New("location update without vehicleId")
	}
	if m.Latitude < -90 || m.Latitude > 90 || m.Longitude < -180 || m.Longitude > 180 {
		return models.PositionUpdate{}, fmt.Errorf("location (%g, %g) out of range", m.Latitude, m.Longitude)
	}
	return models.PositionUpdate{
		VehicleID: m.VehicleID,
		RouteID:   m.RouteID,
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Heading:   m.Heading,
		SpeedKmh:  math.Max(m.SpeedKmh, 0),
		Timestamp: now,
	}, nil
}
