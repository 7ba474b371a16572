// Command feeder publishes GPS fixes for real (non-simulated) vehicles over
// MQTT, driving each one along an OSRM road path between nearby points.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-livesim/internal/broadcast"
	"github.com/ukydev/fleet-livesim/internal/geo"
	"github.com/ukydev/fleet-livesim/internal/models"
	"github.com/ukydev/fleet-livesim/internal/osrm"
	"github.com/ukydev/fleet-livesim/internal/transport"
)

const baseSpeedKmh = 25

// Depots the feeder starts vehicles near
var depots = []models.Location{
	{Lat: 51.5074, Lon: -0.1278}, // London
	{Lat: 48.8566, Lon: 2.3522},  // Paris
	{Lat: 52.5200, Lon: 13.4050}, // Berlin
	{Lat: 40.4168, Lon: -3.7038}, // Madrid
}

// RouteFetcher resolves a road path through points.
type RouteFetcher interface {
	FetchRoute(ctx context.Context, points []models.Location) ([]models.Location, error)
}

func jitterLocation(r *rand.Rand, base models.Location, meters float64) models.Location {
	latMetersPerDeg := 111320.0
	lonMetersPerDeg := 111320.0 * math.Cos(base.Lat*math.Pi/180)
	dLat := (r.Float64()*2 - 1) * (meters / latMetersPerDeg)
	dLon := (r.Float64()*2 - 1) * (meters / lonMetersPerDeg)
	return models.Location{Lat: base.Lat + dLat, Lon: base.Lon + dLon}
}

// feedVehicle is one externally tracked vehicle.
type feedVehicle struct {
	ID       string
	RouteID  string
	Position models.Location
	SpeedKmh float64
	Heading  float64
	Path     []models.Location
	Next     int
}

// planRoute fetches a road path to a point a few km away. On failure it
// falls back to a straight line.
func planRoute(ctx context.Context, r *rand.Rand, fetcher RouteFetcher, v *feedVehicle) {
	end := jitterLocation(r, v.Position, 3000)
	v.Next = 1
	pts, err := fetcher.FetchRoute(ctx, []models.Location{v.Position, end})
	if err != nil || len(pts) < 2 {
		if err != nil {
			log.WithError(err).WithField("vehicle_id", v.ID).Debug("Route fetch failed, using straight line")
		}
		v.Path = []models.Location{v.Position, end}
		return
	}
	v.Path = pts
}

// step moves v along its path for elapsedSec seconds, replanning at the end.
func step(ctx context.Context, r *rand.Rand, fetcher RouteFetcher, v *feedVehicle, elapsedSec float64) {
	if len(v.Path) < 2 || v.Next >= len(v.Path) {
		planRoute(ctx, r, fetcher, v)
	}
	v.SpeedKmh = geo.SampleSpeedKmh(r, baseSpeedKmh)
	remaining := elapsedSec
	for remaining > 0 && v.Next < len(v.Path) {
		target := v.Path[v.Next]
		v.Heading = geo.BearingDeg(v.Position.Lat, v.Position.Lon, target.Lat, target.Lon)
		distKm := geo.DistanceKm(v.Position.Lat, v.Position.Lon, target.Lat, target.Lon)
		travelKm := v.SpeedKmh * remaining / 3600
		if travelKm < distKm {
			lat, lon, _ := geo.Advance(v.Position.Lat, v.Position.Lon, target.Lat, target.Lon, v.SpeedKmh, remaining)
			v.Position = models.Location{Lat: lat, Lon: lon}
			return
		}
		v.Position = target
		v.Next++
		if v.SpeedKmh > 0 {
			remaining -= distKm / v.SpeedKmh * 3600
		}
	}
}

// message renders v as an inbound location update.
func (v *feedVehicle) message() broadcast.ClientMessage {
	return broadcast.ClientMessage{
		Type:      broadcast.ClientLocationUpdate,
		VehicleID: v.ID,
		RouteID:   v.RouteID,
		Latitude:  v.Position.Lat,
		Longitude: v.Position.Lon,
		Heading:   v.Heading,
		SpeedKmh:  v.SpeedKmh,
	}
}

// gpsTopic is where the service's bridge listens for v.
func gpsTopic(prefix, vehicleID string) string {
	return strings.Trim(prefix, "/") + "/gps/" + vehicleID
}

func publish(client mqtt.Client, prefix string, v *feedVehicle) error {
	data, err := json.Marshal(v.message())
	if err != nil {
		return fmt.Errorf("failed to marshal location update: %w", err)
	}
	token := client.Publish(gpsTopic(prefix, v.ID), 0, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s timed out", gpsTopic(prefix, v.ID))
	}
	return token.Error()
}

func newFleet(r *rand.Rand, size int, routeID string) []*feedVehicle {
	fleet := make([]*feedVehicle, 0, size)
	for i := 0; i < size; i++ {
		fleet = append(fleet, &feedVehicle{
			ID:       "feed-" + uuid.NewString()[:8],
			RouteID:  routeID,
			Position: jitterLocation(r, depots[r.Intn(len(depots))], 500),
			SpeedKmh: baseSpeedKmh,
		})
	}
	return fleet
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			return n
		}
		log.WithField("key", key).Warn("Ignoring malformed value")
	}
	return def
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()

	broker := envString("MQTT_BROKER_URL", "tcp://localhost:1883")
	prefix := envString("MQTT_TOPIC_PREFIX", "fleet")
	routeID := os.Getenv("FEED_ROUTE_ID")
	fleetSize := envInt("FEED_FLEET_SIZE", 3)
	interval := time.Duration(envInt("FEED_TICK_SECONDS", 2)) * time.Second

	log.WithFields(log.Fields{
		"broker":     broker,
		"fleet_size": fleetSize,
		"interval":   interval,
	}).Info("Starting GPS feeder")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := transport.NewMQTTClient(broker, "fleet-feeder-"+uuid.NewString()[:8])
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		log.WithError(token.Error()).Fatal("Failed to connect to MQTT broker")
	}
	defer client.Disconnect(250)

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	fetcher := osrm.NewClient(os.Getenv("OSRM_BASE_URL"))
	fleet := newFleet(r, fleetSize, routeID)

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Feeder stopped")
			return
		case <-tick.C:
			for _, v := range fleet {
				step(ctx, r, fetcher, v, interval.Seconds())
				if err := publish(client, prefix, v); err != nil {
					log.WithError(err).WithField("vehicle_id", v.ID).Error("Failed to publish GPS fix")
				}
			}
		}
	}
}
