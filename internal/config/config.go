// Package config loads the service configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/ukydev/fleet-livesim/internal/broadcast"
	"github.com/ukydev/fleet-livesim/internal/models"
	"github.com/ukydev/fleet-livesim/internal/path"
	"github.com/ukydev/fleet-livesim/internal/simulation"
	"github.com/ukydev/fleet-livesim/internal/supervisor"
)

// Config is the full service configuration.
type Config struct {
	SimulationEnabled  bool
	TickInterval       time.Duration
	MaxVehicles        int
	AutoAssignRoutes   bool
	MonitorInterval    time.Duration
	MaxStartAttempts   int
	ProximityRadiusM   float64
	BaseSpeedKmh       float64
	ArrivalThresholdM  float64
	TrafficRefresh     time.Duration
	StopMatchM         float64
	MaxWaypointGapM    float64
	SyntheticSpacingKm float64
	GeometryMaxAge     time.Duration

	// SimulationErr holds the malformed simulation settings, if any. The
	// fields above keep their defaults for those keys and the supervisor
	// refuses to start the engine.
	SimulationErr error

	MongoURI string
	MongoDB  string

	Port     string
	LogLevel log.Level

	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTTopicPrefix string

	OSRMBaseURL string
	JWTSecret   string
}

// simulationSettings are the keys that only affect the simulation.
type simulationSettings struct {
	SimulationEnabled      bool    `mapstructure:"simulation_enabled"`
	TickIntervalSeconds    float64 `mapstructure:"tick_interval_seconds"`
	MaxVehicles            int     `mapstructure:"max_vehicles"`
	AutoAssignRoutes       bool    `mapstructure:"auto_assign_routes"`
	MonitorIntervalSeconds float64 `mapstructure:"monitor_interval_seconds"`
	MaxStartAttempts       int     `mapstructure:"max_start_attempts"`
	ProximityRadiusMeters  float64 `mapstructure:"proximity_radius_meters"`
	BaseSpeedKmh           float64 `mapstructure:"base_speed_kmh"`
	ArrivalThresholdMeters float64 `mapstructure:"arrival_threshold_meters"`
	TrafficRefreshSeconds  float64 `mapstructure:"traffic_refresh_seconds"`
	StopMatchMeters        float64 `mapstructure:"stop_match_meters"`
	MaxWaypointGapMeters   float64 `mapstructure:"max_waypoint_gap_meters"`
	SyntheticSpacingKm     float64 `mapstructure:"synthetic_spacing_km"`
	GeometryMaxAgeHours    float64 `mapstructure:"geometry_max_age_hours"`
}

// serviceSettings are the keys the process cannot run without.
type serviceSettings struct {
	MongoURI        string `mapstructure:"mongo_uri"`
	MongoDB         string `mapstructure:"mongo_db"`
	Port            string `mapstructure:"port"`
	LogLevel        string `mapstructure:"log_level"`
	MQTTBrokerURL   string `mapstructure:"mqtt_broker_url"`
	MQTTClientID    string `mapstructure:"mqtt_client_id"`
	MQTTTopicPrefix string `mapstructure:"mqtt_topic_prefix"`
	OSRMBaseURL     string `mapstructure:"osrm_base_url"`
	JWTSecret       string `mapstructure:"jwt_secret"`
}

var defaults = map[string]interface{}{
	"simulation_enabled":       true,
	"tick_interval_seconds":    5.0,
	"max_vehicles":             50,
	"auto_assign_routes":       true,
	"monitor_interval_seconds": 60.0,
	"max_start_attempts":       5,
	"proximity_radius_meters":  500.0,
	"base_speed_kmh":           25.0,
	"arrival_threshold_meters": 10.0,
	"traffic_refresh_seconds":  30.0,
	"stop_match_meters":        100.0,
	"max_waypoint_gap_meters":  200.0,
	"synthetic_spacing_km":     0.5,
	"geometry_max_age_hours":   168.0,

	"mongo_uri":         "",
	"mongo_db":          "fleet",
	"port":              "8080",
	"log_level":         "info",
	"mqtt_broker_url":   "",
	"mqtt_client_id":    "fleet-livesim",
	"mqtt_topic_prefix": "fleet",
	"osrm_base_url":     "",
	"jwt_secret":        "",
}

// Load reads .env (when present) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warn("Failed to read .env file")
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment. Malformed service
// keys fail with ErrConfigInvalid; malformed simulation keys are carried in
// SimulationErr so the rest of the service can still run.
func FromEnv() (Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	var svc serviceSettings
	if err := v.Unmarshal(&svc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", models.ErrConfigInvalid, err)
	}
	level, err := log.ParseLevel(strings.TrimSpace(svc.LogLevel))
	if err != nil {
		return Config{}, fmt.Errorf("%w: LOG_LEVEL: %v", models.ErrConfigInvalid, err)
	}

	sim := defaultSimulation()
	var simErr error
	if err := v.Unmarshal(&sim); err != nil {
		simErr = fmt.Errorf("%w: %v", models.ErrConfigInvalid, err)
		log.WithError(simErr).Error("Malformed simulation settings")
	}

	return Config{
		SimulationEnabled:  sim.SimulationEnabled,
		TickInterval:       seconds(sim.TickIntervalSeconds),
		MaxVehicles:        sim.MaxVehicles,
		AutoAssignRoutes:   sim.AutoAssignRoutes,
		MonitorInterval:    seconds(sim.MonitorIntervalSeconds),
		MaxStartAttempts:   sim.MaxStartAttempts,
		ProximityRadiusM:   sim.ProximityRadiusMeters,
		BaseSpeedKmh:       sim.BaseSpeedKmh,
		ArrivalThresholdM:  sim.ArrivalThresholdMeters,
		TrafficRefresh:     seconds(sim.TrafficRefreshSeconds),
		StopMatchM:         sim.StopMatchMeters,
		MaxWaypointGapM:    sim.MaxWaypointGapMeters,
		SyntheticSpacingKm: sim.SyntheticSpacingKm,
		GeometryMaxAge:     time.Duration(sim.GeometryMaxAgeHours * float64(time.Hour)),
		SimulationErr:      simErr,

		MongoURI: strings.TrimSpace(svc.MongoURI),
		MongoDB:  svc.MongoDB,

		Port:     svc.Port,
		LogLevel: level,

		MQTTBrokerURL:   strings.TrimSpace(svc.MQTTBrokerURL),
		MQTTClientID:    svc.MQTTClientID,
		MQTTTopicPrefix: strings.Trim(svc.MQTTTopicPrefix, "/"),

		OSRMBaseURL: strings.TrimRight(strings.TrimSpace(svc.OSRMBaseURL), "/"),
		JWTSecret:   svc.JWTSecret,
	}, nil
}

// defaultSimulation pre-fills the settings so a key that fails to decode
// keeps its default.
func defaultSimulation() simulationSettings {
	return simulationSettings{
		SimulationEnabled:      defaults["simulation_enabled"].(bool),
		TickIntervalSeconds:    defaults["tick_interval_seconds"].(float64),
		MaxVehicles:            defaults["max_vehicles"].(int),
		AutoAssignRoutes:       defaults["auto_assign_routes"].(bool),
		MonitorIntervalSeconds: defaults["monitor_interval_seconds"].(float64),
		MaxStartAttempts:       defaults["max_start_attempts"].(int),
		ProximityRadiusMeters:  defaults["proximity_radius_meters"].(float64),
		BaseSpeedKmh:           defaults["base_speed_kmh"].(float64),
		ArrivalThresholdMeters: defaults["arrival_threshold_meters"].(float64),
		TrafficRefreshSeconds:  defaults["traffic_refresh_seconds"].(float64),
		StopMatchMeters:        defaults["stop_match_meters"].(float64),
		MaxWaypointGapMeters:   defaults["max_waypoint_gap_meters"].(float64),
		SyntheticSpacingKm:     defaults["synthetic_spacing_km"].(float64),
		GeometryMaxAgeHours:    defaults["geometry_max_age_hours"].(float64),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Engine returns the simulation engine configuration.
func (c Config) Engine() simulation.Config {
	ec := simulation.DefaultConfig()
	ec.TickInterval = c.TickInterval
	ec.MaxVehicles = c.MaxVehicles
	ec.ArrivalThresholdKm = c.ArrivalThresholdM / 1000
	ec.TrafficRefresh = c.TrafficRefresh
	ec.GeometryMaxAge = c.GeometryMaxAge
	return ec
}

// Path returns the path builder options.
func (c Config) Path() path.Options {
	return path.Options{
		SyntheticSpacingKm: c.SyntheticSpacingKm,
		MaxGapKm:           c.MaxWaypointGapM / 1000,
		StopMatchKm:        c.StopMatchM / 1000,
		BaseSpeedKmh:       c.BaseSpeedKmh,
	}
}

// Hub returns the broadcast hub configuration.
func (c Config) Hub() broadcast.Config {
	hc := broadcast.DefaultConfig()
	hc.DefaultRadiusMeters = c.ProximityRadiusM
	return hc
}

// Supervisor returns the supervisor configuration.
func (c Config) Supervisor() supervisor.Config {
	sc := supervisor.DefaultConfig()
	sc.Enabled = c.SimulationEnabled
	sc.AutoAssign = c.AutoAssignRoutes
	sc.MonitorInterval = c.MonitorInterval
	sc.MaxStartAttempts = c.MaxStartAttempts
	sc.SettingsErr = c.SimulationErr
	return sc
}
