package simulation

import (
	"fmt"
	"time"

	"github.com/ukydev/fleet-livesim/internal/geo"
	"github.com/ukydev/fleet-livesim/internal/models"
)

// Config holds the engine's tunables.
type Config struct {
	TickInterval       time.Duration
	MaxVehicles        int
	ArrivalThresholdKm float64
	TrafficRefresh     time.Duration
	DwellBands         []geo.DwellBand
	GeometryMaxAge     time.Duration

	// LoadConcurrency bounds parallel route loads during initialization.
	LoadConcurrency int
	StoreRetries    int
	StoreRetryDelay time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:       5 * time.Second,
		MaxVehicles:        50,
		ArrivalThresholdKm: 0.010,
		TrafficRefresh:     30 * time.Second,
		DwellBands:         geo.DefaultDwellBands,
		GeometryMaxAge:     7 * 24 * time.Hour,
		LoadConcurrency:    8,
		StoreRetries:       3,
		StoreRetryDelay:    500 * time.Millisecond,
	}
}

// Validate rejects intervals and bounds the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.TickInterval <= 0:
		return fmt.Errorf("tick interval must be positive, got %s: %w", c.TickInterval, models.ErrConfigInvalid)
	case c.MaxVehicles <= 0:
		return fmt.Errorf("max vehicles must be positive, got %d: %w", c.MaxVehicles, models.ErrConfigInvalid)
	case c.ArrivalThresholdKm <= 0:
		return fmt.Errorf("arrival threshold must be positive, got %g km: %w", c.ArrivalThresholdKm, models.ErrConfigInvalid)
	case c.TrafficRefresh < 0:
		return fmt.Errorf("traffic refresh must not be negative, got %s: %w", c.TrafficRefresh, models.ErrConfigInvalid)
	case c.LoadConcurrency <= 0:
		return fmt.Errorf("load concurrency must be positive, got %d: %w", c.LoadConcurrency, models.ErrConfigInvalid)
	case c.StoreRetries <= 0:
		return fmt.Errorf("store retries must be positive, got %d: %w", c.StoreRetries, models.ErrConfigInvalid)
	}
	var total float64
	for _, b := range c.DwellBands {
		if b.MinSeconds < 0 || b.MaxSeconds < b.MinSeconds || b.Weight < 0 {
			return fmt.Errorf("malformed dwell band %+v: %w", b, models.ErrConfigInvalid)
		}
		total += b.Weight
	}
	if len(c.DwellBands) > 0 && total <= 0 {
		return fmt.Errorf("dwell band weights sum to zero: %w", models.ErrConfigInvalid)
	}
	return nil
}
