// Package supervisor starts, monitors and restarts the simulation engine
// according to data readiness in the document store.
package supervisor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-livesim/internal/models"
	"github.com/ukydev/fleet-livesim/internal/simulation"
)

// Store is the slice of the document store the supervisor reads and writes.
type Store interface {
	CountAssignedOperational(ctx context.Context) (int64, error)
	CountActiveRoutes(ctx context.Context) (int64, error)
	CountActiveStops(ctx context.Context) (int64, error)
	FindOperationalVehicles(ctx context.Context) ([]models.Vehicle, error)
	FindActiveRoutes(ctx context.Context) ([]models.Route, error)
	AssignRoute(ctx context.Context, vehicleID, routeID string) error
}

// Engine is the lifecycle surface of the simulation engine.
type Engine interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	Status() simulation.Status
	Add(ctx context.Context, v models.Vehicle) error
	VehicleIDs() []string
	Snapshot(vehicleID string) (simulation.VehicleState, bool)
	Deactivate(vehicleID string) bool
}

// SubscriberCounter reports how many subscribers are connected and where.
type SubscriberCounter interface {
	SubscriberCount() int
	Topics() map[string]int
}

// Config holds the supervisor's tunables.
type Config struct {
	Enabled          bool
	AutoAssign       bool
	MonitorInterval  time.Duration
	MaxStartAttempts int
	// StaleTicks is how many tick intervals may pass without a tick before
	// the engine is considered stalled.
	StaleTicks int
	// SettingsErr is set when the simulation settings failed to load. The
	// engine is never started while it is set.
	SettingsErr error
}

// Validate reports ErrConfigInvalid for settings the supervisor cannot run with.
func (c Config) Validate() error {
	switch {
	case c.SettingsErr != nil:
		return fmt.Errorf("simulation settings: %w", c.SettingsErr)
	case c.MonitorInterval <= 0:
		return fmt.Errorf("monitor interval must be positive, got %s: %w", c.MonitorInterval, models.ErrConfigInvalid)
	case c.MaxStartAttempts < 1:
		return fmt.Errorf("max start attempts must be at least 1, got %d: %w", c.MaxStartAttempts, models.ErrConfigInvalid)
	case c.StaleTicks < 1:
		return fmt.Errorf("stale ticks must be at least 1, got %d: %w", c.StaleTicks, models.ErrConfigInvalid)
	}
	return nil
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		AutoAssign:       true,
		MonitorInterval:  60 * time.Second,
		MaxStartAttempts: 5,
		StaleTicks:       3,
	}
}

// Readiness is the result of a readiness check.
type Readiness struct {
	Vehicles int64 `json:"vehicles"`
	Routes   int64 `json:"routes"`
	Stops    int64 `json:"stops"`
}

// Ready reports whether the counts allow a simulation to start.
func (r Readiness) Ready() bool {
	return r.Vehicles > 0 && r.Routes > 0 && r.Stops >= 2
}

// Status is the control-surface view of the simulation.
type Status struct {
	Enabled             bool           `json:"enabled"`
	Running             bool           `json:"running"`
	TotalVehicles       int            `json:"totalVehicles"`
	ActiveVehicles      int            `json:"activeVehicles"`
	TickIntervalSeconds float64        `json:"tickIntervalSeconds"`
	LastError           string         `json:"lastError,omitempty"`
	LastTickAt          *time.Time     `json:"lastTickAt,omitempty"`
	StartAttempts       int            `json:"startAttempts"`
	GaveUp              bool           `json:"gaveUp"`
	SubscriberCount     int            `json:"subscriberCount"`
	Topics              map[string]int `json:"topics,omitempty"`
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithRand replaces the random source used for auto-assignment.
func WithRand(r *rand.Rand) Option {
	return func(s *Supervisor) { s.rng = r }
}

// WithSubscriberCounter reports subscriber counts in Status.
func WithSubscriberCounter(c SubscriberCounter) Option {
	return func(s *Supervisor) { s.subs = c }
}

// Supervisor owns the engine's lifecycle.
type Supervisor struct {
	cfg    Config
	store  Store
	engine Engine
	subs   SubscriberCounter
	now    func() time.Time
	rng    *rand.Rand

	// opMu serializes lifecycle operations.
	opMu sync.Mutex

	mu        sync.Mutex
	running   bool
	halted    bool
	startedAt time.Time
	lastErr   string
	attempts  int
	gaveUp    bool
}

// New creates a supervisor.
func New(cfg Config, store Store, engine Engine, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		store:  store,
		engine: engine,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s
}

// CheckReadiness counts the data the simulation needs.
func (s *Supervisor) CheckReadiness(ctx context.Context) (Readiness, error) {
	var r Readiness
	var err error
	if r.Vehicles, err = s.store.CountAssignedOperational(ctx); err != nil {
		return r, fmt.Errorf("count vehicles: %w: %v", models.ErrTransientIO, err)
	}
	if r.Routes, err = s.store.CountActiveRoutes(ctx); err != nil {
		return r, fmt.Errorf("count routes: %w: %v", models.ErrTransientIO, err)
	}
	if r.Stops, err = s.store.CountActiveStops(ctx); err != nil {
		return r, fmt.Errorf("count stops: %w: %v", models.ErrTransientIO, err)
	}
	return r, nil
}

// AutoAssign gives every operational vehicle without a route one randomly
// chosen active route. Vehicles assigned while the engine runs are added
// to it. It returns how many vehicles were assigned.
func (s *Supervisor) AutoAssign(ctx context.Context) (int, error) {
	vehicles, err := s.store.FindOperationalVehicles(ctx)
	if err != nil {
		return 0, fmt.Errorf("find vehicles: %w: %v", models.ErrTransientIO, err)
	}
	routes, err := s.store.FindActiveRoutes(ctx)
	if err != nil {
		return 0, fmt.Errorf("find routes: %w: %v", models.ErrTransientIO, err)
	}
	if len(routes) == 0 {
		return 0, nil
	}

	assigned := 0
	for _, v := range vehicles {
		if !v.IsOperational() || v.HasRoute() {
			continue
		}
		route := routes[s.rng.Intn(len(routes))]
		fields := log.Fields{"vehicle_id": v.ID.Hex(), "route_id": route.ID.Hex()}
		if err := s.store.AssignRoute(ctx, v.ID.Hex(), route.ID.Hex()); err != nil {
			log.WithError(err).WithFields(fields).Warn("Failed to assign route")
			continue
		}
		assigned++
		log.WithFields(fields).Info("Route auto-assigned")

		v.AssignedRouteID = route.ID.Hex()
		if s.engine.Running() {
			if err := s.engine.Add(ctx, v); err != nil {
				log.WithError(err).WithFields(fields).Warn("Failed to add vehicle to running simulation")
			}
		}
	}
	return assigned, nil
}

// Start starts the simulation on request, clearing any earlier give-up.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.halted = false
	s.gaveUp = false
	s.attempts = 0
	s.mu.Unlock()

	return s.startLocked(ctx)
}

// Stop stops the simulation. The monitor does not restart it until Start
// or Restart is called.
func (s *Supervisor) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.engine.Stop()
	s.mu.Lock()
	s.running = false
	s.halted = true
	s.mu.Unlock()
	log.Info("Simulation stopped by request")
}

// Restart stops and starts the simulation.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.engine.Stop()
	s.mu.Lock()
	s.running = false
	s.halted = false
	s.gaveUp = false
	s.attempts = 0
	s.mu.Unlock()

	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		s.setError(err)
		return err
	}
	if s.engine.Running() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		return nil
	}

	if s.cfg.AutoAssign {
		if _, err := s.AutoAssign(ctx); err != nil {
			log.WithError(err).Warn("Auto-assignment failed")
		}
	}

	ready, err := s.CheckReadiness(ctx)
	if err != nil {
		s.setError(err)
		return err
	}
	if !ready.Ready() {
		err := fmt.Errorf("not ready: %d vehicles, %d routes, %d stops: %w", ready.Vehicles, ready.Routes, ready.Stops, models.ErrDataGap)
		s.setError(err)
		log.WithFields(log.Fields{
			"vehicles": ready.Vehicles,
			"routes":   ready.Routes,
			"stops":    ready.Stops,
		}).Info("Simulation data not ready")
		return err
	}

	if err := s.engine.Start(ctx); err != nil {
		s.mu.Lock()
		s.attempts++
		s.lastErr = err.Error()
		attempts := s.attempts
		if attempts >= s.cfg.MaxStartAttempts {
			s.gaveUp = true
		}
		gaveUp := s.gaveUp
		s.mu.Unlock()

		if gaveUp {
			log.WithError(err).WithField("attempts", attempts).Error("Simulation failed to start too many times, giving up")
			return fmt.Errorf("start simulation: %w: %v", models.ErrExhaustedRetries, err)
		}
		log.WithError(err).WithField("attempts", attempts).Warn("Simulation failed to start")
		return err
	}

	s.mu.Lock()
	s.running = true
	s.startedAt = s.now()
	s.attempts = 0
	s.lastErr = ""
	s.mu.Unlock()
	log.Info("Simulation running")
	return nil
}

func (s *Supervisor) setError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

// Run performs a monitoring pass immediately and then every
// MonitorInterval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		log.Info("Simulation disabled")
		return
	}
	if err := s.cfg.Validate(); err != nil {
		s.setError(err)
		log.WithError(err).Error("Simulation will not start, monitor not running")
		return
	}
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		s.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check is one monitoring pass. A running engine is checked for liveness,
// reconciled with the store and fed newly assignable vehicles; a stopped
// one is started when the data is ready, unless it was halted on request
// or has given up.
func (s *Supervisor) Check(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	running, halted, gaveUp := s.running, s.halted, s.gaveUp
	s.mu.Unlock()

	switch {
	case halted || gaveUp:
		return
	case running:
		if err := s.checkLiveness(); err != nil {
			log.WithError(err).Warn("Simulation stalled, will restart on next pass")
			s.engine.Stop()
			s.mu.Lock()
			s.running = false
			s.lastErr = err.Error()
			s.mu.Unlock()
			return
		}
		if err := s.Reconcile(ctx); err != nil {
			log.WithError(err).Warn("Fleet reconciliation failed")
		}
		if s.cfg.AutoAssign {
			if _, err := s.AutoAssign(ctx); err != nil {
				log.WithError(err).Warn("Auto-assignment failed")
			}
		}
	default:
		_ = s.startLocked(ctx)
	}
}

// Reconcile brings the running engine in line with the store. Vehicles no
// longer operational or assigned are deactivated, reassigned vehicles are
// moved to their new route and newly assigned ones are added.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	vehicles, err := s.store.FindOperationalVehicles(ctx)
	if err != nil {
		return fmt.Errorf("find vehicles: %w: %v", models.ErrTransientIO, err)
	}
	want := make(map[string]models.Vehicle, len(vehicles))
	for _, v := range vehicles {
		if v.IsOperational() && v.HasRoute() {
			want[v.ID.Hex()] = v
		}
	}

	for _, id := range s.engine.VehicleIDs() {
		v, ok := want[id]
		if ok {
			if st, found := s.engine.Snapshot(id); !found || st.RouteID == v.AssignedRouteID {
				delete(want, id)
				continue
			}
		}
		if s.engine.Deactivate(id) {
			log.WithFields(log.Fields{"vehicle_id": id, "reassigned": ok}).Info("Vehicle left the simulation")
		}
	}

	for _, v := range want {
		if err := s.engine.Add(ctx, v); err != nil {
			log.WithError(err).WithField("vehicle_id", v.ID.Hex()).Debug("Vehicle not added to simulation")
		}
	}
	return nil
}

func (s *Supervisor) checkLiveness() error {
	if !s.engine.Running() {
		return fmt.Errorf("engine loop is not running")
	}
	st := s.engine.Status()
	s.mu.Lock()
	last := s.startedAt
	s.mu.Unlock()
	if st.LastTickAt.After(last) {
		last = st.LastTickAt
	}
	staleAfter := time.Duration(float64(s.cfg.StaleTicks) * st.TickIntervalSeconds * float64(time.Second))
	if s.now().Sub(last) > staleAfter {
		return fmt.Errorf("no tick since %s", last.Format(time.RFC3339))
	}
	return nil
}

// Status reports the control-surface view. It never fails.
func (s *Supervisor) Status() Status {
	st := s.engine.Status()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Status{
		Enabled:             s.cfg.Enabled,
		Running:             s.running && st.Running,
		TotalVehicles:       st.TotalVehicles,
		ActiveVehicles:      st.ActiveVehicles,
		TickIntervalSeconds: st.TickIntervalSeconds,
		LastError:           s.lastErr,
		StartAttempts:       s.attempts,
		GaveUp:              s.gaveUp,
	}
	if !st.LastTickAt.IsZero() {
		t := st.LastTickAt
		out.LastTickAt = &t
	}
	if s.subs != nil {
		out.SubscriberCount = s.subs.SubscriberCount()
		out.Topics = s.subs.Topics()
	}
	return out
}
