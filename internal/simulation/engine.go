// Package simulation runs the per-vehicle state machines on a shared tick.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-livesim/internal/db"
	"github.com/ukydev/fleet-livesim/internal/models"
	"github.com/ukydev/fleet-livesim/internal/path"
	"golang.org/x/sync/errgroup"
)

// Store is the read side of the document store the engine initializes from.
type Store interface {
	FindOperationalVehicles(ctx context.Context) ([]models.Vehicle, error)
	FindRouteByID(ctx context.Context, id string) (*models.Route, error)
	FindStopsByIDs(ctx context.Context, ids []string) ([]models.Stop, error)
}

// Publisher receives every position the engine produces.
type Publisher interface {
	PublishPosition(ctx context.Context, update models.PositionUpdate)
}

// GeometryFetcher resolves a road polyline through an ordered list of points.
type GeometryFetcher interface {
	FetchRoute(ctx context.Context, points []models.Location) ([]models.Location, error)
}

// Status is a point-in-time view of the engine.
type Status struct {
	Running             bool      `json:"running"`
	TotalVehicles       int       `json:"totalVehicles"`
	ActiveVehicles      int       `json:"activeVehicles"`
	TickIntervalSeconds float64   `json:"tickIntervalSeconds"`
	LastTickAt          time.Time `json:"lastTickAt,omitempty"`
}

// routePlan is everything PathBuilder needs for one route.
type routePlan struct {
	routeID string
	stops   []path.StopPoint
	road    []models.Location
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSeed makes every vehicle's random stream derive from seed.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.seeds = rand.New(rand.NewSource(seed)) }
}

// WithGeometryFetcher enables road geometry refresh during initialization.
func WithGeometryFetcher(f GeometryFetcher) Option {
	return func(e *Engine) { e.geometry = f }
}

// WithBuilder replaces the default path builder.
func WithBuilder(b *path.Builder) Option {
	return func(e *Engine) { e.builder = b }
}

// WithRetireHook calls retire with the ID of every vehicle that leaves the
// registry, on Deactivate and on Stop.
func WithRetireHook(retire func(vehicleID string)) Option {
	return func(e *Engine) { e.retire = retire }
}

// Engine owns the vehicle registry and drives the tick loop.
type Engine struct {
	cfg       Config
	store     Store
	publisher Publisher
	builder   *path.Builder
	geometry  GeometryFetcher
	now       func() time.Time
	retire    func(vehicleID string)

	seedMu sync.Mutex
	seeds  *rand.Rand

	// mu guards the registry. Tick holds it for reading for the whole tick,
	// so Add and Deactivate land between ticks.
	mu       sync.RWMutex
	vehicles map[string]*VehicleState

	planMu sync.Mutex
	plans  map[string]*routePlan

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	lastTick atomic.Int64
}

// NewEngine creates an engine. It does not touch the store until Start.
func NewEngine(cfg Config, store Store, publisher Publisher, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		builder:   path.NewBuilder(path.DefaultOptions()),
		now:       time.Now,
		vehicles:  make(map[string]*VehicleState),
		plans:     make(map[string]*routePlan),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.seeds == nil {
		e.seeds = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) newRand() *rand.Rand {
	e.seedMu.Lock()
	defer e.seedMu.Unlock()
	return rand.New(rand.NewSource(e.seeds.Int63()))
}

// Initialize loads every operational, route-assigned vehicle up to
// MaxVehicles and builds its state. Vehicles whose route cannot yield a
// path are logged and left out.
func (e *Engine) Initialize(ctx context.Context) error {
	all, err := retry(ctx, "find operational vehicles", e.cfg.StoreRetries, e.cfg.StoreRetryDelay, e.store.FindOperationalVehicles)
	if err != nil {
		return fmt.Errorf("load vehicles: %w", err)
	}

	var candidates []models.Vehicle
	for _, v := range all {
		if !v.IsOperational() || !v.HasRoute() {
			continue
		}
		if len(candidates) == e.cfg.MaxVehicles {
			log.WithField("max_vehicles", e.cfg.MaxVehicles).Warn("Vehicle limit reached, ignoring the rest")
			break
		}
		candidates = append(candidates, v)
	}

	if err := e.loadPlans(ctx, candidates); err != nil {
		return err
	}

	states := make(map[string]*VehicleState, len(candidates))
	for _, v := range candidates {
		state, err := e.newState(v)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"vehicle_id": v.ID.Hex(),
				"route_id":   v.AssignedRouteID,
			}).Warn("Vehicle excluded from simulation")
			continue
		}
		states[state.VehicleID] = state
	}

	e.mu.Lock()
	e.vehicles = states
	e.mu.Unlock()

	log.WithFields(log.Fields{
		"candidates": len(candidates),
		"simulated":  len(states),
	}).Info("Simulation initialized")

	if len(states) == 0 {
		return fmt.Errorf("no vehicle could be simulated: %w", models.ErrDataGap)
	}
	return nil
}

// loadPlans fetches each distinct route once, concurrently.
func (e *Engine) loadPlans(ctx context.Context, vehicles []models.Vehicle) error {
	seen := make(map[string]bool)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.LoadConcurrency)
	for _, v := range vehicles {
		routeID := v.AssignedRouteID
		if seen[routeID] {
			continue
		}
		seen[routeID] = true
		g.Go(func() error {
			if _, err := e.plan(gctx, routeID); err != nil {
				log.WithError(err).WithField("route_id", routeID).Warn("Route not usable")
			}
			return gctx.Err()
		})
	}
	return g.Wait()
}

// plan returns the cached plan for routeID, loading it on first use.
func (e *Engine) plan(ctx context.Context, routeID string) (*routePlan, error) {
	e.planMu.Lock()
	p, ok := e.plans[routeID]
	e.planMu.Unlock()
	if ok {
		return p, nil
	}

	p, err := e.loadPlan(ctx, routeID)
	if err != nil {
		return nil, err
	}

	e.planMu.Lock()
	e.plans[routeID] = p
	e.planMu.Unlock()
	return p, nil
}

func (e *Engine) loadPlan(ctx context.Context, routeID string) (*routePlan, error) {
	route, err := retry(ctx, "find route", e.cfg.StoreRetries, e.cfg.StoreRetryDelay, func(ctx context.Context) (*models.Route, error) {
		r, err := e.store.FindRouteByID(ctx, routeID)
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("route %s: %w", routeID, models.ErrDataGap)
		}
		return r, err
	})
	if err != nil {
		return nil, err
	}
	if !route.IsActive {
		return nil, fmt.Errorf("route %s is inactive: %w", routeID, models.ErrDataGap)
	}

	found, err := retry(ctx, "find stops", e.cfg.StoreRetries, e.cfg.StoreRetryDelay, func(ctx context.Context) ([]models.Stop, error) {
		return e.store.FindStopsByIDs(ctx, route.StopIDs)
	})
	if err != nil {
		return nil, err
	}

	stops := orderStops(route.StopIDs, found)
	if len(stops) < 2 {
		return nil, fmt.Errorf("route %s has %d usable stops: %w", routeID, len(stops), models.ErrDataGap)
	}

	return &routePlan{
		routeID: routeID,
		stops:   stops,
		road:    e.roadFor(ctx, route, stops),
	}, nil
}

// orderStops returns the found stops in the route's order. A stop listed
// twice keeps both visits; ids with no active stop are dropped.
func orderStops(ids []string, found []models.Stop) []path.StopPoint {
	byID := make(map[string]models.Stop, len(found))
	for _, s := range found {
		byID[s.ID.Hex()] = s
	}
	out := make([]path.StopPoint, 0, len(ids))
	for _, id := range ids {
		if s, ok := byID[id]; ok && s.IsActive {
			out = append(out, path.StopPointFrom(s))
		}
	}
	return out
}

// roadFor picks the road polyline for a route: fresh stored geometry first,
// then a fetched one, then stale stored geometry. nil means synthesize.
func (e *Engine) roadFor(ctx context.Context, route *models.Route, stops []path.StopPoint) []models.Location {
	fields := log.Fields{"route_id": route.ID.Hex()}

	var stored []models.Location
	if route.RoadGeometry != "" {
		locs, err := path.ParseRoadGeometry(route.RoadGeometry)
		if err != nil {
			log.WithError(err).WithFields(fields).Warn("Stored road geometry unreadable")
		} else {
			stored = locs
		}
	}
	if stored != nil && route.GeometryFresh(e.now(), e.cfg.GeometryMaxAge) {
		return stored
	}

	if e.geometry != nil {
		points := make([]models.Location, len(stops))
		for i, s := range stops {
			points[i] = models.Location{Lat: s.Latitude, Lon: s.Longitude}
		}
		road, err := e.geometry.FetchRoute(ctx, points)
		if err == nil && len(road) >= 2 {
			log.WithFields(fields).WithField("points", len(road)).Info("Fetched road geometry")
			return road
		}
		log.WithError(err).WithFields(fields).Warn("Road geometry fetch failed, falling back")
	}
	return stored
}

// newState builds a vehicle's state from its cached route plan.
func (e *Engine) newState(v models.Vehicle) (*VehicleState, error) {
	e.planMu.Lock()
	p, ok := e.plans[v.AssignedRouteID]
	e.planMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("route %s not loaded: %w", v.AssignedRouteID, models.ErrDataGap)
	}
	return e.stateFromPlan(v, p)
}

func (e *Engine) stateFromPlan(v models.Vehicle, p *routePlan) (*VehicleState, error) {
	rng := e.newRand()
	wps := e.builder.Build(rng, p.stops, p.road)
	if len(wps) == 0 {
		return nil, fmt.Errorf("route %s produced no waypoints: %w", p.routeID, models.ErrDataGap)
	}

	s := &VehicleState{
		VehicleID:     v.ID.Hex(),
		RouteID:       p.routeID,
		Heading:       v.Heading,
		Waypoints:     wps,
		TrafficFactor: 1.0,
		IsActive:      true,
		rng:           rng,
	}
	if v.CurrentLocation != nil {
		s.Latitude, s.Longitude = v.CurrentLocation.Lat, v.CurrentLocation.Lon
		s.CurrentIndex = nearestIndex(wps, s.Latitude, s.Longitude)
	} else {
		s.Latitude, s.Longitude = wps[0].Latitude, wps[0].Longitude
	}
	return s, nil
}

// Start validates the configuration, initializes the registry and launches
// the tick loop. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.cfg.Validate(); err != nil {
		return err
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running.Load() {
		return nil
	}

	if err := e.Initialize(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running.Store(true)
	go e.run(loopCtx, e.done)

	log.WithField("tick_interval", e.cfg.TickInterval).Info("Simulation engine started")
	return nil
}

// Stop cancels the tick loop, waits for in-flight vehicle work and clears
// the registry.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running.Load() {
		return
	}
	e.cancel()
	<-e.done
	e.running.Store(false)

	e.mu.Lock()
	gone := make([]string, 0, len(e.vehicles))
	for id := range e.vehicles {
		gone = append(gone, id)
	}
	e.vehicles = make(map[string]*VehicleState)
	e.mu.Unlock()

	e.planMu.Lock()
	e.plans = make(map[string]*routePlan)
	e.planMu.Unlock()

	e.retireAll(gone...)
	log.Info("Simulation engine stopped")
}

// Running reports whether the tick loop is live.
func (e *Engine) Running() bool { return e.running.Load() }

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		start := e.now()
		e.Tick(ctx, start)

		wait := e.cfg.TickInterval - e.now().Sub(start)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Tick advances every active vehicle to now, one goroutine per vehicle, and
// returns once all of them are done. A failing vehicle is logged and
// skipped.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var wg sync.WaitGroup
	for _, v := range e.vehicles {
		if !v.IsActive {
			continue
		}
		wg.Add(1)
		go func(v *VehicleState) {
			defer wg.Done()
			e.tickVehicle(ctx, v, now)
		}(v)
	}
	wg.Wait()
	e.lastTick.Store(now.UnixNano())
}

func (e *Engine) tickVehicle(ctx context.Context, v *VehicleState, now time.Time) {
	fields := log.Fields{"vehicle_id": v.VehicleID, "route_id": v.RouteID}
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(fields).WithField("panic", r).Error("Vehicle tick panicked")
		}
	}()

	update, emit, err := v.step(now, e.cfg)
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("Skipping vehicle")
		return
	}
	if !emit {
		return
	}
	log.WithFields(fields).WithFields(log.Fields{
		"lat":   update.Latitude,
		"lon":   update.Longitude,
		"speed": update.SpeedKmh,
	}).Debug("Vehicle advanced")
	if e.publisher != nil {
		e.publisher.PublishPosition(ctx, update)
	}
}

// LastTickAt returns the time of the last completed tick, zero if none.
func (e *Engine) LastTickAt() time.Time {
	n := e.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Status reports the engine's current state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	total := len(e.vehicles)
	active := 0
	for _, v := range e.vehicles {
		if v.IsActive {
			active++
		}
	}
	e.mu.RUnlock()

	return Status{
		Running:             e.running.Load(),
		TotalVehicles:       total,
		ActiveVehicles:      active,
		TickIntervalSeconds: e.cfg.TickInterval.Seconds(),
		LastTickAt:          e.LastTickAt(),
	}
}

// Has reports whether vehicleID is simulated by this engine.
func (e *Engine) Has(vehicleID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.vehicles[vehicleID]
	return ok
}

// VehicleIDs returns the simulated vehicle IDs in sorted order.
func (e *Engine) VehicleIDs() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.vehicles))
	for id := range e.vehicles {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Add puts a vehicle on the road while the engine is running. Vehicles that
// are already simulated, not operational or without a route are rejected.
func (e *Engine) Add(ctx context.Context, v models.Vehicle) error {
	if !v.IsOperational() || !v.HasRoute() {
		return fmt.Errorf("vehicle %s is not operational with a route: %w", v.ID.Hex(), models.ErrDataGap)
	}
	if e.Has(v.ID.Hex()) {
		return nil
	}
	e.mu.RLock()
	full := len(e.vehicles) >= e.cfg.MaxVehicles
	e.mu.RUnlock()
	if full {
		return fmt.Errorf("vehicle limit %d reached: %w", e.cfg.MaxVehicles, models.ErrConfigInvalid)
	}

	p, err := e.plan(ctx, v.AssignedRouteID)
	if err != nil {
		return err
	}
	state, err := e.stateFromPlan(v, p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.vehicles[state.VehicleID]; !ok {
		e.vehicles[state.VehicleID] = state
		log.WithFields(log.Fields{"vehicle_id": state.VehicleID, "route_id": state.RouteID}).Info("Vehicle added to simulation")
	}
	return nil
}

// Deactivate removes a vehicle from the registry. It reports whether the
// vehicle was present.
func (e *Engine) Deactivate(vehicleID string) bool {
	e.mu.Lock()
	v, ok := e.vehicles[vehicleID]
	if ok {
		v.IsActive = false
		delete(e.vehicles, vehicleID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.retireAll(vehicleID)
	log.WithField("vehicle_id", vehicleID).Info("Vehicle removed from simulation")
	return true
}

func (e *Engine) retireAll(ids ...string) {
	if e.retire == nil {
		return
	}
	for _, id := range ids {
		e.retire(id)
	}
}

// Snapshot returns a copy of a vehicle's state taken between ticks.
func (e *Engine) Snapshot(vehicleID string) (VehicleState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vehicles[vehicleID]
	if !ok {
		return VehicleState{}, false
	}
	c := *v
	c.Waypoints = append([]models.Waypoint(nil), v.Waypoints...)
	c.rng = nil
	return c, true
}
