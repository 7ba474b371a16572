package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-livesim/internal/models"
	"github.com/ukydev/fleet-livesim/internal/simulation"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MockStore is a mock implementation of Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CountAssignedOperational(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) CountActiveRoutes(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) CountActiveStops(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) FindOperationalVehicles(ctx context.Context) ([]models.Vehicle, error) {
	args := m.Called(ctx)
	v, _ := args.Get(0).([]models.Vehicle)
	return v, args.Error(1)
}

func (m *MockStore) FindActiveRoutes(ctx context.Context) ([]models.Route, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).([]models.Route)
	return r, args.Error(1)
}

func (m *MockStore) AssignRoute(ctx context.Context, vehicleID, routeID string) error {
	args := m.Called(ctx, vehicleID, routeID)
	return args.Error(0)
}

type fakeEngine struct {
	mu       sync.Mutex
	startErr error
	starts   int
	stops    int
	running  bool
	lastTick time.Time
	added    []string
	retired  []string
	// vehicles maps simulated vehicle IDs to their route.
	vehicles map[string]string
}

func (e *fakeEngine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts++
	if e.startErr != nil {
		return e.startErr
	}
	e.running = true
	return nil
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	e.running = false
}

func (e *fakeEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *fakeEngine) Status() simulation.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return simulation.Status{Running: e.running, TotalVehicles: 3, ActiveVehicles: 3, TickIntervalSeconds: 5, LastTickAt: e.lastTick}
}

func (e *fakeEngine) Add(_ context.Context, v models.Vehicle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.added = append(e.added, v.ID.Hex())
	if e.vehicles == nil {
		e.vehicles = make(map[string]string)
	}
	e.vehicles[v.ID.Hex()] = v.AssignedRouteID
	return nil
}

func (e *fakeEngine) VehicleIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vehicles))
	for id := range e.vehicles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *fakeEngine) Snapshot(id string) (simulation.VehicleState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	routeID, ok := e.vehicles[id]
	if !ok {
		return simulation.VehicleState{}, false
	}
	return simulation.VehicleState{VehicleID: id, RouteID: routeID, IsActive: true}, true
}

func (e *fakeEngine) Deactivate(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.vehicles[id]; !ok {
		return false
	}
	delete(e.vehicles, id)
	e.retired = append(e.retired, id)
	return true
}

type fixedSubs int

func (f fixedSubs) SubscriberCount() int { return int(f) }

func (f fixedSubs) Topics() map[string]int { return map[string]int{"all-vehicles": int(f)} }

func readyStore(vehicles, routes, stops int64) *MockStore {
	store := new(MockStore)
	store.On("CountAssignedOperational", mock.Anything).Return(vehicles, nil)
	store.On("CountActiveRoutes", mock.Anything).Return(routes, nil)
	store.On("CountActiveStops", mock.Anything).Return(stops, nil)
	store.On("FindOperationalVehicles", mock.Anything).Return([]models.Vehicle{}, nil).Maybe()
	return store
}

func noAssignConfig() Config {
	cfg := DefaultConfig()
	cfg.AutoAssign = false
	return cfg
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name string
		r    Readiness
		want bool
	}{
		{"all present", Readiness{Vehicles: 1, Routes: 1, Stops: 2}, true},
		{"no vehicles", Readiness{Vehicles: 0, Routes: 1, Stops: 2}, false},
		{"no routes", Readiness{Vehicles: 1, Routes: 0, Stops: 2}, false},
		{"one stop", Readiness{Vehicles: 1, Routes: 1, Stops: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Ready())
		})
	}
}

func TestCheckReadiness_StoreError(t *testing.T) {
	store := new(MockStore)
	store.On("CountAssignedOperational", mock.Anything).Return(int64(0), errors.New("timeout"))

	s := New(noAssignConfig(), store, &fakeEngine{})
	_, err := s.CheckReadiness(context.Background())
	assert.ErrorIs(t, err, models.ErrTransientIO)
}

func TestCheck_StartsWhenReady(t *testing.T) {
	engine := &fakeEngine{}
	s := New(noAssignConfig(), readyStore(2, 1, 3), engine, WithSubscriberCounter(fixedSubs(4)))

	s.Check(context.Background())

	assert.Equal(t, 1, engine.starts)
	st := s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 3, st.TotalVehicles)
	assert.Equal(t, 5.0, st.TickIntervalSeconds)
	assert.Equal(t, 4, st.SubscriberCount)
	assert.Equal(t, map[string]int{"all-vehicles": 4}, st.Topics)
	assert.Empty(t, st.LastError)
}

func TestCheck_NotReadyDoesNotStart(t *testing.T) {
	engine := &fakeEngine{}
	s := New(noAssignConfig(), readyStore(2, 1, 1), engine)

	s.Check(context.Background())

	assert.Zero(t, engine.starts)
	st := s.Status()
	assert.False(t, st.Running)
	assert.Contains(t, st.LastError, "not ready")
	assert.Zero(t, st.StartAttempts)
}

func TestCheck_GivesUpAfterMaxStartFailures(t *testing.T) {
	engine := &fakeEngine{startErr: errors.New("boom")}
	s := New(noAssignConfig(), readyStore(1, 1, 2), engine)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		s.Check(ctx)
	}

	assert.Equal(t, 5, engine.starts, "start attempts are capped")
	st := s.Status()
	assert.True(t, st.GaveUp)
	assert.False(t, st.Running)
	assert.Equal(t, 5, st.StartAttempts)
	assert.Equal(t, "boom", st.LastError)

	engine.mu.Lock()
	engine.startErr = nil
	engine.mu.Unlock()
	require.NoError(t, s.Start(ctx), "an explicit start clears the give-up")
	assert.True(t, s.Status().Running)
	assert.False(t, s.Status().GaveUp)
}

func TestStart_ExhaustedRetriesError(t *testing.T) {
	engine := &fakeEngine{startErr: errors.New("boom")}
	cfg := noAssignConfig()
	cfg.MaxStartAttempts = 1
	s := New(cfg, readyStore(1, 1, 2), engine)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, models.ErrExhaustedRetries)
}

func TestStopHaltsMonitor(t *testing.T) {
	engine := &fakeEngine{}
	s := New(noAssignConfig(), readyStore(1, 1, 2), engine)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	s.Stop()
	assert.False(t, s.Status().Running)

	s.Check(ctx)
	assert.Equal(t, 1, engine.starts, "monitor leaves a stopped simulation alone")

	require.NoError(t, s.Restart(ctx))
	assert.Equal(t, 2, engine.starts)
	assert.True(t, s.Status().Running)
}

func TestCheck_LivenessFlipsStalledEngine(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	engine := &fakeEngine{}
	s := New(noAssignConfig(), readyStore(1, 1, 2), engine, WithClock(clock))
	ctx := context.Background()

	s.Check(ctx)
	require.True(t, s.Status().Running)

	engine.mu.Lock()
	engine.lastTick = now.Add(5 * time.Second)
	engine.mu.Unlock()
	now = now.Add(10 * time.Second)
	s.Check(ctx)
	assert.True(t, s.Status().Running, "recent tick keeps the engine alive")

	now = now.Add(time.Minute)
	s.Check(ctx)
	st := s.Status()
	assert.False(t, st.Running)
	assert.Contains(t, st.LastError, "no tick since")
	assert.Equal(t, 1, engine.stops)

	s.Check(ctx)
	assert.Equal(t, 2, engine.starts, "next pass restarts")
}

func TestCheck_EngineLoopGone(t *testing.T) {
	engine := &fakeEngine{}
	s := New(noAssignConfig(), readyStore(1, 1, 2), engine)
	ctx := context.Background()

	s.Check(ctx)
	engine.mu.Lock()
	engine.running = false
	engine.mu.Unlock()

	s.Check(ctx)
	assert.False(t, s.Status().Running)
	assert.Contains(t, s.Status().LastError, "not running")
}

func TestAutoAssign(t *testing.T) {
	routes := []models.Route{
		{ID: primitive.NewObjectID(), IsActive: true},
		{ID: primitive.NewObjectID(), IsActive: true},
	}
	assigned := models.Vehicle{ID: primitive.NewObjectID(), AssignedRouteID: routes[0].ID.Hex(), OperationalStatus: models.StatusActive}
	free1 := models.Vehicle{ID: primitive.NewObjectID(), OperationalStatus: models.StatusActive}
	free2 := models.Vehicle{ID: primitive.NewObjectID(), OperationalStatus: models.StatusActive}
	parked := models.Vehicle{ID: primitive.NewObjectID(), OperationalStatus: models.StatusMaintenance}

	routeIDs := []string{routes[0].ID.Hex(), routes[1].ID.Hex()}
	store := new(MockStore)
	store.On("FindOperationalVehicles", mock.Anything).Return([]models.Vehicle{assigned, free1, free2, parked}, nil)
	store.On("FindActiveRoutes", mock.Anything).Return(routes, nil)
	store.On("AssignRoute", mock.Anything, free1.ID.Hex(), mock.MatchedBy(func(id string) bool { return contains(routeIDs, id) })).Return(nil).Once()
	store.On("AssignRoute", mock.Anything, free2.ID.Hex(), mock.Anything).Return(errors.New("write conflict")).Once()

	engine := &fakeEngine{running: true}
	s := New(DefaultConfig(), store, engine, WithRand(rand.New(rand.NewSource(1))))

	n, err := s.AutoAssign(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{free1.ID.Hex()}, engine.added)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "AssignRoute", mock.Anything, parked.ID.Hex(), mock.Anything)
}

func TestAutoAssign_NoRoutes(t *testing.T) {
	store := new(MockStore)
	store.On("FindOperationalVehicles", mock.Anything).Return([]models.Vehicle{{ID: primitive.NewObjectID(), OperationalStatus: models.StatusActive}}, nil)
	store.On("FindActiveRoutes", mock.Anything).Return([]models.Route{}, nil)

	s := New(DefaultConfig(), store, &fakeEngine{})
	n, err := s.AutoAssign(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	store.AssertNotCalled(t, "AssignRoute", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_DisabledReturns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	engine := &fakeEngine{}
	s := New(cfg, new(MockStore), engine)

	s.Run(context.Background())
	assert.Zero(t, engine.starts)
	assert.False(t, s.Status().Enabled)
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := noAssignConfig()
	cfg.MonitorInterval = 10 * time.Millisecond
	engine := &fakeEngine{}
	s := New(cfg, readyStore(1, 1, 2), engine)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return s.Status().Running }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero monitor interval", func(c *Config) { c.MonitorInterval = 0 }},
		{"negative monitor interval", func(c *Config) { c.MonitorInterval = -time.Second }},
		{"no start attempts", func(c *Config) { c.MaxStartAttempts = 0 }},
		{"no stale ticks", func(c *Config) { c.StaleTicks = 0 }},
		{"settings failed to load", func(c *Config) {
			c.SettingsErr = fmt.Errorf("tick_interval_seconds: %w", models.ErrConfigInvalid)
		}},
	}
	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), models.ErrConfigInvalid)
		})
	}
}

func TestRun_InvalidConfigReportsAndReturns(t *testing.T) {
	cfg := noAssignConfig()
	cfg.MonitorInterval = 0
	store := new(MockStore)
	engine := &fakeEngine{}
	s := New(cfg, store, engine)

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run kept going with an invalid monitor interval")
	}

	st := s.Status()
	assert.False(t, st.Running)
	assert.Contains(t, st.LastError, models.ErrConfigInvalid.Error())
	assert.Zero(t, engine.starts)
	store.AssertNotCalled(t, "CountAssignedOperational", mock.Anything)
}

func TestStart_SettingsErrorBlocksEngine(t *testing.T) {
	cfg := noAssignConfig()
	cfg.SettingsErr = fmt.Errorf("max_vehicles: %w", models.ErrConfigInvalid)
	engine := &fakeEngine{}
	s := New(cfg, new(MockStore), engine)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, models.ErrConfigInvalid)
	assert.Zero(t, engine.starts)
	assert.Contains(t, s.Status().LastError, "max_vehicles")
}

func TestReconcile(t *testing.T) {
	r1, r2 := primitive.NewObjectID().Hex(), primitive.NewObjectID().Hex()
	keep := models.Vehicle{ID: primitive.NewObjectID(), AssignedRouteID: r1, OperationalStatus: models.StatusActive}
	parked := models.Vehicle{ID: primitive.NewObjectID(), AssignedRouteID: r1, OperationalStatus: models.StatusMaintenance}
	unassigned := models.Vehicle{ID: primitive.NewObjectID(), OperationalStatus: models.StatusActive}
	moved := models.Vehicle{ID: primitive.NewObjectID(), AssignedRouteID: r2, OperationalStatus: models.StatusActive}
	fresh := models.Vehicle{ID: primitive.NewObjectID(), AssignedRouteID: r1, OperationalStatus: models.StatusActive}
	gone := primitive.NewObjectID().Hex()

	store := new(MockStore)
	store.On("FindOperationalVehicles", mock.Anything).Return([]models.Vehicle{keep, parked, unassigned, moved, fresh}, nil)

	engine := &fakeEngine{running: true, vehicles: map[string]string{
		keep.ID.Hex():       r1,
		parked.ID.Hex():     r1,
		unassigned.ID.Hex(): r1,
		moved.ID.Hex():      r1,
		gone:                r1,
	}}
	s := New(noAssignConfig(), store, engine)

	require.NoError(t, s.Reconcile(context.Background()))

	assert.ElementsMatch(t, []string{parked.ID.Hex(), unassigned.ID.Hex(), moved.ID.Hex(), gone}, engine.retired)
	assert.ElementsMatch(t, []string{moved.ID.Hex(), fresh.ID.Hex()}, engine.added)
	assert.Equal(t, map[string]string{
		keep.ID.Hex():  r1,
		moved.ID.Hex(): r2,
		fresh.ID.Hex(): r1,
	}, engine.vehicles)
}

func TestReconcile_StoreError(t *testing.T) {
	store := new(MockStore)
	store.On("FindOperationalVehicles", mock.Anything).Return(nil, errors.New("timeout"))
	engine := &fakeEngine{running: true, vehicles: map[string]string{"v1": "r1"}}
	s := New(noAssignConfig(), store, engine)

	err := s.Reconcile(context.Background())
	assert.ErrorIs(t, err, models.ErrTransientIO)
	assert.Empty(t, engine.retired, "a failed read never removes vehicles")
}

func TestCheck_RunningDropsDeactivatedVehicle(t *testing.T) {
	routeID := primitive.NewObjectID().Hex()
	v := models.Vehicle{ID: primitive.NewObjectID(), AssignedRouteID: routeID, OperationalStatus: models.StatusActive}

	store := new(MockStore)
	store.On("CountAssignedOperational", mock.Anything).Return(int64(1), nil)
	store.On("CountActiveRoutes", mock.Anything).Return(int64(1), nil)
	store.On("CountActiveStops", mock.Anything).Return(int64(2), nil)
	store.On("FindOperationalVehicles", mock.Anything).Return([]models.Vehicle{v}, nil).Once()
	store.On("FindOperationalVehicles", mock.Anything).Return([]models.Vehicle{}, nil)

	engine := &fakeEngine{vehicles: map[string]string{v.ID.Hex(): routeID}}
	s := New(noAssignConfig(), store, engine)
	ctx := context.Background()

	s.Check(ctx)
	require.True(t, s.Status().Running)
	s.Check(ctx)
	assert.Empty(t, engine.retired, "vehicle still operational")

	s.Check(ctx)
	assert.Equal(t, []string{v.ID.Hex()}, engine.retired)
	assert.Empty(t, engine.VehicleIDs())
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
