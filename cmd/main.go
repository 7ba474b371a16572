package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-livesim/internal/auth"
	"github.com/ukydev/fleet-livesim/internal/broadcast"
	"github.com/ukydev/fleet-livesim/internal/config"
	"github.com/ukydev/fleet-livesim/internal/db"
	"github.com/ukydev/fleet-livesim/internal/handlers"
	"github.com/ukydev/fleet-livesim/internal/middleware"
	"github.com/ukydev/fleet-livesim/internal/osrm"
	"github.com/ukydev/fleet-livesim/internal/path"
	"github.com/ukydev/fleet-livesim/internal/simulation"
	"github.com/ukydev/fleet-livesim/internal/supervisor"
	"github.com/ukydev/fleet-livesim/internal/transport"
)

const (
	wsRateLimit       = 30
	wsRateWindow      = time.Minute
	controlRateLimit  = 10
	controlRateWindow = time.Minute
	shutdownTimeout   = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	log.SetLevel(cfg.LogLevel)
	log.SetFormatter(&log.JSONFormatter{})
	if cfg.SimulationErr != nil {
		log.WithError(cfg.SimulationErr).Error("Simulation settings are malformed, serving without a simulation")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("Service stopped with error")
	}
	log.Info("Service stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	client, err := db.ConnectMongo(ctx, cfg.MongoURI)
	if err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := client.Disconnect(dctx); err != nil {
			log.WithError(err).Warn("Failed to disconnect from MongoDB")
		}
	}()
	log.WithField("db", cfg.MongoDB).Info("Connected to MongoDB")
	store := db.NewMongoStore(client.Database(cfg.MongoDB))

	// The hub is built before the engine, so the filter resolves it lazily.
	var engine *simulation.Engine
	hub := broadcast.NewHub(cfg.Hub(),
		broadcast.WithStopLookup(store),
		broadcast.WithPositionWriter(store),
		broadcast.WithSimulatedFilter(func(vehicleID string) bool {
			return engine != nil && engine.Has(vehicleID)
		}),
	)

	engineOpts := []simulation.Option{
		simulation.WithBuilder(path.NewBuilder(cfg.Path())),
		simulation.WithRetireHook(hub.Forget),
	}
	if cfg.OSRMBaseURL != "" {
		engineOpts = append(engineOpts, simulation.WithGeometryFetcher(osrm.NewClient(cfg.OSRMBaseURL)))
	}
	engine = simulation.NewEngine(cfg.Engine(), store, hub, engineOpts...)

	sup := supervisor.New(cfg.Supervisor(), store, engine, supervisor.WithSubscriberCounter(hub))

	if stops, err := store.FindActiveStops(ctx); err != nil {
		log.WithError(err).Warn("Failed to preload stops, proximity joins will look them up")
	} else {
		hub.SetStops(stops)
		log.WithField("stops", len(stops)).Info("Stops preloaded")
	}

	go hub.Run(ctx)
	go sup.Run(ctx)
	defer engine.Stop()

	if cfg.MQTTBrokerURL != "" {
		bridge := transport.NewMQTTBridge(transport.NewMQTTClient(cfg.MQTTBrokerURL, cfg.MQTTClientID), cfg.MQTTTopicPrefix, hub)
		if err := bridge.Start(ctx); err != nil {
			log.WithError(err).Warn("MQTT bridge unavailable, continuing without it")
		} else {
			defer bridge.Stop()
		}
	}

	authService := auth.NewService(cfg.JWTSecret, 24*time.Hour)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(sup, hub, middleware.NewAuthMiddleware(authService), middleware.NewRateLimitMiddleware()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// newRouter mounts the public, control and WebSocket endpoints.
func newRouter(ctrl handlers.Controller, hub *broadcast.Hub, authMW *middleware.AuthMiddleware, rl *middleware.RateLimitMiddleware) http.Handler {
	mux := http.NewServeMux()
	sim := handlers.NewSimulationHandler(ctrl)

	control := func(h http.HandlerFunc) http.Handler {
		return rl.RateLimit(controlRateLimit, controlRateWindow)(authMW.Authenticate(authMW.RequireControl(h)))
	}

	mux.HandleFunc("/health", handlers.Health)
	mux.HandleFunc("/api/simulation/status", sim.Status)
	mux.Handle("/api/positions/", handlers.NewPositionHandler(hub, "/api/positions/"))
	mux.Handle("/api/simulation/start", control(sim.Start))
	mux.Handle("/api/simulation/stop", control(sim.Stop))
	mux.Handle("/api/simulation/restart", control(sim.Restart))
	mux.Handle("/ws", rl.RateLimit(wsRateLimit, wsRateWindow)(handlers.NewWSHandler(hub, transport.DefaultSendBuffer)))
	return mux
}
