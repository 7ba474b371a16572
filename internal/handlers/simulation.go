package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-livesim/internal/supervisor"
)

// Controller is the simulation lifecycle surface
type Controller interface {
	Status() supervisor.Status
	Start(ctx context.Context) error
	Stop()
	Restart(ctx context.Context) error
}

// SimulationHandler serves the simulation control endpoints
type SimulationHandler struct {
	ctrl Controller
}

// NewSimulationHandler creates a new simulation handler
func NewSimulationHandler(ctrl Controller) *SimulationHandler {
	return &SimulationHandler{ctrl: ctrl}
}

// Status returns the current simulation status
func (h *SimulationHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, http.StatusOK, h.ctrl.Status())
}

// Start starts the simulation
func (h *SimulationHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "start", h.ctrl.Start)
}

// Restart restarts the simulation
func (h *SimulationHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "restart", h.ctrl.Restart)
}

// Stop stops the simulation
func (h *SimulationHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "stop", func(context.Context) error {
		h.ctrl.Stop()
		return nil
	})
}

// lifecycle runs op and always answers with the resulting status. A failed
// op is reported through the status' lastError with 503.
func (h *SimulationHandler) lifecycle(w http.ResponseWriter, r *http.Request, name string, op func(context.Context) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	code := http.StatusOK
	if err := op(r.Context()); err != nil {
		log.WithError(err).WithField("op", name).Warn("Simulation control request failed")
		code = http.StatusServiceUnavailable
	}
	writeStatus(w, code, h.ctrl.Status())
}

func writeStatus(w http.ResponseWriter, code int, status supervisor.Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Health reports liveness
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
