package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ukydev/fleet-livesim/internal/models"
)

// PositionSource returns the last known position of a vehicle
type PositionSource interface {
	LatestPosition(vehicleID string) (models.PositionUpdate, bool)
}

// PositionHandler serves GET /api/positions/{vehicleId}
type PositionHandler struct {
	source PositionSource
	prefix string
}

// NewPositionHandler creates a position handler mounted at prefix
func NewPositionHandler(source PositionSource, prefix string) *PositionHandler {
	return &PositionHandler{source: source, prefix: prefix}
}

func (h *PositionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	vehicleID := strings.Trim(strings.TrimPrefix(r.URL.Path, h.prefix), "/")
	if vehicleID == "" || strings.Contains(vehicleID, "/") {
		http.Error(w, "Vehicle ID is required", http.StatusBadRequest)
		return
	}
	u, ok := h.source.LatestPosition(vehicleID)
	if !ok {
		http.Error(w, "No position for vehicle", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(u)
}
