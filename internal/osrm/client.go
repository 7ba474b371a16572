// Package osrm fetches driving geometry from an OSRM routing server.
package osrm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	geojson "github.com/paulmach/go.geojson"
	"github.com/ukydev/fleet-livesim/internal/models"
	"github.com/ukydev/fleet-livesim/internal/path"
)

// DefaultBaseURL is the public OSRM demo server.
const DefaultBaseURL = "https://router.project-osrm.org"

// Client talks to the OSRM route service.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client for baseURL, falling back to DefaultBaseURL.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type routeResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Geometry *geojson.Geometry `json:"geometry"`
		Distance float64           `json:"distance"`
	} `json:"routes"`
}

// FetchRoute returns the driving polyline through points, in order.
func (c *Client) FetchRoute(ctx context.Context, points []models.Location) ([]models.Location, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("need at least 2 points, got %d: %w", len(points), models.ErrDataGap)
	}
	coords := make([]string, len(points))
	for i, p := range points {
		coords[i] = fmt.Sprintf("%.6f,%.6f", p.Lon, p.Lat)
	}
	url := fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=geojson", c.BaseURL, strings.Join(coords, ";"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("osrm request: %w: %v", models.ErrTransientIO, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("osrm status %d: %w", resp.StatusCode, models.ErrTransientIO)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("osrm read: %w: %v", models.ErrTransientIO, err)
	}

	var obj routeResponse
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("osrm decode: %w", err)
	}
	if obj.Code != "" && obj.Code != "Ok" {
		return nil, fmt.Errorf("osrm code %q: %w", obj.Code, models.ErrDataGap)
	}
	if len(obj.Routes) == 0 || obj.Routes[0].Geometry == nil {
		return nil, fmt.Errorf("no route: %w", models.ErrDataGap)
	}
	return path.LocationsFromGeometry(obj.Routes[0].Geometry)
}
