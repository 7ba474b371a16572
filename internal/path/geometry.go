package path

import (
	"fmt"

	geojson "github.com/paulmach/go.geojson"
	"github.com/ukydev/fleet-livesim/internal/models"
)

// ParseRoadGeometry decodes a stored GeoJSON road polyline. A LineString,
// MultiLineString (parts concatenated), or a Feature wrapping either is
// accepted.
func ParseRoadGeometry(raw string) ([]models.Location, error) {
	if raw == "" {
		return nil, nil
	}
	g, err := geojson.UnmarshalGeometry([]byte(raw))
	if err != nil || (!g.IsLineString() && !g.IsMultiLineString()) {
		f, ferr := geojson.UnmarshalFeature([]byte(raw))
		if ferr != nil || f.Geometry == nil {
			return nil, fmt.Errorf("unsupported road geometry: %w", models.ErrDataGap)
		}
		g = f.Geometry
	}
	return LocationsFromGeometry(g)
}

// LocationsFromGeometry flattens a line geometry into locations.
func LocationsFromGeometry(g *geojson.Geometry) ([]models.Location, error) {
	var coords [][]float64
	switch {
	case g == nil:
		return nil, fmt.Errorf("nil geometry: %w", models.ErrDataGap)
	case g.IsLineString():
		coords = g.LineString
	case g.IsMultiLineString():
		for _, part := range g.MultiLineString {
			coords = append(coords, part...)
		}
	default:
		return nil, fmt.Errorf("geometry type %s is not a line: %w", g.Type, models.ErrDataGap)
	}

	locs := make([]models.Location, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		locs = append(locs, models.Location{Lat: c[1], Lon: c[0]})
	}
	return locs, nil
}
