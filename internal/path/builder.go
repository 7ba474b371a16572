// Package path turns a route's ordered stops, and optionally its real-road
// polyline, into the dense circular waypoint sequence vehicles follow.
package path

import (
	"math"
	"math/rand"

	"github.com/ukydev/fleet-livesim/internal/geo"
	"github.com/ukydev/fleet-livesim/internal/models"
)

// Options tunes path generation. Zero fields fall back to DefaultOptions.
type Options struct {
	SyntheticSpacingKm float64 // spacing of synthesized points between stops
	MaxGapKm           float64 // densification threshold between consecutive waypoints
	StopMatchKm        float64 // max distance for a waypoint to be marked as a stop
	BaseSpeedKmh       float64 // target speed of synthetic waypoints
}

// DefaultOptions returns the stock path generation settings.
func DefaultOptions() Options {
	return Options{
		SyntheticSpacingKm: 0.5,
		MaxGapKm:           0.2,
		StopMatchKm:        0.1,
		BaseSpeedKmh:       25,
	}
}

// closeKm is how near two points must be to count as the same place.
const closeKm = 0.001

type speedBand struct{ min, max float64 }

var roadSpeeds = map[models.RoadClass]speedBand{
	models.RoadUrban:    {15, 30},
	models.RoadSuburban: {25, 40},
	models.RoadHighway:  {35, 50},
}

// StopPoint is the slice of a stop record the builder needs.
type StopPoint struct {
	ID        string
	Name      string
	Latitude  float64
	Longitude float64
}

// StopPointFrom converts a stored stop.
func StopPointFrom(s models.Stop) StopPoint {
	return StopPoint{ID: s.ID.Hex(), Name: s.Name, Latitude: s.Latitude, Longitude: s.Longitude}
}

// Builder generates waypoint sequences. It holds no mutable state and may
// be shared between goroutines.
type Builder struct {
	opts Options
}

// NewBuilder returns a Builder, filling unset options with defaults.
func NewBuilder(opts Options) *Builder {
	def := DefaultOptions()
	if opts.SyntheticSpacingKm <= 0 {
		opts.SyntheticSpacingKm = def.SyntheticSpacingKm
	}
	if opts.MaxGapKm <= 0 {
		opts.MaxGapKm = def.MaxGapKm
	}
	if opts.StopMatchKm <= 0 {
		opts.StopMatchKm = def.StopMatchKm
	}
	if opts.BaseSpeedKmh <= 0 {
		opts.BaseSpeedKmh = def.BaseSpeedKmh
	}
	return &Builder{opts: opts}
}

// Build produces the circular waypoint list for a route. road may be nil,
// in which case points are synthesized between consecutive stops. r is used
// for road target-speed sampling. Fewer than two stops yield nil.
func (b *Builder) Build(r *rand.Rand, stops []StopPoint, road []models.Location) []models.Waypoint {
	if len(stops) < 2 {
		return nil
	}

	var wps []models.Waypoint
	if len(road) >= 2 {
		wps = b.fromRoad(r, road)
	} else {
		wps = b.synthesizeStops(stops)
	}

	b.markStops(wps, stops)
	wps = b.densify(wps)
	wps = b.circularize(wps)

	for i := range wps {
		wps[i].Sequence = i
	}
	return wps
}

// fromRoad emits one waypoint per polyline vertex. The road class follows
// the vertex's position along the route: the outer 15% on each end is
// urban, the next 15% suburban, the middle highway.
func (b *Builder) fromRoad(r *rand.Rand, road []models.Location) []models.Waypoint {
	cum := make([]float64, len(road))
	for i := 1; i < len(road); i++ {
		cum[i] = cum[i-1] + geo.DistanceKm(road[i-1].Lat, road[i-1].Lon, road[i].Lat, road[i].Lon)
	}
	total := cum[len(cum)-1]

	wps := make([]models.Waypoint, 0, len(road))
	for i, p := range road {
		frac := float64(i) / float64(len(road)-1)
		if total > 0 {
			frac = cum[i] / total
		}
		class := RoadClassAt(frac)
		band := roadSpeeds[class]
		wps = append(wps, models.Waypoint{
			Latitude:       p.Lat,
			Longitude:      p.Lon,
			TargetSpeedKmh: band.min + r.Float64()*(band.max-band.min),
			RoadClass:      class,
			Source:         models.SourceRoad,
		})
	}
	return wps
}

// RoadClassAt maps a relative position along a route in [0,1] to a road class.
func RoadClassAt(frac float64) models.RoadClass {
	edge := math.Min(frac, 1-frac)
	switch {
	case edge < 0.15:
		return models.RoadUrban
	case edge < 0.30:
		return models.RoadSuburban
	default:
		return models.RoadHighway
	}
}

func (b *Builder) synthesizeStops(stops []StopPoint) []models.Waypoint {
	var wps []models.Waypoint
	for i := 0; i < len(stops)-1; i++ {
		from, to := stops[i], stops[i+1]
		wps = append(wps, b.segment(from.Latitude, from.Longitude, to.Latitude, to.Longitude)...)
	}
	last := stops[len(stops)-1]
	return append(wps, b.synthetic(last.Latitude, last.Longitude))
}

// segment returns the start point and the points spaced roughly every
// SyntheticSpacingKm along the arc toward the end point, excluding the end.
func (b *Builder) segment(lat1, lon1, lat2, lon2 float64) []models.Waypoint {
	d := geo.DistanceKm(lat1, lon1, lat2, lon2)
	n := int(math.Ceil(d / b.opts.SyntheticSpacingKm))
	if n < 1 {
		n = 1
	}
	out := make([]models.Waypoint, 0, n)
	for i := 0; i < n; i++ {
		lat, lon := geo.Interpolate(lat1, lon1, lat2, lon2, float64(i)/float64(n))
		out = append(out, b.synthetic(lat, lon))
	}
	return out
}

func (b *Builder) synthetic(lat, lon float64) models.Waypoint {
	return models.Waypoint{
		Latitude:       lat,
		Longitude:      lon,
		TargetSpeedKmh: b.opts.BaseSpeedKmh,
		RoadClass:      models.RoadUrban,
		Source:         models.SourceSynthetic,
	}
}

// markStops tags, for each distinct stop, the nearest unclaimed waypoint
// within StopMatchKm. Stops with no waypoint in range stay unmarked.
func (b *Builder) markStops(wps []models.Waypoint, stops []StopPoint) {
	seen := make(map[string]bool, len(stops))
	for _, s := range stops {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true

		best, bestDist := -1, math.Inf(1)
		for i, w := range wps {
			if w.IsStopPoint {
				continue
			}
			d := geo.DistanceKm(s.Latitude, s.Longitude, w.Latitude, w.Longitude)
			if d < bestDist {
				best, bestDist = i, d
			}
		}
		if best < 0 || bestDist > b.opts.StopMatchKm {
			continue
		}
		wps[best].IsStopPoint = true
		wps[best].StopID = s.ID
		wps[best].StopName = s.Name
		wps[best].TargetSpeedKmh = 0
	}
}

// densify inserts evenly spaced points wherever two consecutive waypoints
// are more than MaxGapKm apart, so a single tick can never skip a stop.
func (b *Builder) densify(wps []models.Waypoint) []models.Waypoint {
	if len(wps) < 2 {
		return wps
	}
	out := make([]models.Waypoint, 0, len(wps))
	for i := 0; i < len(wps)-1; i++ {
		a, c := wps[i], wps[i+1]
		out = append(out, a)
		d := geo.DistanceKm(a.Latitude, a.Longitude, c.Latitude, c.Longitude)
		if d <= b.opts.MaxGapKm {
			continue
		}
		n := int(math.Ceil(d / b.opts.MaxGapKm))
		fill := fillerFrom(a, c, b.opts.BaseSpeedKmh)
		for k := 1; k < n; k++ {
			lat, lon := geo.Interpolate(a.Latitude, a.Longitude, c.Latitude, c.Longitude, float64(k)/float64(n))
			p := fill
			p.Latitude, p.Longitude = lat, lon
			out = append(out, p)
		}
	}
	return append(out, wps[len(wps)-1])
}

// fillerFrom carries the road metadata of the preceding point onto inserted
// points. A stop point has no cruising speed, so the following point's is used.
func fillerFrom(prev, next models.Waypoint, base float64) models.Waypoint {
	speed := prev.TargetSpeedKmh
	if prev.IsStopPoint {
		speed = next.TargetSpeedKmh
		if next.IsStopPoint {
			speed = base
		}
	}
	return models.Waypoint{
		TargetSpeedKmh: speed,
		RoadClass:      prev.RoadClass,
		Source:         prev.Source,
	}
}

// circularize appends a synthesized return path from the last waypoint to
// the first so that index wrap-around is continuous.
func (b *Builder) circularize(wps []models.Waypoint) []models.Waypoint {
	if len(wps) < 2 {
		return wps
	}
	first, last := wps[0], wps[len(wps)-1]
	if geo.DistanceKm(first.Latitude, first.Longitude, last.Latitude, last.Longitude) <= closeKm {
		return wps
	}
	back := b.segment(last.Latitude, last.Longitude, first.Latitude, first.Longitude)
	// back[0] duplicates the current last waypoint
	wps = append(wps, back[1:]...)
	wps = append(wps, b.synthetic(first.Latitude, first.Longitude))
	return b.densify(wps)
}
