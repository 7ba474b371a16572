// Package geo holds the stateless geospatial and motion primitives the
// simulation is built on. Every function is safe for concurrent use; the
// sampling helpers draw from the *rand.Rand they are handed, so callers that
// need concurrency give each goroutine its own source.
package geo

import "math"

const (
	// EarthRadiusKm is the mean radius of Earth in kilometers.
	EarthRadiusKm = 6371.0
)

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }

// DistanceKm returns the haversine great-circle distance between two points.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*sinLon*sinLon
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// BearingDeg returns the initial bearing from the first point to the second,
// normalized to [0,360).
func BearingDeg(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := toRad(lat1), toRad(lat2)
	dLon := toRad(lon2 - lon1)
	y := math.Sin(dLon) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLon)
	b := math.Mod(toDeg(math.Atan2(y, x))+360, 360)
	if b >= 360 {
		b = 0
	}
	return b
}

// Interpolate returns the point at fraction along the great-circle arc
// between two points. fraction is clamped to [0,1]; the endpoints are
// returned exactly.
func Interpolate(lat1, lon1, lat2, lon2, fraction float64) (float64, float64) {
	if fraction <= 0 {
		return lat1, lon1
	}
	if fraction >= 1 {
		return lat2, lon2
	}
	delta := DistanceKm(lat1, lon1, lat2, lon2) / EarthRadiusKm
	if delta < 1e-12 {
		return lat1 + (lat2-lat1)*fraction, lon1 + (lon2-lon1)*fraction
	}
	phi1, lambda1 := toRad(lat1), toRad(lon1)
	phi2, lambda2 := toRad(lat2), toRad(lon2)

	sinDelta := math.Sin(delta)
	a := math.Sin((1-fraction)*delta) / sinDelta
	b := math.Sin(fraction*delta) / sinDelta

	x := a*math.Cos(phi1)*math.Cos(lambda1) + b*math.Cos(phi2)*math.Cos(lambda2)
	y := a*math.Cos(phi1)*math.Sin(lambda1) + b*math.Cos(phi2)*math.Sin(lambda2)
	z := a*math.Sin(phi1) + b*math.Sin(phi2)

	return toDeg(math.Atan2(z, math.Sqrt(x*x+y*y))), toDeg(math.Atan2(y, x))
}

// Advance moves a vehicle toward a target for elapsedSeconds at speedKmh.
// When the travel distance covers what is left, the target itself is
// returned with remainingKm 0.
func Advance(lat, lon, targetLat, targetLon, speedKmh, elapsedSeconds float64) (newLat, newLon, remainingKm float64) {
	remaining := DistanceKm(lat, lon, targetLat, targetLon)
	travel := speedKmh * elapsedSeconds / 3600
	if travel < 0 {
		travel = 0
	}
	if travel >= remaining {
		return targetLat, targetLon, 0
	}
	newLat, newLon = Interpolate(lat, lon, targetLat, targetLon, travel/remaining)
	return newLat, newLon, remaining - travel
}
