// Package geo holds the coordinate and geofence-region primitives shared by
// the caches and the processor.
package geo

import "math"

const earthRadiusMeters = 6371000.0

// Coordinate is a WGS84 point.
type Coordinate struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// Region is a server-defined circular geofence. Crossing its boundary
// produces enter/exit triggers on the host platform.
type Region struct {
	ID           string     `json:"id"`
	Center       Coordinate `json:"center"`
	RadiusMeters float64    `json:"radius_m"`
}

// Contains reports whether c falls inside the region circle.
func (r Region) Contains(c Coordinate) bool {
	return Distance(r.Center, c) <= r.RadiusMeters
}

// Distance returns the great-circle distance between two points in meters
// (haversine).
func Distance(a, b Coordinate) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
