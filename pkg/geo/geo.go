// Package geo holds the great-circle helpers used by matching and live tracking.
// Units are kilometers, degrees and km/h throughout.
package geo

import (
	"math"
	"time"
)

const (
	EarthRadiusKm = 6371.0

	// DefaultSpeedKmh is the assumed average speed when nothing better is known.
	DefaultSpeedKmh = 30.0
)

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64
	Lng float64
}

// Valid reports whether the point lies inside the valid latitude/longitude range.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// DistanceKm returns the haversine distance between two points.
func DistanceKm(p1, p2 Point) float64 {
	lat1 := toRadians(p1.Lat)
	lat2 := toRadians(p2.Lat)
	dLat := lat2 - lat1
	dLng := toRadians(p2.Lng - p1.Lng)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push a slightly above 1 for antipodal points
	a = math.Min(1, math.Max(0, a))

	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// BearingDegrees returns the initial forward azimuth from one point to another,
// normalized to [0, 360).
func BearingDegrees(from, to Point) float64 {
	lat1 := toRadians(from.Lat)
	lat2 := toRadians(to.Lat)
	dLng := toRadians(to.Lng - from.Lng)

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)

	bearing := math.Mod(toDegrees(math.Atan2(y, x))+360, 360)
	if bearing >= 360 || bearing < 0 {
		bearing = 0
	}
	return bearing
}

// TravelMinutes is the rounded number of minutes needed to cover distanceKm at speedKmh.
// A non-positive speed falls back to DefaultSpeedKmh.
func TravelMinutes(distanceKm, speedKmh float64) int {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	if distanceKm <= 0 {
		return 0
	}
	return int(math.Round(distanceKm / speedKmh * 60))
}

// ETAFromDistance estimates arrival as now plus the straight-line travel time.
// This is an approximation, not a routed ETA.
func ETAFromDistance(now time.Time, distanceKm, speedKmh float64) time.Time {
	return now.Add(time.Duration(TravelMinutes(distanceKm, speedKmh)) * time.Minute)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func toDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
