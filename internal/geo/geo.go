// Package geo provides the distance math shared by the event processor,
// offline sync, bundling, and notification text.
package geo

import (
	"fmt"
	"math"
)

const (
	earthRadiusMeters = 6371000
	metersPerMile     = 1609.344

	// Below this distance a notification says "very close" instead of a
	// mileage.
	veryCloseMeters = 161
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Within reports whether a and b are no more than meters apart.
func Within(a, b Point, meters float64) bool {
	return Distance(a, b) <= meters
}

// Valid reports whether p is a finite coordinate inside the WGS84 range.
func Valid(p Point) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Offset returns the point reached by moving north and east by the given
// number of meters. Accurate enough for the short distances geofences use.
func Offset(p Point, northMeters, eastMeters float64) Point {
	dLat := northMeters / earthRadiusMeters
	dLng := eastMeters / (earthRadiusMeters * math.Cos(toRad(p.Lat)))
	return Point{
		Lat: p.Lat + dLat*180/math.Pi,
		Lng: p.Lng + dLng*180/math.Pi,
	}
}

// DescribeDistance renders a distance for notification text.
//
//	50    -> "very close"
//	800   -> "0.5 miles"
//	8047  -> "5 miles"
func DescribeDistance(meters float64) string {
	if meters < veryCloseMeters {
		return "very close"
	}
	miles := meters / metersPerMile
	if miles < 0.95 {
		return fmt.Sprintf("%.1f miles", miles)
	}
	rounded := int(math.Round(miles))
	if rounded == 1 {
		return "1 mile"
	}
	return fmt.Sprintf("%d miles", rounded)
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
