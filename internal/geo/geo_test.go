package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistance_KnownPairs(t *testing.T) {
	sf := Point{Lat: 37.7749, Lng: -122.4194}
	la := Point{Lat: 34.0522, Lng: -118.2437}

	d := Distance(sf, la)
	assert.InDelta(t, 559_000, d, 2_000, "SF to LA")
	assert.Equal(t, 0.0, Distance(sf, sf))
	assert.InDelta(t, d, Distance(la, sf), 1e-6, "distance is symmetric")
}

func TestOffset_RoundTrip(t *testing.T) {
	origin := Point{Lat: 40.7128, Lng: -74.0060}

	tests := []struct {
		name        string
		north, east float64
	}{
		{"north 50m", 50, 0},
		{"east 200m", 0, 200},
		{"diagonal 8047m", 5690, 5690},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Offset(origin, tt.north, tt.east)
			want := math.Hypot(tt.north, tt.east)
			assert.InDelta(t, want, Distance(origin, p), want*0.005+0.5)
		})
	}
}

func TestWithin(t *testing.T) {
	origin := Point{Lat: 51.5074, Lng: -0.1278}
	p := Offset(origin, 40, 0)

	assert.True(t, Within(origin, p, 50))
	assert.False(t, Within(origin, p, 30))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(Point{Lat: 0, Lng: 0}))
	assert.True(t, Valid(Point{Lat: -90, Lng: 180}))
	assert.False(t, Valid(Point{Lat: 91, Lng: 0}))
	assert.False(t, Valid(Point{Lat: 0, Lng: -181}))
	assert.False(t, Valid(Point{Lat: math.NaN(), Lng: 0}))
	assert.False(t, Valid(Point{Lat: 0, Lng: math.Inf(1)}))
}

func TestDescribeDistance(t *testing.T) {
	tests := []struct {
		meters float64
		want   string
	}{
		{50, "very close"},
		{160, "very close"},
		{805, "0.5 miles"},
		{1609, "1 mile"},
		{4828, "3 miles"},
		{8047, "5 miles"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DescribeDistance(tt.meters), "meters=%v", tt.meters)
	}
}
