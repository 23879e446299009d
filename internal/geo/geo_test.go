package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/musthaq16/vehicle-route-simulator/types"
)

func TestHaversineKM(t *testing.T) {
	// one degree of latitude
	d := HaversineKM(types.Coordinate{Lon: 0, Lat: 0}, types.Coordinate{Lon: 0, Lat: 1})
	assert.InDelta(t, 111.19, d, 0.01)

	assert.Zero(t, HaversineKM(types.Coordinate{Lon: 10, Lat: 10}, types.Coordinate{Lon: 10, Lat: 10}))
}

func TestBearing(t *testing.T) {
	origin := types.Coordinate{}
	tests := []struct {
		to       types.Coordinate
		expected float64
	}{
		{to: types.Coordinate{Lat: 1}, expected: 0},
		{to: types.Coordinate{Lon: 1}, expected: 90},
		{to: types.Coordinate{Lat: -1}, expected: 180},
		{to: types.Coordinate{Lon: -1}, expected: 270},
	}

	for _, test := range tests {
		assert.InDelta(t, test.expected, Bearing(origin, test.to), 1e-9)
	}
}
