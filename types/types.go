package types

import "fmt"

// VehicleIDProperty tags every published position with its vehicle.
const VehicleIDProperty = "vehicle_id"

// Coordinate holds lon/lat in GeoJSON order.
type Coordinate struct {
	Lon float64
	Lat float64
}

// Geometry is a GeoJSON point geometry.
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// Coordinate returns the point as a Coordinate. Missing axes are zero.
func (g Geometry) Coordinate() Coordinate {
	var c Coordinate
	if len(g.Coordinates) > 0 {
		c.Lon = g.Coordinates[0]
	}
	if len(g.Coordinates) > 1 {
		c.Lat = g.Coordinates[1]
	}
	return c
}

// PointGeometry builds a Point geometry for c.
func PointGeometry(c Coordinate) Geometry {
	return Geometry{Type: "Point", Coordinates: []float64{c.Lon, c.Lat}}
}

// Feature is a GeoJSON feature with free-form properties.
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

// FeatureCollection is the on-disk route format.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// VehicleID returns the vehicle a position belongs to, or "" when untagged.
func (f Feature) VehicleID() string {
	switch v := f.Properties[VehicleIDProperty].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
