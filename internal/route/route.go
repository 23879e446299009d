package route

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/musthaq16/vehicle-route-simulator/internal/geo"
	"github.com/musthaq16/vehicle-route-simulator/types"
)

// StopProperty is the feature property that marks a waypoint as a stop.
const StopProperty = "is_stop"

// DefaultStopToleranceKM is how far a configured stop may be from the
// nearest route point and still be attached to it.
const DefaultStopToleranceKM = 0.05

// Waypoint is one point of a route. Properties are shared with the route
// and must be treated as read-only; use CloneProperties before modifying.
type Waypoint struct {
	Coordinate types.Coordinate
	IsStop     bool
	Properties map[string]any
}

// CloneProperties returns a shallow copy of the waypoint properties.
func (w Waypoint) CloneProperties() map[string]any {
	out := make(map[string]any, len(w.Properties)+1)
	for k, v := range w.Properties {
		out[k] = v
	}
	return out
}

// Route is an immutable closed loop of waypoints: after the last waypoint
// playback continues with the first.
type Route struct {
	waypoints []Waypoint
}

func New(waypoints []Waypoint) (*Route, error) {
	if len(waypoints) == 0 {
		return nil, errors.New("route has no waypoints")
	}
	wps := make([]Waypoint, len(waypoints))
	copy(wps, waypoints)
	return &Route{waypoints: wps}, nil
}

func (r *Route) Len() int { return len(r.waypoints) }

func (r *Route) At(i int) Waypoint { return r.waypoints[i] }

// Next returns the index following i, wrapping to the start.
func (r *Route) Next(i int) int { return (i + 1) % len(r.waypoints) }

// Stops returns the number of stop waypoints.
func (r *Route) Stops() int {
	n := 0
	for _, w := range r.waypoints {
		if w.IsStop {
			n++
		}
	}
	return n
}

// LoadFile reads a GeoJSON FeatureCollection of Point features.
func LoadFile(path string) (*Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read route %s", path)
	}
	var fc types.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, errors.Wrapf(err, "decode route %s", path)
	}
	r, err := FromFeatures(fc)
	if err != nil {
		return nil, errors.Wrapf(err, "route %s", path)
	}
	return r, nil
}

// FromFeatures converts point features into waypoints, in order.
func FromFeatures(fc types.FeatureCollection) (*Route, error) {
	wps := make([]Waypoint, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f.Geometry.Type != "" && f.Geometry.Type != "Point" {
			return nil, fmt.Errorf("feature %d: unsupported geometry %q", i, f.Geometry.Type)
		}
		if len(f.Geometry.Coordinates) < 2 {
			return nil, fmt.Errorf("feature %d: point needs two coordinates", i)
		}
		props := f.Properties
		if props == nil {
			props = map[string]any{}
		}
		wps = append(wps, Waypoint{
			Coordinate: f.Geometry.Coordinate(),
			IsStop:     truthy(props[StopProperty]),
			Properties: props,
		})
	}
	return New(wps)
}

// FromCoordinates builds a route from a plain path, such as an OSRM result.
// Each stop is attached to the nearest path point within toleranceKM.
func FromCoordinates(coords []types.Coordinate, stops []types.Coordinate, toleranceKM float64) (*Route, error) {
	wps := make([]Waypoint, len(coords))
	for i, c := range coords {
		wps[i] = Waypoint{Coordinate: c, Properties: map[string]any{StopProperty: false}}
	}
	for _, s := range stops {
		best, bestKM := -1, math.MaxFloat64
		for i, c := range coords {
			if d := geo.HaversineKM(s, c); d < bestKM {
				best, bestKM = i, d
			}
		}
		if best < 0 || bestKM > toleranceKM {
			return nil, fmt.Errorf("stop %.6f,%.6f is %.3f km away from the route", s.Lat, s.Lon, bestKM)
		}
		wps[best].IsStop = true
		wps[best].Properties[StopProperty] = true
	}
	return New(wps)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	}
	return false
}
