package osrm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/musthaq16/vehicle-route-simulator/types"
)

// ParseCoord parses a string like "12.9716,77.5946" (lat,lon) into a Coordinate.
func ParseCoord(input string) (types.Coordinate, error) {
	parts := strings.Split(input, ",")
	if len(parts) != 2 {
		return types.Coordinate{}, errors.Errorf("invalid coordinate: %s", input)
	}

	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return types.Coordinate{}, errors.Errorf("invalid lat/lon: %s", input)
	}
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return types.Coordinate{}, errors.Errorf("lat/lon out of range: %s", input)
	}

	return types.Coordinate{Lat: lat, Lon: lon}, nil
}

// OSRM response format
type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// Client queries the route service of an OSRM server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient}
}

// Route returns the driving path from source to target as a list of coordinates.
func (c *Client) Route(ctx context.Context, source, target types.Coordinate) ([]types.Coordinate, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson",
		c.baseURL, source.Lon, source.Lat, target.Lon, target.Lat)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build osrm request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "osrm request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("OSRM returned %d", resp.StatusCode)
	}

	var parsed osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "decode osrm response")
	}
	if parsed.Code != "" && parsed.Code != "Ok" {
		return nil, errors.Errorf("OSRM %s: %s", parsed.Code, parsed.Message)
	}
	if len(parsed.Routes) == 0 {
		return nil, errors.New("OSRM returned no routes")
	}

	coords := make([]types.Coordinate, 0, len(parsed.Routes[0].Geometry.Coordinates))
	for _, pair := range parsed.Routes[0].Geometry.Coordinates {
		if len(pair) < 2 {
			continue
		}
		coords = append(coords, types.Coordinate{Lon: pair[0], Lat: pair[1]})
	}
	return coords, nil
}
