package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/musthaq16/vehicle-route-simulator/internal/config"
	"github.com/musthaq16/vehicle-route-simulator/internal/progress"
	"github.com/musthaq16/vehicle-route-simulator/internal/publisher"
	"github.com/musthaq16/vehicle-route-simulator/internal/simulator"
)

const testRoute = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [79.86, 6.92]}, "properties": {"is_stop": true}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [79.87, 6.93]}, "properties": {}}
  ]
}`

func writeRun(t *testing.T, target string) string {
	t.Helper()
	dir := t.TempDir()
	routePath := filepath.Join(dir, "route.json")
	require.NoError(t, os.WriteFile(routePath, []byte(testRoute), 0o644))

	cfg := `
simulator:
  laps: 2
  interval: 1
  stop_duration: 1
  smooth_steps: 2
  smooth_interval: 1
  concurrent_routes: 1
store:
  target: ` + target + `
log:
  level: error
routes:
  - vehicle_id: "1"
    file: ` + routePath + `
  - vehicle_id: "2"
    file: ` + routePath + `
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestRun_MemoryStore(t *testing.T) {
	tracker := progress.NewTracker()
	require.NoError(t, run(context.Background(), writeRun(t, "memory://"), tracker))

	entries := tracker.Snapshot()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, progress.StatusFinished, e.Status, e.State.VehicleID)
		assert.NoError(t, e.Err)
		assert.Equal(t, simulator.Finished, e.State.Phase)
		assert.Equal(t, 2, e.State.CompletedLaps)
		// 2 waypoints, 2 laps, 3 records per segment
		assert.Equal(t, 12, e.State.Records)
	}
}

func TestRun_StoreUnavailable(t *testing.T) {
	tracker := progress.NewTracker()
	require.NoError(t, run(context.Background(), writeRun(t, "ftp://nowhere/db"), tracker))

	entries := tracker.Snapshot()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, progress.StatusFailed, e.Status, e.State.VehicleID)
		assert.ErrorIs(t, e.Err, publisher.ErrStoreUnavailable)
		assert.Equal(t, 0, e.State.Records)
	}
}

func TestRun_MissingConfig(t *testing.T) {
	assert.Error(t, run(context.Background(), filepath.Join(t.TempDir(), "none.yaml"), progress.NewTracker()))
}

func TestStartRoutes_DoesNotBlockAtLimit(t *testing.T) {
	group := &errgroup.Group{}
	group.SetLimit(1)
	release := make(chan struct{})
	group.Go(func() error {
		<-release
		return nil
	})

	rm := &routeManager{
		publisher: publisher.New(nil),
		tracker:   progress.NewTracker(),
		group:     group,
		ctx:       context.Background(),
		started:   make(map[string]struct{}),
		idle:      make(chan struct{}),
	}
	cfg := &config.AppConfig{
		Simulator: config.SimulatorConfig{Laps: 1, SmoothSteps: 1},
		Routes:    []config.RouteConfig{{VehicleID: "1", File: filepath.Join(t.TempDir(), "missing.json")}},
	}

	returned := make(chan struct{})
	go func() {
		rm.startRoutes(cfg)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("startRoutes blocked on the concurrency limit")
	}
	assert.Equal(t, progress.StatusPending, rm.tracker.Snapshot()[0].Status)

	close(release)
	require.NoError(t, rm.wait())
	assert.Equal(t, progress.StatusFailed, rm.tracker.Snapshot()[0].Status)
}

func TestLoadRoute_File(t *testing.T) {
	rm := &routeManager{ctx: context.Background()}
	dir := t.TempDir()
	path := filepath.Join(dir, "route.json")
	require.NoError(t, os.WriteFile(path, []byte(testRoute), 0o644))

	r, err := rm.loadRoute("", config.RouteConfig{VehicleID: "1", File: path})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 1, r.Stops())

	_, err = rm.loadRoute("", config.RouteConfig{VehicleID: "1", File: filepath.Join(dir, "missing.json")})
	assert.Error(t, err)

	_, err = rm.loadRoute("http://osrm", config.RouteConfig{VehicleID: "1", Source: "bad", Target: "1,2"})
	assert.Error(t, err)
}
