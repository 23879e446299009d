package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
routes:
  - vehicle_id: "1"
    file: routes/colombo.json
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func loadFile(path string) (*AppConfig, error) {
	return load(newViper(path))
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadFile(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, SimulatorConfig{
		Laps:             1,
		Interval:         500 * time.Millisecond,
		StopDuration:     25 * time.Second,
		SmoothSteps:      10,
		SmoothInterval:   100 * time.Millisecond,
		ConcurrentRoutes: 0,
	}, cfg.Simulator)
	assert.Equal(t, "http://127.0.0.1:5984/kotugo_bk", cfg.Store.Target)
	assert.Equal(t, StrategyPrune, cfg.Store.Strategy)
	assert.Equal(t, "info", cfg.Log.Level)
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "routes/colombo.json", cfg.Routes[0].File)
	assert.Same(t, cfg, GetCurrentConfig())
}

func TestLoadConfig_File(t *testing.T) {
	cfg, err := loadFile(writeConfig(t, `
simulator:
  laps: 3
  interval: 2s
  stop_duration: 1500
  smooth_steps: 4
  smooth_interval: 50ms
  concurrent_routes: 2
store:
  target: sqlite://positions.db
  strategy: tracked
osrm:
  base_url: http://router.project-osrm.org
mirror:
  nsq:
    address: 127.0.0.1:4150
    topic: positions
log:
  level: debug
routes:
  - vehicle_id: "1"
    source: "6.927079,79.861243"
    target: "7.290572,80.633728"
    stops:
      - location: "7.008,80.000"
  - vehicle_id: "2"
    file: routes/loop.json
`))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Simulator.Laps)
	assert.Equal(t, 2*time.Second, cfg.Simulator.Interval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Simulator.StopDuration)
	assert.Equal(t, 4, cfg.Simulator.SmoothSteps)
	assert.Equal(t, 50*time.Millisecond, cfg.Simulator.SmoothInterval)
	assert.Equal(t, 2, cfg.Simulator.ConcurrentRoutes)
	assert.Equal(t, StrategyTracked, cfg.Store.Strategy)
	assert.Equal(t, "positions", cfg.Mirror.NSQ.Topic)

	require.Len(t, cfg.Routes, 2)
	assert.Equal(t, []StopConfig{{Location: "7.008,80.000"}}, cfg.Routes[0].Stops)
}

func TestLoadConfig_LegacyEnv(t *testing.T) {
	t.Setenv("simulator_number_of_runs", "3")
	t.Setenv("simulator_event_interval", "250")
	t.Setenv("simulator_stop_duration", "2s")
	t.Setenv("simulator_target_cloudant", "memory://")

	cfg, err := loadFile(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Simulator.Laps)
	assert.Equal(t, 250*time.Millisecond, cfg.Simulator.Interval)
	assert.Equal(t, 2*time.Second, cfg.Simulator.StopDuration)
	assert.Equal(t, "memory://", cfg.Store.Target)
}

func TestLoadConfig_LegacyStopDurationNanoseconds(t *testing.T) {
	t.Setenv("simulator_stop_duration", "25000000000")
	t.Setenv("simulator_event_interval", "500")

	cfg, err := loadFile(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, 25*time.Second, cfg.Simulator.StopDuration)
	assert.Equal(t, 500*time.Millisecond, cfg.Simulator.Interval)
}

func TestLoadConfig_StopDurationFromFile(t *testing.T) {
	cfg, err := loadFile(writeConfig(t, "simulator:\n  stop_duration: 3s\n"+minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Simulator.StopDuration)
}

func TestLoadConfig_NestedEnv(t *testing.T) {
	t.Setenv("SIMULATOR_SMOOTH_STEPS", "6")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := loadFile(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Simulator.SmoothSteps)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero laps", "simulator:\n  laps: 0\n" + minimalConfig},
		{"zero steps", "simulator:\n  smooth_steps: 0\n" + minimalConfig},
		{"unknown strategy", "store:\n  strategy: upsert\n" + minimalConfig},
		{"unknown log level", "log:\n  level: trace\n" + minimalConfig},
		{"missing vehicle id", "routes:\n  - file: a.json\n"},
		{"no route source", "routes:\n  - vehicle_id: \"1\"\n"},
		{"source without target", "osrm:\n  base_url: http://osrm\nroutes:\n  - vehicle_id: \"1\"\n    source: \"1,2\"\n"},
		{"source without osrm", "routes:\n  - vehicle_id: \"1\"\n    source: \"1,2\"\n    target: \"3,4\"\n"},
		{"duplicate vehicle", "routes:\n  - vehicle_id: \"1\"\n    file: a.json\n  - vehicle_id: \"1\"\n    file: b.json\n"},
		{"short imei", "routes:\n  - vehicle_id: \"1\"\n    file: a.json\n    imei: \"1234\"\n"},
		{"teltonika without imei", "mirror:\n  teltonika:\n    address: 127.0.0.1:5027\n" + minimalConfig},
		{"nsq without topic", "mirror:\n  nsq:\n    address: 127.0.0.1:4150\n" + minimalConfig},
		{"bad duration", "simulator:\n  interval: soon\n" + minimalConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadFile(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := loadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestAppConfig_YAML(t *testing.T) {
	cfg, err := loadFile(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "vehicle_id: \"1\"")
	assert.Contains(t, out, "strategy: prune")
	assert.NotContains(t, out, "imei")
}

func TestWatchConfig(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	changes := make(chan *AppConfig, 16)

	cfg, err := WatchConfig(path, func() { changes <- GetCurrentConfig() })
	require.NoError(t, err)
	require.Len(t, cfg.Routes, 1)

	updated := minimalConfig + "  - vehicle_id: \"2\"\n    file: routes/loop.json\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			// a write can surface as more than one event; wait for the full file
			if len(c.Routes) != 2 {
				continue
			}
			assert.Equal(t, "2", c.Routes[1].VehicleID)
			return
		case <-timeout:
			t.Fatal("no config change observed")
		}
	}
}
