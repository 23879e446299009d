package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	StrategyPrune   = "prune"
	StrategyTracked = "tracked"
)

var (
	configMutex   sync.RWMutex
	currentConfig *AppConfig
)

// RouteConfig defines one simulated vehicle and where its route comes from:
// either a GeoJSON file, or an OSRM route between source and target.
type RouteConfig struct {
	VehicleID string       `mapstructure:"vehicle_id" yaml:"vehicle_id" validate:"required"`
	File      string       `mapstructure:"file" yaml:"file,omitempty" validate:"required_without=Source"`
	Source    string       `mapstructure:"source" yaml:"source,omitempty" validate:"required_without=File"` // "lat,lon"
	Target    string       `mapstructure:"target" yaml:"target,omitempty" validate:"required_with=Source"`  // "lat,lon"
	Imei      string       `mapstructure:"imei" yaml:"imei,omitempty" validate:"omitempty,len=15,numeric"`
	Stops     []StopConfig `mapstructure:"stops" yaml:"stops,omitempty" validate:"dive"`
}

type StopConfig struct {
	Location string `mapstructure:"location" yaml:"location" validate:"required"` // "lat,lon"
}

// SimulatorConfig controls playback timing.
type SimulatorConfig struct {
	Laps             int           `mapstructure:"laps" yaml:"laps" validate:"gte=1"`
	Interval         time.Duration `mapstructure:"interval" yaml:"interval" validate:"gte=0s"`
	StopDuration     time.Duration `mapstructure:"stop_duration" yaml:"stop_duration" validate:"gte=0s"`
	SmoothSteps      int           `mapstructure:"smooth_steps" yaml:"smooth_steps" validate:"gte=1"`
	SmoothInterval   time.Duration `mapstructure:"smooth_interval" yaml:"smooth_interval" validate:"gte=0s"`
	ConcurrentRoutes int           `mapstructure:"concurrent_routes" yaml:"concurrent_routes" validate:"gte=0"`
}

type StoreConfig struct {
	Target   string `mapstructure:"target" yaml:"target" validate:"required"`
	Strategy string `mapstructure:"strategy" yaml:"strategy" validate:"oneof=prune tracked"`
}

type BaseUrlConfig struct {
	BaseUrl string `mapstructure:"base_url" yaml:"base_url,omitempty" validate:"omitempty,url"`
}

type NSQConfig struct {
	Address string `mapstructure:"address" yaml:"address,omitempty" validate:"omitempty,hostname_port"`
	Topic   string `mapstructure:"topic" yaml:"topic,omitempty" validate:"required_with=Address"`
}

type TeltonikaConfig struct {
	Address string `mapstructure:"address" yaml:"address,omitempty" validate:"omitempty,hostname_port"`
}

type MirrorConfig struct {
	NSQ       NSQConfig       `mapstructure:"nsq" yaml:"nsq"`
	Teltonika TeltonikaConfig `mapstructure:"teltonika" yaml:"teltonika"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
}

// AppConfig holds entire config
type AppConfig struct {
	Simulator SimulatorConfig `mapstructure:"simulator" yaml:"simulator"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	OSRM      BaseUrlConfig   `mapstructure:"osrm" yaml:"osrm"`
	Mirror    MirrorConfig    `mapstructure:"mirror" yaml:"mirror"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Routes    []RouteConfig   `mapstructure:"routes" yaml:"routes" validate:"dive"`
}

// YAML renders the effective configuration.
func (c *AppConfig) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("simulator.laps", 1)
	v.SetDefault("simulator.interval", 500*time.Millisecond)
	v.SetDefault("simulator.stop_duration", 25*time.Second)
	v.SetDefault("simulator.smooth_steps", 10)
	v.SetDefault("simulator.smooth_interval", 100*time.Millisecond)
	v.SetDefault("simulator.concurrent_routes", 0)
	v.SetDefault("store.target", "http://127.0.0.1:5984/kotugo_bk")
	v.SetDefault("store.strategy", StrategyPrune)
	v.SetDefault("osrm.base_url", "")
	v.SetDefault("mirror.nsq.address", "")
	v.SetDefault("mirror.nsq.topic", "")
	v.SetDefault("mirror.teltonika.address", "")
	v.SetDefault("log.level", "info")

	// variable names used by existing deployments
	_ = v.BindEnv("simulator.laps", "simulator_number_of_runs")
	_ = v.BindEnv("simulator.interval", "simulator_event_interval")
	_ = v.BindEnv("simulator.stop_duration", "simulator_stop_duration")
	_ = v.BindEnv("store.target", "simulator_target_cloudant")
	return v
}

// load reads, decodes and validates the file behind v and makes the result
// the current configuration.
func load(v *viper.Viper) (*AppConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	configMutex.Lock()
	currentConfig = cfg
	configMutex.Unlock()
	return cfg, nil
}

// WatchConfig loads path and calls onChange after every valid revision of
// the file written afterwards; GetCurrentConfig returns that revision.
// Invalid revisions are logged and ignored.
func WatchConfig(path string, onChange func()) (*AppConfig, error) {
	v := newViper(path)
	cfg, err := load(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if _, err := load(v); err != nil {
			slog.Warn("ignoring invalid config change", "file", e.Name, "err", err)
			return
		}
		if onChange != nil {
			onChange()
		}
	})
	v.WatchConfig()
	return cfg, nil
}

// GetCurrentConfig returns the current configuration in a thread-safe way
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return currentConfig
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		millisecondsHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, err
	}
	if d, ok := bareNanoseconds(v.Get("simulator.stop_duration")); ok {
		cfg.Simulator.StopDuration = d
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints plus the rules that span sections.
func Validate(cfg *AppConfig) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(cfg.Routes))
	for _, r := range cfg.Routes {
		if _, dup := seen[r.VehicleID]; dup {
			return fmt.Errorf("duplicate vehicle_id %q", r.VehicleID)
		}
		seen[r.VehicleID] = struct{}{}
		if r.File == "" && cfg.OSRM.BaseUrl == "" {
			return fmt.Errorf("route %q uses source/target but osrm.base_url is not set", r.VehicleID)
		}
		if cfg.Mirror.Teltonika.Address != "" && r.Imei == "" {
			return fmt.Errorf("route %q needs an imei for the teltonika mirror", r.VehicleID)
		}
	}
	return nil
}

// bareNanoseconds reads a unitless string such as the "25000000000" older
// deployments export in simulator_stop_duration as nanoseconds.
func bareNanoseconds(raw any) (time.Duration, bool) {
	s, ok := raw.(string)
	if !ok {
		return 0, false
	}
	ns, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(ns), true
}

// millisecondsHook decodes durations. Bare numbers are milliseconds, anything
// else goes through time.ParseDuration.
func millisecondsHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch d := data.(type) {
		case time.Duration:
			return d, nil
		case string:
			s := strings.TrimSpace(d)
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				return time.Duration(ms) * time.Millisecond, nil
			}
			return time.ParseDuration(s)
		case int:
			return time.Duration(d) * time.Millisecond, nil
		case int64:
			return time.Duration(d) * time.Millisecond, nil
		case float64:
			return time.Duration(d * float64(time.Millisecond)), nil
		}
		return data, nil
	}
}
