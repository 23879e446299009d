package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/musthaq16/vehicle-route-simulator/internal/config"
	"github.com/musthaq16/vehicle-route-simulator/internal/mirror"
	"github.com/musthaq16/vehicle-route-simulator/internal/osrm"
	"github.com/musthaq16/vehicle-route-simulator/internal/progress"
	"github.com/musthaq16/vehicle-route-simulator/internal/publisher"
	"github.com/musthaq16/vehicle-route-simulator/internal/route"
	"github.com/musthaq16/vehicle-route-simulator/internal/simulator"
	"github.com/musthaq16/vehicle-route-simulator/internal/store"
	"github.com/musthaq16/vehicle-route-simulator/types"
)

const storeOpenTimeout = 10 * time.Second

type routeManager struct {
	publisher  *publisher.Publisher
	tracker    *progress.Tracker
	teltonika  *mirror.Teltonika
	httpClient *http.Client
	group      *errgroup.Group
	ctx        context.Context

	mu      sync.Mutex
	started map[string]struct{} // vehicle ids ever started in this process
	running int
	closed  bool
	idle    chan struct{}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	ctx, cancel := progress.WithSignalHandler(context.Background())
	defer cancel()

	tracker := progress.NewTracker()
	err := run(ctx, *configPath, tracker)
	tracker.Render(os.Stdout)
	if err != nil {
		slog.Error("simulator stopped", "err", err)
		os.Exit(1)
	}
}

// run plays every configured vehicle to completion and reports each one's
// progress to tracker.
func run(ctx context.Context, configPath string, tracker *progress.Tracker) error {
	manager := &routeManager{
		tracker:    tracker,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		ctx:        ctx,
		started:    make(map[string]struct{}),
		idle:       make(chan struct{}),
	}

	cfg, err := config.WatchConfig(configPath, func() {
		c := config.GetCurrentConfig()
		slog.Info("config changed, starting new routes", "routes", len(c.Routes))
		manager.startRoutes(c)
	})
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log.Level))
	if dump, err := cfg.YAML(); err == nil {
		slog.Debug("effective config\n" + dump)
	}

	strategy, err := publisher.ParseStrategy(cfg.Store.Strategy)
	if err != nil {
		return err
	}

	// A nil store is passed on, so every vehicle halts at its first publish.
	var st store.Store
	openCtx, cancelOpen := context.WithTimeout(ctx, storeOpenTimeout)
	s, info, err := store.Open(openCtx, cfg.Store.Target)
	cancelOpen()
	if err != nil {
		slog.Error("error connecting to the store", "target", cfg.Store.Target, "err", err)
	} else {
		st = s
		defer st.Close()
		slog.Info("connected to store", "backend", info.Backend, "db", info.Name, "docs", info.DocCount)
	}

	sinks := manager.buildMirrors(cfg)
	manager.publisher = publisher.New(st, publisher.WithStrategy(strategy), publisher.WithMirrors(sinks...))
	defer func() {
		if err := manager.publisher.Close(); err != nil {
			slog.Warn("error closing mirrors", "err", err)
		}
	}()

	group := &errgroup.Group{}
	if n := cfg.Simulator.ConcurrentRoutes; n > 0 {
		group.SetLimit(n)
	}
	manager.mu.Lock()
	manager.group = group
	manager.mu.Unlock()

	manager.startRoutes(cfg)
	slog.Info("started all routes, waiting for completion or signal")
	err = manager.wait()

	if errors.Is(ctx.Err(), context.Canceled) {
		slog.Info("all routes stopped")
		return nil
	}
	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// buildMirrors connects the configured sinks. A sink that cannot connect is
// logged and left out.
func (rm *routeManager) buildMirrors(cfg *config.AppConfig) []mirror.Sink {
	var sinks []mirror.Sink
	if addr := cfg.Mirror.NSQ.Address; addr != "" {
		n, err := mirror.NewNSQ(addr, cfg.Mirror.NSQ.Topic)
		if err != nil {
			slog.Warn("nsq mirror disabled", "err", err)
		} else {
			sinks = append(sinks, n)
		}
	}
	if addr := cfg.Mirror.Teltonika.Address; addr != "" {
		rm.teltonika = mirror.NewTeltonika(addr, nil)
		sinks = append(sinks, rm.teltonika)
	}
	return sinks
}

// startRoutes starts every configured vehicle that has not been started yet.
// It does not wait for a free slot under the concurrency limit.
func (rm *routeManager) startRoutes(cfg *config.AppConfig) {
	rm.mu.Lock()
	if rm.closed || rm.group == nil {
		rm.mu.Unlock()
		return
	}
	var pending []config.RouteConfig
	for _, r := range cfg.Routes {
		if _, exists := rm.started[r.VehicleID]; exists {
			continue
		}
		rm.started[r.VehicleID] = struct{}{}
		rm.running++
		rm.tracker.Start(r.VehicleID, cfg.Simulator.Laps)
		if rm.teltonika != nil && r.Imei != "" {
			rm.teltonika.Register(r.VehicleID, r.Imei)
		}
		pending = append(pending, r)
	}
	group := rm.group
	rm.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	// Go blocks while the concurrency limit is reached.
	go func() {
		for _, r := range pending {
			r := r
			group.Go(func() error {
				defer rm.done()
				rm.runVehicle(cfg.Simulator, cfg.OSRM.BaseUrl, r)
				return nil
			})
		}
	}()
}

func (rm *routeManager) done() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.running--
	if rm.running == 0 && !rm.closed {
		rm.closed = true
		close(rm.idle)
	}
}

// wait blocks until every started vehicle has returned. No vehicle is
// started afterwards.
func (rm *routeManager) wait() error {
	rm.mu.Lock()
	if rm.running == 0 && !rm.closed {
		rm.closed = true
		close(rm.idle)
	}
	group := rm.group
	rm.mu.Unlock()

	<-rm.idle
	return group.Wait()
}

func (rm *routeManager) runVehicle(sim config.SimulatorConfig, osrmURL string, rc config.RouteConfig) {
	log := slog.With("vehicle", rc.VehicleID)

	r, err := rm.loadRoute(osrmURL, rc)
	if err != nil {
		log.Error("route load failed", "err", err)
		rm.tracker.Finish(rc.VehicleID, err)
		return
	}

	player, err := simulator.NewPlayer(rc.VehicleID, r, rm.publisher,
		simulator.WithSteps(sim.SmoothSteps),
		simulator.WithSmoothInterval(sim.SmoothInterval),
		simulator.WithInterval(sim.Interval),
		simulator.WithStopDuration(sim.StopDuration),
		simulator.WithLaps(sim.Laps),
		simulator.WithStateHook(rm.tracker.Update),
	)
	if err != nil {
		log.Error("invalid player", "err", err)
		rm.tracker.Finish(rc.VehicleID, err)
		return
	}

	err = player.Run(rm.ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		log.Info("route stopped", "waypoint", player.State().Waypoint, "lap", player.State().CompletedLaps)
	default:
		log.Error("route halted", "err", err)
	}
	rm.tracker.Finish(rc.VehicleID, err)
}

// loadRoute reads the route file, or asks OSRM for a path between source
// and target and marks the configured stops on it.
func (rm *routeManager) loadRoute(osrmURL string, rc config.RouteConfig) (*route.Route, error) {
	if rc.File != "" {
		return route.LoadFile(rc.File)
	}

	src, err := osrm.ParseCoord(rc.Source)
	if err != nil {
		return nil, err
	}
	dst, err := osrm.ParseCoord(rc.Target)
	if err != nil {
		return nil, err
	}
	stops := make([]types.Coordinate, 0, len(rc.Stops))
	for _, s := range rc.Stops {
		c, err := osrm.ParseCoord(s.Location)
		if err != nil {
			return nil, err
		}
		stops = append(stops, c)
	}

	points, err := osrm.NewClient(osrmURL, rm.httpClient).Route(rm.ctx, src, dst)
	if err != nil {
		return nil, err
	}
	return route.FromCoordinates(points, stops, route.DefaultStopToleranceKM)
}
