// Package simulator plays a vehicle along a closed-loop route, publishing an
// interpolated position for every sub-step of every segment.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/musthaq16/vehicle-route-simulator/internal/route"
	"github.com/musthaq16/vehicle-route-simulator/internal/store"
	"github.com/musthaq16/vehicle-route-simulator/types"
)

const (
	DefaultSteps          = 10
	DefaultSmoothInterval = 100 * time.Millisecond
	DefaultInterval       = 500 * time.Millisecond
	DefaultStopDuration   = 25 * time.Second
	DefaultLaps           = 1
)

// Publisher persists one position record.
type Publisher interface {
	Publish(ctx context.Context, f types.Feature) (store.Ref, error)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Phase is the player's position in its state machine.
type Phase int

const (
	AtWaypoint Phase = iota
	Interpolating
	LapComplete
	Finished
)

func (p Phase) String() string {
	switch p {
	case AtWaypoint:
		return "at_waypoint"
	case Interpolating:
		return "interpolating"
	case LapComplete:
		return "lap_complete"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// PlaybackState is a snapshot of one vehicle's progress.
type PlaybackState struct {
	VehicleID     string
	Phase         Phase
	Waypoint      int
	Step          int
	CompletedLaps int
	Records       int
}

type Option func(*Player)

// WithSteps sets the number of sub-steps S per segment; S+1 records are
// published per segment, fractions 0/S through S/S.
func WithSteps(n int) Option {
	return func(p *Player) { p.steps = n }
}

func WithSmoothInterval(d time.Duration) Option {
	return func(p *Player) { p.smooth = d }
}

func WithInterval(d time.Duration) Option {
	return func(p *Player) { p.interval = d }
}

func WithStopDuration(d time.Duration) Option {
	return func(p *Player) { p.stopDuration = d }
}

func WithLaps(n int) Option {
	return func(p *Player) { p.laps = n }
}

func WithSleeper(s Sleeper) Option {
	return func(p *Player) { p.sleep = s }
}

// WithStateHook is called with a copy of the state after every transition.
func WithStateHook(fn func(PlaybackState)) Option {
	return func(p *Player) { p.onState = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Player) { p.log = l }
}

// Player drives a single vehicle. It is not safe for concurrent use; run
// one player per goroutine.
type Player struct {
	route     *route.Route
	publisher Publisher

	steps        int
	smooth       time.Duration
	interval     time.Duration
	stopDuration time.Duration
	laps         int
	sleep        Sleeper
	onState      func(PlaybackState)
	log          *slog.Logger

	state PlaybackState
}

func NewPlayer(vehicleID string, r *route.Route, pub Publisher, opts ...Option) (*Player, error) {
	if vehicleID == "" {
		return nil, errors.New("vehicle id is required")
	}
	if r == nil || r.Len() == 0 {
		return nil, errors.Errorf("vehicle %s: route has no waypoints", vehicleID)
	}
	if pub == nil {
		return nil, errors.Errorf("vehicle %s: no publisher", vehicleID)
	}
	p := &Player{
		route:        r,
		publisher:    pub,
		steps:        DefaultSteps,
		smooth:       DefaultSmoothInterval,
		interval:     DefaultInterval,
		stopDuration: DefaultStopDuration,
		laps:         DefaultLaps,
		sleep:        Sleep,
		log:          slog.Default(),
		state:        PlaybackState{VehicleID: vehicleID, Phase: AtWaypoint},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.steps < 1 {
		return nil, errors.Errorf("vehicle %s: steps must be at least 1, got %d", vehicleID, p.steps)
	}
	if p.laps < 1 {
		return nil, errors.Errorf("vehicle %s: laps must be at least 1, got %d", vehicleID, p.laps)
	}
	p.log = p.log.With("vehicle", vehicleID)
	return p, nil
}

// State returns a copy of the current playback state.
func (p *Player) State() PlaybackState { return p.state }

// Run advances the vehicle until it has completed its laps. A publish failure
// halts playback at that step and is returned unchanged; cancellation of ctx
// returns ctx.Err().
func (p *Player) Run(ctx context.Context) error {
	p.log.Info("starting route", "waypoints", p.route.Len(), "stops", p.route.Stops(), "laps", p.laps)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch p.state.Phase {
		case AtWaypoint:
			if p.state.Waypoint == p.route.Len() {
				p.state.Waypoint = 0
				p.state.CompletedLaps++
				p.state.Phase = LapComplete
				p.log.Info("lap complete", "lap", p.state.CompletedLaps)
			} else {
				p.state.Step = 0
				p.state.Phase = Interpolating
			}
		case Interpolating:
			if err := p.step(ctx); err != nil {
				return err
			}
		case LapComplete:
			if p.state.CompletedLaps >= p.laps {
				p.state.Phase = Finished
			} else {
				p.state.Phase = AtWaypoint
			}
		case Finished:
			p.log.Info("route finished", "laps", p.state.CompletedLaps, "records", p.state.Records)
			return nil
		}
		p.report()
	}
}

// step publishes fraction Step/S of the current segment and waits.
func (p *Player) step(ctx context.Context) error {
	i, s := p.state.Waypoint, p.state.Step
	current := p.route.At(i)
	next := p.route.At(p.route.Next(i))

	t := float64(s) / float64(p.steps)
	record := p.record(current, Interpolate(current.Coordinate, next.Coordinate, t))
	if _, err := p.publisher.Publish(ctx, record); err != nil {
		p.log.Error("publish failed, stopping", "waypoint", i, "step", s, "err", err)
		return err
	}
	p.state.Records++

	if err := p.sleep(ctx, p.smooth); err != nil {
		return err
	}
	if s < p.steps {
		p.state.Step++
		return nil
	}

	wait := p.interval
	if current.IsStop {
		p.log.Debug("stopped at waypoint", "waypoint", i, "for", p.stopDuration)
		wait = p.stopDuration
	}
	if err := p.sleep(ctx, wait); err != nil {
		return err
	}
	p.state.Waypoint++
	p.state.Phase = AtWaypoint
	return nil
}

func (p *Player) record(w route.Waypoint, c types.Coordinate) types.Feature {
	props := w.CloneProperties()
	props[types.VehicleIDProperty] = p.state.VehicleID
	return types.Feature{
		Type:       "Feature",
		Geometry:   types.PointGeometry(c),
		Properties: props,
	}
}

func (p *Player) report() {
	if p.onState != nil {
		p.onState(p.state)
	}
}

// Interpolate returns the point at fraction t of the segment c→n. t=0 gives
// exactly c and t=1 exactly n.
func Interpolate(c, n types.Coordinate, t float64) types.Coordinate {
	return types.Coordinate{
		Lon: c.Lon*(1-t) + n.Lon*t,
		Lat: c.Lat*(1-t) + n.Lat*t,
	}
}

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
