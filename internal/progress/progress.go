// Package progress keeps the playback state of every vehicle in this process
// and renders it as a summary table. Nothing is persisted across restarts.
package progress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/musthaq16/vehicle-route-simulator/internal/simulator"
)

const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Entry is the last known progress of one vehicle.
type Entry struct {
	State     simulator.PlaybackState
	Laps      int
	Status    string
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*Entry), now: time.Now}
}

// Start registers a vehicle that will run the given number of laps.
func (t *Tracker) Start(vehicleID string, laps int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[vehicleID] = &Entry{
		State:     simulator.PlaybackState{VehicleID: vehicleID},
		Laps:      laps,
		Status:    StatusPending,
		StartedAt: t.now(),
	}
}

// Update records a state reported by a player.
func (t *Tracker) Update(s simulator.PlaybackState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(s.VehicleID)
	e.State = s
	if e.Status == StatusPending {
		e.Status = StatusRunning
	}
}

// Finish marks a vehicle done; a non-nil err marks it failed.
func (t *Tracker) Finish(vehicleID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(vehicleID)
	e.EndedAt = t.now()
	e.Err = err
	if err != nil {
		e.Status = StatusFailed
		return
	}
	e.Status = StatusFinished
}

func (t *Tracker) entry(vehicleID string) *Entry {
	e, ok := t.entries[vehicleID]
	if !ok {
		e = &Entry{State: simulator.PlaybackState{VehicleID: vehicleID}, Status: StatusPending, StartedAt: t.now()}
		t.entries[vehicleID] = e
	}
	return e
}

// Snapshot returns copies of all entries ordered by vehicle id.
func (t *Tracker) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].State.VehicleID < out[j].State.VehicleID })
	return out
}

// Render writes the summary table to w.
func (t *Tracker) Render(w io.Writer) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Vehicle", "Laps", "Waypoint", "Records", "Elapsed", "Status"})

	total := 0
	for _, e := range t.Snapshot() {
		total += e.State.Records
		status := e.Status
		if e.Err != nil {
			status = fmt.Sprintf("%s: %v", e.Status, e.Err)
		}
		end := e.EndedAt
		if end.IsZero() {
			end = t.now()
		}
		tw.AppendRow(table.Row{
			e.State.VehicleID,
			fmt.Sprintf("%d/%d", e.State.CompletedLaps, e.Laps),
			e.State.Waypoint,
			e.State.Records,
			end.Sub(e.StartedAt).Round(time.Second),
			status,
		})
	}
	tw.AppendFooter(table.Row{"", "", "Total", total, "", ""})
	tw.Render()
}

// WithSignalHandler returns a context cancelled on SIGINT or SIGTERM.
func WithSignalHandler(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received termination signal, stopping vehicles", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
