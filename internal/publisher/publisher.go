// Package publisher persists vehicle positions so that the store holds at
// most one live position per vehicle.
//
// The default prune strategy inserts the new position, lists the whole store
// and bulk-deletes every other document of the same vehicle. It needs no
// memory between calls but is not isolated from concurrent publishes: two
// overlapping publishes for one vehicle can each delete the other's record
// or leave both alive. The tracked strategy remembers the last reference
// written for each vehicle and deletes just that one, skipping the scan.
// After a failed delete it falls back to a prune on the vehicle's next
// publish, so the forgotten reference is still removed.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/musthaq16/vehicle-route-simulator/internal/mirror"
	"github.com/musthaq16/vehicle-route-simulator/internal/store"
	"github.com/musthaq16/vehicle-route-simulator/types"
)

var (
	// ErrStoreUnavailable is returned when the publisher has no store.
	ErrStoreUnavailable = store.ErrStoreUnavailable
	// ErrInsertFailed wraps the cause of a failed insert.
	ErrInsertFailed = errors.New("insert failed")
)

type Strategy int

const (
	// Prune inserts, scans the store and deletes stale records.
	Prune Strategy = iota
	// Tracked inserts and deletes the previously written record only.
	Tracked
)

func (s Strategy) String() string {
	if s == Tracked {
		return "tracked"
	}
	return "prune"
}

// ParseStrategy maps the configured strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "prune":
		return Prune, nil
	case "tracked":
		return Tracked, nil
	}
	return Prune, pkgerrors.Errorf("unknown publish strategy %q", name)
}

type Option func(*Publisher)

func WithStrategy(s Strategy) Option {
	return func(p *Publisher) { p.strategy = s }
}

// WithMirrors forwards every stored position to the given sinks.
func WithMirrors(sinks ...mirror.Sink) Option {
	return func(p *Publisher) { p.mirrors = append(p.mirrors, sinks...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

// Publisher is shared by all vehicles; it is safe for concurrent use.
type Publisher struct {
	store    store.Store
	strategy Strategy
	mirrors  []mirror.Sink
	log      *slog.Logger

	mu    sync.Mutex
	last  map[string]store.Ref
	dirty map[string]struct{} // vehicles whose last tracked delete failed
}

// New returns a publisher writing to s. A nil s is allowed: every Publish
// then fails with ErrStoreUnavailable.
func New(s store.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store: s,
		log:   slog.Default(),
		last:  make(map[string]store.Ref),
		dirty: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish stores f and removes the vehicle's previous positions. Only a
// missing store or a failed insert are reported; cleanup and mirror
// failures are logged and swallowed.
func (p *Publisher) Publish(ctx context.Context, f types.Feature) (store.Ref, error) {
	vehicleID := f.VehicleID()
	if p.store == nil {
		p.log.Error("store is not initialized, skipping insert", "vehicle", vehicleID)
		return store.Ref{}, ErrStoreUnavailable
	}

	ref, err := p.store.Insert(ctx, f)
	if err != nil {
		p.log.Error("insert failed", "vehicle", vehicleID, "err", err)
		return store.Ref{}, &InsertError{VehicleID: vehicleID, Err: err}
	}
	p.log.Info("inserted position", "vehicle", vehicleID, "id", ref.ID, "coordinates", f.Geometry.Coordinates)

	switch p.strategy {
	case Tracked:
		p.deleteTracked(ctx, vehicleID, ref)
	default:
		_ = p.prune(ctx, vehicleID, ref)
	}

	for _, sink := range p.mirrors {
		if err := sink.Send(ctx, f); err != nil {
			p.log.Warn("mirror failed", "vehicle", vehicleID, "sink", sink.Name(), "err", err)
		}
	}
	return ref, nil
}

// prune deletes every document of vehicleID except keep.
func (p *Publisher) prune(ctx context.Context, vehicleID string, keep store.Ref) error {
	docs, err := p.store.List(ctx)
	if err != nil {
		p.log.Error("error listing docs", "vehicle", vehicleID, "err", err)
		return err
	}
	stale := StaleRefs(docs, vehicleID, keep.ID)
	return p.delete(ctx, vehicleID, stale)
}

func (p *Publisher) deleteTracked(ctx context.Context, vehicleID string, ref store.Ref) {
	p.mu.Lock()
	prev, ok := p.last[vehicleID]
	_, dirty := p.dirty[vehicleID]
	p.last[vehicleID] = ref
	p.mu.Unlock()

	var err error
	switch {
	case dirty:
		err = p.prune(ctx, vehicleID, ref)
	case ok:
		err = p.delete(ctx, vehicleID, []store.Ref{prev})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.dirty[vehicleID] = struct{}{}
		return
	}
	delete(p.dirty, vehicleID)
}

func (p *Publisher) delete(ctx context.Context, vehicleID string, refs []store.Ref) error {
	if len(refs) == 0 {
		return nil
	}
	if err := p.store.BulkDelete(ctx, refs); err != nil {
		p.log.Error("error deleting docs", "vehicle", vehicleID, "count", len(refs), "err", err)
		return err
	}
	p.log.Debug("deleted previous docs", "vehicle", vehicleID, "count", len(refs))
	return nil
}

// StaleRefs selects the documents of vehicleID other than keepID.
func StaleRefs(docs []store.Document, vehicleID, keepID string) []store.Ref {
	var stale []store.Ref
	for _, d := range docs {
		if d.Feature.VehicleID() == vehicleID && d.ID != keepID {
			stale = append(stale, d.Ref)
		}
	}
	return stale
}

// InsertError matches ErrInsertFailed with errors.Is and unwraps to the
// store's error.
type InsertError struct {
	VehicleID string
	Err       error
}

func (e *InsertError) Error() string {
	return "insert position for vehicle " + e.VehicleID + ": " + e.Err.Error()
}

func (e *InsertError) Unwrap() error { return e.Err }

func (e *InsertError) Is(target error) bool { return target == ErrInsertFailed }

// Close closes the mirror sinks. The store is owned by the caller.
func (p *Publisher) Close() error {
	var errs []error
	for _, sink := range p.mirrors {
		if err := sink.Close(); err != nil {
			errs = append(errs, pkgerrors.Wrap(err, sink.Name()))
		}
	}
	return errors.Join(errs...)
}
