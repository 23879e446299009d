// Package store persists position documents.
//
// Three backends implement Store: CouchDB/Cloudant (http:// and https://
// targets), SQLite (sqlite:// targets) and an in-process map (memory://).
// All of them are safe for concurrent use, but a List followed by a
// BulkDelete is never isolated from other writers.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/musthaq16/vehicle-route-simulator/types"
)

// ErrStoreUnavailable reports that no usable connection to the store exists.
var ErrStoreUnavailable = errors.New("store unavailable")

// Ref identifies one revision of a stored document.
type Ref struct {
	ID  string `json:"_id"`
	Rev string `json:"_rev"`
}

// Document is a stored position with its identity.
type Document struct {
	Ref
	Feature types.Feature
}

// Info is the database metadata checked at startup.
type Info struct {
	Backend  string
	Name     string
	DocCount int64
}

type Store interface {
	// Insert stores f as a new document.
	Insert(ctx context.Context, f types.Feature) (Ref, error)
	// List returns every document with its body.
	List(ctx context.Context) ([]Document, error)
	// BulkDelete removes the given revisions. Partial failure is reported
	// as *BulkDeleteError.
	BulkDelete(ctx context.Context, refs []Ref) error
	Info(ctx context.Context) (Info, error)
	Close() error
}

// UnavailableError is returned by Open when the target cannot be used.
// It matches ErrStoreUnavailable with errors.Is.
type UnavailableError struct {
	Target string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store %s unavailable: %v", e.Target, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

// BulkDeleteError lists the revisions a bulk delete could not remove.
type BulkDeleteError struct {
	Requested int
	Failed    []Ref
	Causes    []error
}

func (e *BulkDeleteError) Error() string {
	if len(e.Causes) > 0 {
		return fmt.Sprintf("deleted %d of %d documents: %v", e.Requested-len(e.Failed), e.Requested, e.Causes[0])
	}
	return fmt.Sprintf("deleted %d of %d documents", e.Requested-len(e.Failed), e.Requested)
}

func (e *BulkDeleteError) add(ref Ref, cause error) {
	e.Failed = append(e.Failed, ref)
	e.Causes = append(e.Causes, cause)
}

func (e *BulkDeleteError) orNil() error {
	if len(e.Failed) == 0 {
		return nil
	}
	return e
}

// Open connects to target and fetches the database metadata once, so a
// missing database fails here. Supported targets are
// "http(s)://host[:port]/dbname", "sqlite://path" and "memory://".
func Open(ctx context.Context, target string) (Store, Info, error) {
	var (
		s   Store
		err error
	)
	switch {
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		s, err = openCouch(target)
	case strings.HasPrefix(target, "sqlite://"):
		s, err = openSQLite(ctx, strings.TrimPrefix(target, "sqlite://"))
	case strings.HasPrefix(target, "memory://"):
		s = NewMemory(strings.TrimPrefix(target, "memory://"))
	default:
		err = errors.New("unsupported target scheme")
	}
	if err != nil {
		return nil, Info{}, &UnavailableError{Target: target, Err: err}
	}
	info, err := s.Info(ctx)
	if err != nil {
		_ = s.Close()
		return nil, Info{}, &UnavailableError{Target: target, Err: err}
	}
	return s, info, nil
}
