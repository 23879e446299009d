// Package mirror fans stored positions out to secondary consumers. Mirrors
// are best effort: the publisher logs their errors and carries on.
package mirror

import (
	"context"

	"github.com/musthaq16/vehicle-route-simulator/types"
)

type Sink interface {
	Name() string
	Send(ctx context.Context, f types.Feature) error
	Close() error
}
