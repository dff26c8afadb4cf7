// Package store persists runner records.  Two implementations exist:
// Memory for single-process deployments and tests, and Redis for
// deployments that must survive a manager restart with their fleet
// intact.
//
// The store holds only runner records.  Queued-job state is a transient
// projection owned by the dispatcher and is rebuilt from webhook
// traffic after a restart.
package store

import (
	"context"
	"errors"

	"github.com/paddock-ci/paddock/internal/fleet"
)

// ErrNotFound is returned when no runner record matches the lookup.
var ErrNotFound = errors.New("runner not found")

// Store is the runner repository.  Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the runner with the given id.
	Get(ctx context.Context, id string) (*fleet.Runner, error)

	// FindByName resolves a runner by its registration name.
	FindByName(ctx context.Context, name string) (*fleet.Runner, error)

	// List returns the runners in a group; an empty group returns every
	// runner across all groups.
	List(ctx context.Context, group string) ([]*fleet.Runner, error)

	// Upsert writes the record, replacing any existing record with the
	// same id.
	Upsert(ctx context.Context, runner *fleet.Runner) error

	// Update applies fn to the current record and persists the result.
	// Concurrent Updates of the same id serialize; lost updates are not
	// possible.  fn returning an error aborts without persisting and
	// that error is returned verbatim.
	Update(ctx context.Context, id string, fn func(*fleet.Runner) error) (*fleet.Runner, error)

	// Delete removes the record.  Deleting a missing id is a no-op.
	Delete(ctx context.Context, id string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
