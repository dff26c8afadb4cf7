// Package backend defines the abstraction for compute backends that
// host CI runner instances.  Each backend (Docker, GCP, future cloud
// providers) implements the Backend interface so the reconciler remains
// compute-agnostic.
package backend

import "context"

// Backend is the contract every compute backend must satisfy.
//
// Instances are strictly ephemeral: each one registers a single-use
// runner agent, executes work, and is then permanently destroyed (not
// stopped, not paused).  Backends hold no authoritative state -- the
// runner repository is the source of truth, and List exists so the
// reconciler can detect drift between the two.
type Backend interface {
	// Name identifies the backend type (e.g. "docker", "gcp").
	Name() string

	// Create provisions an instance for the given spec and returns it
	// once the backend has confirmed the instance handle exists.  The
	// spec's Env carries the runner registration material as opaque
	// key/value pairs; how they reach the agent (container environment,
	// VM metadata) is backend-specific.
	//
	// Failures are reported as *ProvisionError so callers can separate
	// transient faults (retry with backoff) from permanent ones (give
	// up).  A retried create may leave a duplicate instance behind;
	// callers reconcile against List rather than trusting their own
	// retry bookkeeping.
	Create(ctx context.Context, spec InstanceSpec) (Instance, error)

	// Delete permanently destroys the instance identified by handle.
	// Deleting an already-deleted instance is a no-op success.
	// Failures are reported as *DeprovisionError.
	Delete(ctx context.Context, handle string) error

	// List returns the live instances tagged as belonging to the named
	// group.  This is the ground truth used for drift detection.
	List(ctx context.Context, group string) ([]Instance, error)

	// Describe reports the provider-level state of a single instance.
	// Returns ErrInstanceNotFound when the instance does not exist.
	Describe(ctx context.Context, handle string) (ProviderState, error)

	// Close releases the backend's API clients.  It does not touch
	// running instances.
	Close() error
}
