package backend

import (
	"errors"
	"fmt"
)

// ErrInstanceNotFound is returned by Describe when the requested
// instance does not exist.
var ErrInstanceNotFound = errors.New("instance not found")

// ProvisionError wraps a failed Create call.  Transient marks faults
// worth retrying with backoff (rate limits, timeouts, 5xx); permanent
// faults (bad image, quota configuration, invalid request) are not.
type ProvisionError struct {
	Transient bool
	Err       error
}

func (e *ProvisionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("provision (%s): %v", kind, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// DeprovisionError wraps a failed Delete call, with the same
// transient/permanent split as ProvisionError.
type DeprovisionError struct {
	Transient bool
	Err       error
}

func (e *DeprovisionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("deprovision (%s): %v", kind, e.Err)
}

func (e *DeprovisionError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a backend error marked transient.
// Unrecognized errors are treated as permanent.
func IsTransient(err error) bool {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	var de *DeprovisionError
	if errors.As(err, &de) {
		return de.Transient
	}
	return false
}
