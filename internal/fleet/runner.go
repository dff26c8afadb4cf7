package fleet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Runner is one provisioned (or provisioning) compute unit.  A Runner
// always belongs to exactly one group; its backend handle, once
// assigned, is immutable for the lifetime of the record -- replacing an
// instance means creating a new Runner with a new identifier.
type Runner struct {
	// ID uniquely identifies the record.
	ID string `json:"id"`

	// Name is the registration name the runner agent uses against the
	// job platform.  It doubles as the instance name in the backend.
	Name string `json:"name"`

	// Group is the owning RunnerGroup's name.
	Group string `json:"group"`

	// Handle is the backend-assigned instance handle.  Empty until the
	// backend confirms creation.
	Handle string `json:"handle,omitempty"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// Labels is the template label set the runner was created with.
	// Runners are grandfathered under their creation-time template:
	// later template changes apply only to new instances.
	Labels []string `json:"labels,omitempty"`

	// TemplateHash fingerprints the template the runner was built from
	// and is stamped onto the instance for drift comparison.
	TemplateHash string `json:"template_hash,omitempty"`

	// JobID is the identifier of the assigned job.  Empty unless busy.
	JobID string `json:"job_id,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	StateChangedAt time.Time `json:"state_changed_at"`

	// LastActiveAt tracks the most recent job activity (or readiness)
	// and drives the idle-timeout sweep.
	LastActiveAt time.Time `json:"last_active_at"`

	// DeleteAttempts counts completed but unsuccessful backend delete
	// rounds.  Past the reconciler's retry budget the record is purged
	// even without a confirmed deletion.
	DeleteAttempts int `json:"delete_attempts,omitempty"`
}

// NewRunner creates a requested Runner for the group, snapshotting the
// group's current template.
func NewRunner(g Group, now time.Time) *Runner {
	labels := make([]string, len(g.Template.Labels))
	copy(labels, g.Template.Labels)

	return &Runner{
		ID:             uuid.NewString(),
		Name:           fmt.Sprintf("%s-%s", g.Name, uuid.NewString()[:8]),
		Group:          g.Name,
		State:          StateRequested,
		Labels:         labels,
		TemplateHash:   g.Template.Hash(),
		CreatedAt:      now,
		StateChangedAt: now,
		LastActiveAt:   now,
	}
}

// Transition moves the runner to next if the lifecycle graph permits it
// and records the change time.
func (r *Runner) Transition(next State, now time.Time) error {
	if !r.State.CanTransition(next) {
		return invalidTransition(r.State, next)
	}
	r.State = next
	r.StateChangedAt = now
	return nil
}

// AssignHandle records the backend instance handle.  Re-assigning the
// same handle is a no-op; assigning a different one is rejected.
func (r *Runner) AssignHandle(handle string) error {
	if handle == "" {
		return fmt.Errorf("runner %s: empty handle", r.ID)
	}
	if r.Handle != "" && r.Handle != handle {
		return fmt.Errorf("runner %s: handle already assigned (%s, got %s)", r.ID, r.Handle, handle)
	}
	r.Handle = handle
	return nil
}

// Busy reports whether the runner is executing a job.
func (r *Runner) Busy() bool { return r.State == StateBusy }

// IdleFor returns how long the runner has been without job activity.
func (r *Runner) IdleFor(now time.Time) time.Duration {
	return now.Sub(r.LastActiveAt)
}

// Age returns the time elapsed since the record was created.
func (r *Runner) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// InState returns how long the runner has been in its current state.
func (r *Runner) InState(now time.Time) time.Duration {
	return now.Sub(r.StateChangedAt)
}

// Clone returns a deep copy, so stores can hand out records without
// exposing shared mutable slices.
func (r *Runner) Clone() *Runner {
	cp := *r
	if r.Labels != nil {
		cp.Labels = make([]string, len(r.Labels))
		copy(cp.Labels, r.Labels)
	}
	return &cp
}
