package fleet

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Template describes the instance a group provisions: which image to
// boot, how large the instance should be (backend-specific: a machine
// type for VMs, an optional memory limit for containers), and the
// capability labels jobs match against.
type Template struct {
	Image  string
	Size   string
	Labels []string
}

// Hash fingerprints the template.  Label order does not affect the
// result.  The hash is stamped onto instances at creation so drift
// reconciliation can tell grandfathered instances from stale ones.
func (t Template) Hash() string {
	labels := make([]string, len(t.Labels))
	for i, l := range t.Labels {
		labels[i] = strings.ToLower(strings.TrimSpace(l))
	}
	sort.Strings(labels)

	h := sha256.New()
	h.Write([]byte(t.Image))
	h.Write([]byte{0})
	h.Write([]byte(t.Size))
	for _, l := range labels {
		h.Write([]byte{0})
		h.Write([]byte(l))
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// Matches reports whether a job requiring the given labels can run on
// instances of this template.  Every required label must be present;
// comparison is case-insensitive.  A job with no labels matches nothing
// -- the platform always sends at least one label for self-hosted work.
func (t Template) Matches(jobLabels []string) bool {
	if len(jobLabels) == 0 {
		return false
	}
	have := make(map[string]struct{}, len(t.Labels))
	for _, l := range t.Labels {
		have[strings.ToLower(strings.TrimSpace(l))] = struct{}{}
	}
	for _, l := range jobLabels {
		if _, ok := have[strings.ToLower(strings.TrimSpace(l))]; !ok {
			return false
		}
	}
	return true
}

// Group is a named scaling policy: capacity bounds, the backend that
// provisions its instances, the instance template, and the timeouts
// governing each lifecycle phase.  Groups are created by operator
// configuration and never auto-deleted.
type Group struct {
	Name    string
	Backend string

	// MinRunners/MaxRunners bound the group's capacity.  min <= max is
	// enforced at configuration load.
	MinRunners int
	MaxRunners int

	Template Template

	// IdleTimeout drains a runner that has gone this long without job
	// activity.
	IdleTimeout time.Duration

	// ProvisioningTimeout bounds the time from backend create until the
	// instance handle is confirmed.
	ProvisioningTimeout time.Duration

	// RegistrationTimeout bounds the time from instance confirmation
	// until the runner agent reports ready.
	RegistrationTimeout time.Duration

	// MaxLifetime, when positive, drains any non-busy runner older than
	// this regardless of activity.  Zero disables the sweep.
	MaxLifetime time.Duration
}

// Matches reports whether a job with the given labels belongs to this
// group.
func (g Group) Matches(jobLabels []string) bool {
	return g.Template.Matches(jobLabels)
}

// Job is a unit of pending work surfaced by the job platform.  The
// fleet holds jobs only as a transient projection to drive scaling;
// the platform remains the owner.
type Job struct {
	ID       string
	Labels   []string
	QueuedAt time.Time

	// Runner is the name of the assigned runner, empty until the
	// platform reports the job started.
	Runner string
}

// Assigned reports whether the job has been picked up by a runner.
func (j Job) Assigned() bool { return j.Runner != "" }
