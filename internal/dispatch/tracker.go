package dispatch

import (
	"sync"
	"time"

	"github.com/paddock-ci/paddock/internal/fleet"
)

// Tracker is the in-memory projection of queued and running jobs.  It
// exists to answer one question for the reconciler -- how many queued
// jobs match a group -- and is deliberately lossy: entries expire after
// a TTL so a missed job_completed webhook cannot pin demand forever,
// and the projection simply rebuilds from webhook traffic after a
// restart.
type Tracker struct {
	mu   sync.Mutex
	jobs map[string]*fleet.Job
	ttl  time.Duration
}

// NewTracker creates a Tracker whose queued entries expire after ttl.
func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		jobs: make(map[string]*fleet.Job),
		ttl:  ttl,
	}
}

// Add records a queued job.  Re-adding a known job ID is a no-op, so
// duplicate job_queued deliveries do not inflate demand.
func (t *Tracker) Add(job fleet.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.jobs[job.ID]; ok {
		return
	}
	t.jobs[job.ID] = &job
}

// Assign marks the job as running on the named runner.  Unknown job
// IDs are recorded as assigned entries so a job_started arriving before
// (or without) its job_queued still parks demand bookkeeping correctly.
func (t *Tracker) Assign(jobID, runnerName string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[jobID]
	if !ok {
		job = &fleet.Job{ID: jobID, QueuedAt: now}
		t.jobs[jobID] = job
	}
	job.Runner = runnerName
}

// Complete drops the job from the projection.  Unknown IDs are a no-op.
func (t *Tracker) Complete(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.jobs, jobID)
}

// QueuedMatching counts unassigned jobs whose labels the group serves.
func (t *Tracker) QueuedMatching(group fleet.Group) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, job := range t.jobs {
		if job.Assigned() {
			continue
		}
		if group.Matches(job.Labels) {
			n++
		}
	}
	return n
}

// Sweep expires queued jobs older than the TTL and returns how many
// were dropped.  Assigned jobs are kept: their lifetime is bounded by
// the runner's own lifecycle, not the queue TTL.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for id, job := range t.jobs {
		if job.Assigned() {
			continue
		}
		if now.Sub(job.QueuedAt) > t.ttl {
			delete(t.jobs, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked jobs, assigned included.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.jobs)
}
