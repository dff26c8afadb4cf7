// Package dispatch turns job-platform events into runner state
// transitions and reconciler kicks.  Events arrive from two producers:
// the webhook server (workflow_job deliveries) and the reconciler's
// platform poll (synthesized runner_online/runner_offline).
//
// Delivery is at-least-once and unordered.  The dispatcher drops exact
// duplicates by event ID, and every handler re-checks the runner's
// current state before transitioning so replays and out-of-order
// arrivals degrade to no-ops instead of corrupting the lifecycle.
package dispatch

import "time"

// Kind enumerates the platform events the fleet reacts to.
type Kind string

const (
	KindJobQueued     Kind = "job_queued"
	KindJobStarted    Kind = "job_started"
	KindJobCompleted  Kind = "job_completed"
	KindRunnerOnline  Kind = "runner_online"
	KindRunnerOffline Kind = "runner_offline"
)

// Event is one platform notification.  ID is the webhook delivery ID
// for webhook-borne events; synthesized events carry no ID and rely on
// the handlers' state checks alone.
type Event struct {
	ID   string
	Kind Kind
	Time time.Time

	// JobID and JobLabels are set on job_* events.
	JobID     string
	JobLabels []string

	// RunnerName is set on job_started, job_completed (when known),
	// runner_online and runner_offline.
	RunnerName string
}
