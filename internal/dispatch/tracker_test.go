package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/paddock-ci/paddock/internal/fleet"
)

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type TrackerSuite struct {
	suite.Suite
	base time.Time
}

func (s *TrackerSuite) SetupTest() {
	s.base = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
}

func (s *TrackerSuite) group(labels ...string) fleet.Group {
	return fleet.Group{
		Name:     "ci-small",
		Template: fleet.Template{Image: "ghcr.io/paddock/runner:latest", Labels: labels},
	}
}

func (s *TrackerSuite) job(id string, labels ...string) fleet.Job {
	return fleet.Job{ID: id, Labels: labels, QueuedAt: s.base}
}

func TestTrackerSuite(t *testing.T) {
	suite.Run(t, new(TrackerSuite))
}

// ---------------------------------------------------------------------------
// Add / Complete
// ---------------------------------------------------------------------------

func (s *TrackerSuite) TestAdd_DuplicateDoesNotInflateDemand() {
	tr := NewTracker(time.Hour)

	tr.Add(s.job("job-1", "self-hosted"))
	tr.Add(s.job("job-1", "self-hosted"))

	assert.Equal(s.T(), 1, tr.Len())
	assert.Equal(s.T(), 1, tr.QueuedMatching(s.group("self-hosted")))
}

func (s *TrackerSuite) TestComplete_RemovesJob() {
	tr := NewTracker(time.Hour)
	tr.Add(s.job("job-1", "self-hosted"))

	tr.Complete("job-1")

	assert.Equal(s.T(), 0, tr.Len())
}

func (s *TrackerSuite) TestComplete_UnknownJobIsNoop() {
	tr := NewTracker(time.Hour)
	tr.Add(s.job("job-1", "self-hosted"))

	tr.Complete("never-seen")

	assert.Equal(s.T(), 1, tr.Len())
}

// ---------------------------------------------------------------------------
// Assignment
// ---------------------------------------------------------------------------

func (s *TrackerSuite) TestAssign_RemovesJobFromQueuedDemand() {
	tr := NewTracker(time.Hour)
	tr.Add(s.job("job-1", "self-hosted"))
	tr.Add(s.job("job-2", "self-hosted"))

	tr.Assign("job-1", "runner-a", s.base.Add(time.Minute))

	assert.Equal(s.T(), 1, tr.QueuedMatching(s.group("self-hosted")))
	assert.Equal(s.T(), 2, tr.Len(), "assigned jobs stay tracked until completed")
}

func (s *TrackerSuite) TestAssign_UnknownJobCreatesEntry() {
	// A job_started can arrive before (or without) its job_queued.
	tr := NewTracker(time.Hour)

	tr.Assign("job-1", "runner-a", s.base)

	assert.Equal(s.T(), 1, tr.Len())
	assert.Equal(s.T(), 0, tr.QueuedMatching(s.group("self-hosted")), "an assigned job is not demand")
}

// ---------------------------------------------------------------------------
// Demand matching
// ---------------------------------------------------------------------------

func (s *TrackerSuite) TestQueuedMatching_FiltersByGroupLabels() {
	tr := NewTracker(time.Hour)
	tr.Add(s.job("job-1", "self-hosted", "linux"))
	tr.Add(s.job("job-2", "self-hosted", "linux", "xlarge"))
	tr.Add(s.job("job-3", "windows"))

	small := fleet.Group{
		Name:     "ci-small",
		Template: fleet.Template{Labels: []string{"self-hosted", "linux"}},
	}
	large := fleet.Group{
		Name:     "ci-large",
		Template: fleet.Template{Labels: []string{"self-hosted", "linux", "xlarge"}},
	}

	assert.Equal(s.T(), 1, tr.QueuedMatching(small), "xlarge job must not count against the small group")
	assert.Equal(s.T(), 2, tr.QueuedMatching(large))
}

// ---------------------------------------------------------------------------
// Sweep
// ---------------------------------------------------------------------------

func (s *TrackerSuite) TestSweep_ExpiresStaleQueuedJobs() {
	tr := NewTracker(time.Hour)
	tr.Add(fleet.Job{ID: "stale", Labels: []string{"self-hosted"}, QueuedAt: s.base})
	tr.Add(fleet.Job{ID: "fresh", Labels: []string{"self-hosted"}, QueuedAt: s.base.Add(50 * time.Minute)})

	expired := tr.Sweep(s.base.Add(61 * time.Minute))

	assert.Equal(s.T(), 1, expired)
	assert.Equal(s.T(), 1, tr.Len())
	assert.Equal(s.T(), 1, tr.QueuedMatching(s.group("self-hosted")))
}

func (s *TrackerSuite) TestSweep_KeepsAssignedJobs() {
	// An assigned job's lifetime is bounded by its runner, not the TTL.
	tr := NewTracker(time.Hour)
	tr.Add(s.job("job-1", "self-hosted"))
	tr.Assign("job-1", "runner-a", s.base)

	expired := tr.Sweep(s.base.Add(24 * time.Hour))

	assert.Equal(s.T(), 0, expired)
	assert.Equal(s.T(), 1, tr.Len())
}
