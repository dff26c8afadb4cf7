package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/paddock-ci/paddock/internal/fleet"
	"github.com/paddock-ci/paddock/internal/store"
)

// defaultDedupeSize bounds the delivery-ID LRU.  GitHub redeliveries
// arrive within minutes, so a few thousand entries is a generous
// window; semantic no-op checks cover anything the LRU evicts.
const defaultDedupeSize = 4096

// errNoop aborts a store.Update without persisting: the transition the
// event asks for already happened (or cannot apply), so the event
// degrades to a no-op.
var errNoop = errors.New("event is a no-op in the current state")

// errIneligible aborts a store.Update when the runner exists but is in
// a state the event contradicts; the caller warns and kicks the
// reconciler so the discrepancy is reconciled instead of ignored.
var errIneligible = errors.New("runner state contradicts event")

// Config wires a Dispatcher.
type Config struct {
	Store   store.Store
	Tracker *Tracker
	Groups  []fleet.Group

	// Kick asks the reconciler for an immediate pass over one group
	// (empty string means every group).  May be nil in tests.
	Kick func(group string)

	// DedupeSize overrides the delivery-ID LRU capacity.
	DedupeSize int

	Logger *slog.Logger

	// Now is the clock seam; defaults to time.Now.
	Now func() time.Time
}

// Dispatcher applies platform events to the runner store.
type Dispatcher struct {
	store   store.Store
	tracker *Tracker
	groups  []fleet.Group
	kickFn  func(string)
	logger  *slog.Logger
	now     func() time.Time

	seen *lru.Cache[string, struct{}]

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	eventsHandled   metric.Int64Counter
	eventsDuplicate metric.Int64Counter
	eventsUnmatched metric.Int64Counter
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = defaultDedupeSize
	}

	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("dedupe cache: %w", err)
	}

	d := &Dispatcher{
		store:   cfg.Store,
		tracker: cfg.Tracker,
		groups:  cfg.Groups,
		kickFn:  cfg.Kick,
		logger:  cfg.Logger,
		now:     cfg.Now,
		seen:    seen,
		tracer:  otel.Tracer("paddock/dispatch"),
		meter:   otel.Meter("paddock/dispatch"),
	}

	// Initialize metrics (errors are logged but not fatal)
	d.eventsHandled, err = d.meter.Int64Counter(
		"paddock.events.handled",
		metric.WithDescription("Total number of platform events handled"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create eventsHandled counter", slog.String("error", err.Error()))
	}

	d.eventsDuplicate, err = d.meter.Int64Counter(
		"paddock.events.duplicate",
		metric.WithDescription("Total number of duplicate events dropped"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create eventsDuplicate counter", slog.String("error", err.Error()))
	}

	d.eventsUnmatched, err = d.meter.Int64Counter(
		"paddock.events.unmatched",
		metric.WithDescription("Total number of events referencing unknown runners or unmatched labels"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create eventsUnmatched counter", slog.String("error", err.Error()))
	}

	// Register an observable gauge for the job projection size
	_, err = d.meter.Int64ObservableGauge(
		"paddock.jobs.tracked",
		metric.WithDescription("Current number of tracked jobs (queued and assigned)"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(d.tracker.Len()))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobsTracked gauge", slog.String("error", err.Error()))
	}

	return d, nil
}

// Handle applies one event.  Returning an error means the event was NOT
// absorbed and may be redelivered; no-ops and duplicates return nil.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.Handle")
	defer span.End()

	span.SetAttributes(
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("event.id", ev.ID),
	)

	if ev.ID != "" && d.seen.Contains(ev.ID) {
		if d.eventsDuplicate != nil {
			d.eventsDuplicate.Add(ctx, 1)
		}
		d.logger.Debug("duplicate event dropped",
			slog.String("eventID", ev.ID),
			slog.String("kind", string(ev.Kind)),
		)
		span.AddEvent("duplicate dropped")
		return nil
	}

	if ev.Time.IsZero() {
		ev.Time = d.now()
	}

	var err error
	switch ev.Kind {
	case KindJobQueued:
		err = d.jobQueued(ctx, ev)
	case KindJobStarted:
		err = d.jobStarted(ctx, ev)
	case KindJobCompleted:
		err = d.jobCompleted(ctx, ev)
	case KindRunnerOnline:
		err = d.runnerOnline(ctx, ev)
	case KindRunnerOffline:
		err = d.runnerOffline(ctx, ev)
	default:
		d.logger.Warn("unknown event kind", slog.String("kind", string(ev.Kind)))
		return nil
	}
	if err != nil {
		return err
	}

	// Mark seen only after successful handling so a failed event is not
	// deduped away when the platform redelivers it.  Two concurrent
	// deliveries of the same ID can both get here; the per-handler
	// state checks make the second a no-op.
	if ev.ID != "" {
		d.seen.Add(ev.ID, struct{}{})
	}
	if d.eventsHandled != nil {
		d.eventsHandled.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(ev.Kind))))
	}
	return nil
}

// jobQueued records demand and wakes every group that can serve it.
func (d *Dispatcher) jobQueued(ctx context.Context, ev Event) error {
	d.tracker.Add(fleet.Job{ID: ev.JobID, Labels: ev.JobLabels, QueuedAt: ev.Time})

	matched := 0
	for _, g := range d.groups {
		if g.Matches(ev.JobLabels) {
			matched++
			d.kick(g.Name)
		}
	}
	if matched == 0 {
		if d.eventsUnmatched != nil {
			d.eventsUnmatched.Add(ctx, 1)
		}
		d.logger.Warn("queued job matches no group",
			slog.String("jobID", ev.JobID),
			slog.Any("labels", ev.JobLabels),
		)
	}
	return nil
}

// jobStarted moves the named runner idle→busy.  A started job is also
// proof of registration: a runner we still have as registering clearly
// came online without us seeing the event, so it is healed through
// idle on the way to busy.
func (d *Dispatcher) jobStarted(ctx context.Context, ev Event) error {
	runner, err := d.store.FindByName(ctx, ev.RunnerName)
	if errors.Is(err, store.ErrNotFound) {
		if d.eventsUnmatched != nil {
			d.eventsUnmatched.Add(ctx, 1)
		}
		d.logger.Warn("job started on unknown runner",
			slog.String("runner", ev.RunnerName),
			slog.String("jobID", ev.JobID),
		)
		d.kickMatching(ev.JobLabels)
		return nil
	}
	if err != nil {
		return err
	}

	_, err = d.store.Update(ctx, runner.ID, func(r *fleet.Runner) error {
		switch {
		case r.State == fleet.StateBusy && r.JobID == ev.JobID:
			return errNoop
		case r.State == fleet.StateRegistering:
			if err := r.Transition(fleet.StateIdle, ev.Time); err != nil {
				return err
			}
		case r.State != fleet.StateIdle:
			return errIneligible
		}
		if err := r.Transition(fleet.StateBusy, ev.Time); err != nil {
			return err
		}
		r.JobID = ev.JobID
		r.LastActiveAt = ev.Time
		return nil
	})
	switch {
	case errors.Is(err, errNoop):
		d.logger.Debug("job already started", slog.String("runner", ev.RunnerName), slog.String("jobID", ev.JobID))
		return nil
	case errors.Is(err, errIneligible):
		if d.eventsUnmatched != nil {
			d.eventsUnmatched.Add(ctx, 1)
		}
		d.logger.Warn("job started on ineligible runner",
			slog.String("runner", ev.RunnerName),
			slog.String("state", string(runner.State)),
			slog.String("jobID", ev.JobID),
		)
		d.kick(runner.Group)
		return nil
	case err != nil:
		return err
	}

	d.tracker.Assign(ev.JobID, ev.RunnerName, ev.Time)
	d.kick(runner.Group)
	return nil
}

// jobCompleted returns the runner to idle and drops the job from the
// projection.  Duplicate deliveries find the runner already idle and
// fall through as no-ops.
func (d *Dispatcher) jobCompleted(ctx context.Context, ev Event) error {
	d.tracker.Complete(ev.JobID)

	if ev.RunnerName == "" {
		return nil
	}

	runner, err := d.store.FindByName(ctx, ev.RunnerName)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Debug("job completed on unknown runner", slog.String("runner", ev.RunnerName))
		return nil
	}
	if err != nil {
		return err
	}

	_, err = d.store.Update(ctx, runner.ID, func(r *fleet.Runner) error {
		if r.State != fleet.StateBusy {
			return errNoop
		}
		if err := r.Transition(fleet.StateIdle, ev.Time); err != nil {
			return err
		}
		r.JobID = ""
		r.LastActiveAt = ev.Time
		return nil
	})
	if errors.Is(err, errNoop) {
		d.logger.Debug("job completion already applied",
			slog.String("runner", ev.RunnerName),
			slog.String("jobID", ev.JobID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	d.kick(runner.Group)
	return nil
}

// runnerOnline confirms registration: registering→idle.  A record-less
// name is an orphan candidate, so the reconciler is kicked to run its
// drift pass.
func (d *Dispatcher) runnerOnline(ctx context.Context, ev Event) error {
	runner, err := d.store.FindByName(ctx, ev.RunnerName)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Debug("online runner has no record, leaving to drift detection",
			slog.String("runner", ev.RunnerName))
		d.kick("")
		return nil
	}
	if err != nil {
		return err
	}

	_, err = d.store.Update(ctx, runner.ID, func(r *fleet.Runner) error {
		if r.State != fleet.StateRegistering {
			return errNoop
		}
		if err := r.Transition(fleet.StateIdle, ev.Time); err != nil {
			return err
		}
		r.LastActiveAt = ev.Time
		return nil
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	if err != nil {
		return err
	}

	d.kick(runner.Group)
	return nil
}

// runnerOffline fails idle and registering runners.  Busy runners are
// left alone: their fate is decided by job_completed or, if the agent
// really died, by the reconciler's staleness checks.
func (d *Dispatcher) runnerOffline(ctx context.Context, ev Event) error {
	runner, err := d.store.FindByName(ctx, ev.RunnerName)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Debug("offline event for unknown runner", slog.String("runner", ev.RunnerName))
		return nil
	}
	if err != nil {
		return err
	}

	_, err = d.store.Update(ctx, runner.ID, func(r *fleet.Runner) error {
		if r.State != fleet.StateIdle && r.State != fleet.StateRegistering {
			return errNoop
		}
		return r.Transition(fleet.StateFailed, ev.Time)
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	if err != nil {
		return err
	}

	d.logger.Warn("runner went offline, marked failed",
		slog.String("runner", ev.RunnerName),
		slog.String("group", runner.Group),
	)
	d.kick(runner.Group)
	return nil
}

// kick wakes the reconciler for one group; nil-safe.
func (d *Dispatcher) kick(group string) {
	if d.kickFn != nil {
		d.kickFn(group)
	}
}

// kickMatching kicks every group serving the labels, or all groups
// when no labels narrow it down.
func (d *Dispatcher) kickMatching(labels []string) {
	if len(labels) == 0 {
		d.kick("")
		return
	}
	matched := false
	for _, g := range d.groups {
		if g.Matches(labels) {
			matched = true
			d.kick(g.Name)
		}
	}
	if !matched {
		d.kick("")
	}
}
