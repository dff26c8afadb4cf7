// Package reconciler runs the control loop that aligns each group's
// actual runner capacity with its desired capacity.
//
// A pass over a group proceeds in a fixed order: drift reconciliation
// against the backend's live instance list, timeout and lifetime
// sweeps, a platform registration poll, the capacity decision
// (scale up / scale down), and finally submission of the background
// provision and deprovision tasks.  Passes for the same group never
// overlap; different groups reconcile in parallel.
//
// The runner repository is the single source of truth.  The reconciler
// holds no authoritative state of its own, so a process restart costs
// nothing: the first pass rebuilds everything from the store and a
// fresh backend listing.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/paddock-ci/paddock/internal/backend"
	"github.com/paddock-ci/paddock/internal/dispatch"
	"github.com/paddock-ci/paddock/internal/fleet"
	"github.com/paddock-ci/paddock/internal/github"
	"github.com/paddock-ci/paddock/internal/store"
	"github.com/paddock-ci/paddock/internal/tasks"
)

const (
	defaultInterval       = 30 * time.Second
	defaultRetryMin       = 1 * time.Second
	defaultRetryMax       = 30 * time.Second
	defaultRetryBudget    = 5
	defaultDriftThreshold = 3

	// kickBuffer bounds the pending-kick queue.  A dropped kick is
	// harmless: the ticker pass covers it.
	kickBuffer = 64
)

// errSkip aborts a store.Update without persisting when the record is
// no longer in the state the operation assumed.
var errSkip = errors.New("runner state changed, skipping")

// Platform is the job-platform surface the reconciler needs: one-time
// registration tokens for new runners, the registered-runner listing
// the poll step compares against, and best-effort deregistration.
type Platform interface {
	URL() string
	CreateRegistrationToken(ctx context.Context) (github.RegistrationToken, error)
	ListRunners(ctx context.Context) ([]github.Runner, error)
	RemoveRunner(ctx context.Context, name string) error
}

// JobSource exposes the queued-job projection that drives the capacity
// decision.
type JobSource interface {
	QueuedMatching(g fleet.Group) int
	Complete(jobID string)
	Sweep(now time.Time) int
}

// EventSink receives the runner_online/runner_offline events the
// platform poll synthesizes.  Synthesized events carry no delivery ID;
// the sink's state checks make them idempotent.
type EventSink interface {
	Handle(ctx context.Context, ev dispatch.Event) error
}

// Config wires a Reconciler.
type Config struct {
	Store store.Store

	// Backends holds one backend per group, keyed by group name.
	Backends map[string]backend.Backend

	Platform Platform
	Jobs     JobSource
	Events   EventSink
	Pool     *tasks.Pool
	Groups   []fleet.Group

	// Interval is the ticker period between full passes.
	Interval time.Duration

	// RetryMin/RetryMax/RetryBudget govern backend call retries: the
	// provision task retries transient create errors inside the task,
	// and failed delete rounds are re-attempted across passes with the
	// same backoff curve until the budget is spent.
	RetryMin    time.Duration
	RetryMax    time.Duration
	RetryBudget int

	// DriftThreshold is the per-pass drift event count above which the
	// pass logs an operational alert.
	DriftThreshold int

	Logger *slog.Logger

	// Now is the clock seam; defaults to time.Now.
	Now func() time.Time
}

// Reconciler is the pool control loop.
type Reconciler struct {
	store          store.Store
	backends       map[string]backend.Backend
	platform       Platform
	jobs           JobSource
	events         EventSink
	pool           *tasks.Pool
	groups         []fleet.Group
	interval       time.Duration
	retryMin       time.Duration
	retryMax       time.Duration
	retryBudget    int
	driftThreshold int
	logger         *slog.Logger
	now            func() time.Time

	backoff *backoff.Backoff
	flight  singleflight.Group
	kicks   chan string

	// inflight guards against submitting a second background task for
	// a runner whose first task has not completed.
	inflight sync.Map

	// mu guards the gauge snapshots below.
	mu          sync.Mutex
	stateCounts map[string]map[fleet.State]int
	shortfalls  map[string]int

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	runnersCreated metric.Int64Counter
	runnersDeleted metric.Int64Counter
	runnersAdopted metric.Int64Counter
	runnersPurged  metric.Int64Counter
	driftEvents    metric.Int64Counter
	passDuration   metric.Float64Histogram
}

// New creates a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("reconciler requires a store")
	}
	if cfg.Pool == nil {
		return nil, errors.New("reconciler requires a task pool")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = defaultRetryMin
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = defaultRetryBudget
	}
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = defaultDriftThreshold
	}

	r := &Reconciler{
		store:          cfg.Store,
		backends:       cfg.Backends,
		platform:       cfg.Platform,
		jobs:           cfg.Jobs,
		events:         cfg.Events,
		pool:           cfg.Pool,
		groups:         cfg.Groups,
		interval:       cfg.Interval,
		retryMin:       cfg.RetryMin,
		retryMax:       cfg.RetryMax,
		retryBudget:    cfg.RetryBudget,
		driftThreshold: cfg.DriftThreshold,
		logger:         cfg.Logger,
		now:            cfg.Now,
		backoff:        &backoff.Backoff{Min: cfg.RetryMin, Max: cfg.RetryMax},
		kicks:          make(chan string, kickBuffer),
		stateCounts:    make(map[string]map[fleet.State]int),
		shortfalls:     make(map[string]int),
		tracer:         otel.Tracer("paddock/reconciler"),
		meter:          otel.Meter("paddock/reconciler"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	r.runnersCreated, err = r.meter.Int64Counter(
		"paddock.runners.created",
		metric.WithDescription("Total number of runner instances created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersCreated counter", slog.String("error", err.Error()))
	}

	r.runnersDeleted, err = r.meter.Int64Counter(
		"paddock.runners.deleted",
		metric.WithDescription("Total number of runner instances deleted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersDeleted counter", slog.String("error", err.Error()))
	}

	r.runnersAdopted, err = r.meter.Int64Counter(
		"paddock.runners.adopted",
		metric.WithDescription("Total number of orphaned instances adopted into the fleet"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersAdopted counter", slog.String("error", err.Error()))
	}

	r.runnersPurged, err = r.meter.Int64Counter(
		"paddock.runners.purged",
		metric.WithDescription("Total number of runner records purged without a confirmed instance deletion"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersPurged counter", slog.String("error", err.Error()))
	}

	r.driftEvents, err = r.meter.Int64Counter(
		"paddock.drift.events",
		metric.WithDescription("Total number of record/instance mismatches found by drift reconciliation"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create driftEvents counter", slog.String("error", err.Error()))
	}

	r.passDuration, err = r.meter.Float64Histogram(
		"paddock.reconcile.duration",
		metric.WithDescription("Reconcile pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create passDuration histogram", slog.String("error", err.Error()))
	}

	_, err = r.meter.Int64ObservableGauge(
		"paddock.runners.state",
		metric.WithDescription("Current runner count per group and state"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			for group, counts := range r.stateCounts {
				for state, n := range counts {
					o.Observe(int64(n), metric.WithAttributes(
						attribute.String("group", group),
						attribute.String("state", string(state)),
					))
				}
			}
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersState gauge", slog.String("error", err.Error()))
	}

	_, err = r.meter.Int64ObservableGauge(
		"paddock.capacity.shortfall",
		metric.WithDescription("Queued jobs beyond the group's max capacity"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			for group, n := range r.shortfalls {
				o.Observe(int64(n), metric.WithAttributes(attribute.String("group", group)))
			}
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create capacityShortfall gauge", slog.String("error", err.Error()))
	}

	return r, nil
}

// Kick requests an immediate pass over one group, or over every group
// when the name is empty.  Kick never blocks; when the queue is full
// the next ticker pass covers the request.
func (r *Reconciler) Kick(group string) {
	select {
	case r.kicks <- group:
	default:
	}
}

// Run drives the loop until the context is canceled.  The first pass
// runs immediately so a restarted manager heals drift before serving
// new demand.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started",
		slog.Duration("interval", r.interval),
		slog.Int("groups", len(r.groups)),
	)

	r.reconcileAll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.reconcileAll(ctx)
		case group := <-r.kicks:
			if group == "" {
				r.reconcileAll(ctx)
			} else {
				r.reconcileGroup(ctx, group)
			}
		}
	}
}

// reconcileAll passes over every configured group in parallel.
func (r *Reconciler) reconcileAll(ctx context.Context) {
	if r.jobs != nil {
		if expired := r.jobs.Sweep(r.now()); expired > 0 {
			r.logger.Debug("expired stale queued jobs", slog.Int("count", expired))
		}
	}

	var wg sync.WaitGroup
	for _, g := range r.groups {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			r.reconcileGroup(ctx, name)
		}(g.Name)
	}
	wg.Wait()
}

// reconcileGroup runs one pass over the named group.  Concurrent calls
// for the same group coalesce into a single pass.
func (r *Reconciler) reconcileGroup(ctx context.Context, name string) {
	g, ok := r.groupByName(name)
	if !ok {
		r.logger.Warn("kick for unknown group", slog.String("group", name))
		return
	}

	_, _, _ = r.flight.Do(name, func() (any, error) {
		r.pass(ctx, g)
		return nil, nil
	})
}

func (r *Reconciler) groupByName(name string) (fleet.Group, bool) {
	for _, g := range r.groups {
		if g.Name == name {
			return g, true
		}
	}
	return fleet.Group{}, false
}

func (r *Reconciler) setShortfall(group string, n int) {
	r.mu.Lock()
	r.shortfalls[group] = n
	r.mu.Unlock()
}

// updateGauges snapshots per-state counts for the observable gauge.
// Every state is written, zero included, so a state that empties out
// reports 0 instead of its last value.
func (r *Reconciler) updateGauges(group string, records []*fleet.Runner) {
	counts := make(map[fleet.State]int, len(fleet.AllStates))
	for _, s := range fleet.AllStates {
		counts[s] = 0
	}
	for _, rec := range records {
		counts[rec.State]++
	}

	r.mu.Lock()
	r.stateCounts[group] = counts
	r.mu.Unlock()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
