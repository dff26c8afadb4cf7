// Package tasks runs background work with bounded concurrency.
//
// The reconciler must never block a pass on a backend call, so
// provisioning and deprovisioning run as detached tasks.  Submit never
// blocks either: a saturated pool rejects the task and the caller tries
// again on a later pass.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const defaultWorkers = 8

var (
	// ErrSaturated means every worker slot is taken.
	ErrSaturated = errors.New("task pool saturated")

	// ErrStopped means the pool no longer accepts tasks.
	ErrStopped = errors.New("task pool stopped")
)

// Task is one unit of background work.
type Task struct {
	// Name labels the task in logs, spans, and metrics.
	Name string

	// Timeout bounds the task's context.  Zero means the task runs
	// until pool shutdown forces cancellation.
	Timeout time.Duration

	// Run does the work.  The context is detached from the submitter:
	// it outlives the reconcile pass that submitted the task.
	Run func(ctx context.Context) error

	// OnDone, when set, receives the task's final error (nil on
	// success, the recovered value on panic) after Run returns.
	OnDone func(err error)
}

// Pool is a fixed-size worker pool.
type Pool struct {
	sem     *semaphore.Weighted
	rootCtx context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	inFlight atomic.Int64

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	tasksCompleted metric.Int64Counter
	tasksRejected  metric.Int64Counter
	taskDuration   metric.Float64Histogram
}

// New creates a Pool with the given number of worker slots.
func New(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		sem:     semaphore.NewWeighted(int64(workers)),
		rootCtx: rootCtx,
		cancel:  cancel,
		logger:  logger,
		tracer:  otel.Tracer("paddock/tasks"),
		meter:   otel.Meter("paddock/tasks"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	p.tasksCompleted, err = p.meter.Int64Counter(
		"paddock.tasks.completed",
		metric.WithDescription("Total number of background tasks completed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create tasksCompleted counter", slog.String("error", err.Error()))
	}

	p.tasksRejected, err = p.meter.Int64Counter(
		"paddock.tasks.rejected",
		metric.WithDescription("Total number of task submissions rejected by a saturated pool"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create tasksRejected counter", slog.String("error", err.Error()))
	}

	p.taskDuration, err = p.meter.Float64Histogram(
		"paddock.tasks.duration",
		metric.WithDescription("Background task duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 30, 60, 120, 300),
	)
	if err != nil {
		logger.Warn("failed to create taskDuration histogram", slog.String("error", err.Error()))
	}

	_, err = p.meter.Int64ObservableGauge(
		"paddock.tasks.in_flight",
		metric.WithDescription("Background tasks currently running"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.inFlight.Load())
			return nil
		}),
	)
	if err != nil {
		logger.Warn("failed to create tasksInFlight gauge", slog.String("error", err.Error()))
	}

	return p
}

// Submit hands the task to a worker.  It never blocks: a full pool
// returns ErrSaturated and a stopped pool returns ErrStopped.
func (p *Pool) Submit(t Task) error {
	if t.Run == nil {
		return errors.New("task has no run function")
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if !p.sem.TryAcquire(1) {
		p.mu.Unlock()
		if p.tasksRejected != nil {
			p.tasksRejected.Add(p.rootCtx, 1, metric.WithAttributes(attribute.String("task", t.Name)))
		}
		return ErrSaturated
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.inFlight.Add(1)
	go p.run(t)
	return nil
}

// InFlight returns the number of tasks currently running.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Shutdown stops accepting tasks and waits for running ones.  When the
// context expires first, in-flight tasks are canceled and Shutdown
// still waits for them to unwind before returning the context's error.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) run(t Task) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer p.inFlight.Add(-1)

	ctx := p.rootCtx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	ctx, span := p.tracer.Start(ctx, "tasks.run",
		trace.WithAttributes(attribute.String("task", t.Name)))
	defer span.End()

	start := time.Now()
	err := p.invoke(ctx, t)
	elapsed := time.Since(start)

	if p.tasksCompleted != nil {
		p.tasksCompleted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task", t.Name),
			attribute.Bool("error", err != nil),
		))
	}
	if p.taskDuration != nil {
		p.taskDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("task", t.Name)))
	}

	if err != nil {
		p.logger.Warn("task failed",
			slog.String("task", t.Name),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	} else {
		p.logger.Debug("task finished",
			slog.String("task", t.Name),
			slog.Duration("elapsed", elapsed),
		)
	}

	if t.OnDone != nil {
		t.OnDone(err)
	}
}

// invoke runs the task body, converting a panic into an error so one
// bad task cannot take down the process.
func (p *Pool) invoke(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				slog.String("task", t.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	return t.Run(ctx)
}
