package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/paddock-ci/paddock/internal/backend"
	"github.com/paddock-ci/paddock/internal/dispatch"
	"github.com/paddock-ci/paddock/internal/fleet"
	"github.com/paddock-ci/paddock/internal/tasks"
)

// pass runs the full step sequence for one group.  Every step isolates
// per-runner failures: an error on one record is logged and recorded on
// that record only, and the pass continues.
func (r *Reconciler) pass(ctx context.Context, g fleet.Group) {
	ctx, span := r.tracer.Start(ctx, "reconciler.pass",
		trace.WithAttributes(attribute.String("group", g.Name)))
	defer span.End()

	start := time.Now()

	be, ok := r.backends[g.Name]
	if !ok {
		r.logger.Error("no backend configured for group", slog.String("group", g.Name))
		return
	}

	records, err := r.store.List(ctx, g.Name)
	if err != nil {
		r.logger.Error("store list failed, skipping pass",
			slog.String("group", g.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	// 1. Drift: compare records against the backend's live listing.
	// Without a successful listing there is no evidence of absence, so
	// the step is skipped rather than run against a guess.
	listStarted := r.now()
	live, err := be.List(ctx, g.Name)
	if err != nil {
		r.logger.Warn("backend list failed, skipping drift",
			slog.String("group", g.Name),
			slog.String("error", err.Error()),
		)
	} else {
		r.driftStep(ctx, g, be, live, records, listStarted)
		records = r.refresh(ctx, g, records)
	}

	// 2. Timeout and lifetime sweep.
	r.sweepTimeouts(ctx, g, records)
	records = r.refresh(ctx, g, records)

	// 3. Platform registration poll.
	r.pollPlatform(ctx, g, records)
	records = r.refresh(ctx, g, records)

	// 4. Capacity decision.
	r.scale(ctx, g, records)
	records = r.refresh(ctx, g, records)

	// 5. Background work submission.
	r.submitWork(ctx, g, records)

	r.updateGauges(g.Name, records)

	elapsed := time.Since(start)
	if r.passDuration != nil {
		r.passDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("group", g.Name)))
	}
	r.logger.Debug("pass complete",
		slog.String("group", g.Name),
		slog.Duration("elapsed", elapsed),
	)
}

// refresh re-reads the group's records between steps.  On a store error
// the previous snapshot is kept so the pass can still finish.
func (r *Reconciler) refresh(ctx context.Context, g fleet.Group, prev []*fleet.Runner) []*fleet.Runner {
	records, err := r.store.List(ctx, g.Name)
	if err != nil {
		r.logger.Warn("store list failed mid-pass",
			slog.String("group", g.Name),
			slog.String("error", err.Error()),
		)
		return prev
	}
	return records
}

// ---------------------------------------------------------------------------
// Step 1: drift
// ---------------------------------------------------------------------------

// driftStep heals mismatches between the repository and the backend.
// Live instances without a record are adopted (template hash matches)
// or marked for deletion; records whose instance has vanished are
// failed, or purged when the vanishing confirms a pending delete.
func (r *Reconciler) driftStep(ctx context.Context, g fleet.Group, be backend.Backend, live []backend.Instance, records []*fleet.Runner, listStarted time.Time) {
	ctx, span := r.tracer.Start(ctx, "reconciler.drift")
	defer span.End()

	now := r.now()
	events := 0

	byHandle := make(map[string]*fleet.Runner, len(records))
	byName := make(map[string]*fleet.Runner, len(records))
	for _, rec := range records {
		if rec.Handle != "" {
			byHandle[rec.Handle] = rec
		}
		byName[rec.Name] = rec
	}
	liveByHandle := make(map[string]backend.Instance, len(live))
	for _, inst := range live {
		liveByHandle[inst.Handle] = inst
	}

	currentHash := g.Template.Hash()

	for _, inst := range live {
		if _, ok := byHandle[inst.Handle]; ok {
			continue
		}
		events++

		if existing, ok := byName[inst.Name]; ok && inst.Name != "" {
			if existing.Handle == "" {
				// A create task for this name is still in flight; its
				// handle arrives when the task completes.
				events--
				continue
			}
			// Two instances wear the same runner name: a retried
			// create left a duplicate behind.  No record can represent
			// it, so it is deleted directly.
			r.logger.Warn("deleting duplicate instance",
				slog.String("group", g.Name),
				slog.String("runner", inst.Name),
				slog.String("handle", inst.Handle),
			)
			r.submitOrphanDelete(g, be, inst.Handle)
			continue
		}

		if inst.TemplateHash == currentHash && inst.TemplateHash != "" {
			r.adoptInstance(ctx, g, inst, now)
			continue
		}

		// Unknown provenance or stale template: mark for deletion
		// through the normal cleanup path.
		r.logger.Warn("marking unrecognized instance for deletion",
			slog.String("group", g.Name),
			slog.String("handle", inst.Handle),
			slog.String("templateHash", inst.TemplateHash),
		)
		rec := r.synthesizeRecord(g, inst, fleet.StateDraining, now)
		if err := r.store.Upsert(ctx, rec); err != nil {
			r.logger.Error("failed to record instance for deletion",
				slog.String("handle", inst.Handle),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, rec := range records {
		if rec.Handle == "" {
			continue
		}
		if _, ok := liveByHandle[rec.Handle]; ok {
			continue
		}
		// A record that changed state after the listing began may have
		// gained its handle after the snapshot; absence proves nothing.
		if rec.StateChangedAt.After(listStarted) {
			continue
		}

		switch rec.State {
		case fleet.StateTerminating:
			// Absence confirms the pending delete.
			r.purgeRecord(ctx, rec, "instance deletion confirmed by listing")
		case fleet.StateProvisioning, fleet.StateRegistering, fleet.StateIdle, fleet.StateBusy, fleet.StateDraining:
			events++
			r.logger.Warn("instance vanished from backend",
				slog.String("group", g.Name),
				slog.String("runner", rec.Name),
				slog.String("state", string(rec.State)),
			)
			if rec.State == fleet.StateBusy && rec.JobID != "" && r.jobs != nil {
				r.jobs.Complete(rec.JobID)
			}
			r.markFailed(ctx, rec.ID, "instance vanished", nil)
		}
	}

	if events > 0 {
		if r.driftEvents != nil {
			r.driftEvents.Add(ctx, int64(events), metric.WithAttributes(attribute.String("group", g.Name)))
		}
		span.SetAttributes(attribute.Int("drift.events", events))
	}
	if events > r.driftThreshold {
		r.logger.Error("drift events exceeded threshold",
			slog.String("group", g.Name),
			slog.Int("events", events),
			slog.Int("threshold", r.driftThreshold),
		)
	}
}

// adoptInstance synthesizes an idle record for an orphaned instance
// whose template matches the group's current one.
func (r *Reconciler) adoptInstance(ctx context.Context, g fleet.Group, inst backend.Instance, now time.Time) {
	rec := r.synthesizeRecord(g, inst, fleet.StateIdle, now)
	if err := r.store.Upsert(ctx, rec); err != nil {
		r.logger.Error("failed to adopt instance",
			slog.String("handle", inst.Handle),
			slog.String("error", err.Error()),
		)
		return
	}
	if r.runnersAdopted != nil {
		r.runnersAdopted.Add(ctx, 1, metric.WithAttributes(attribute.String("group", g.Name)))
	}
	r.logger.Info("adopted orphaned instance",
		slog.String("group", g.Name),
		slog.String("runner", rec.Name),
		slog.String("handle", inst.Handle),
	)
}

// synthesizeRecord builds a record for an instance that exists without
// one.  The instance's own tags win over the group's current template
// so the record reflects what is actually running.
func (r *Reconciler) synthesizeRecord(g fleet.Group, inst backend.Instance, state fleet.State, now time.Time) *fleet.Runner {
	name := inst.Name
	if name == "" {
		name = inst.Handle
	}
	createdAt := inst.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	labels := make([]string, len(g.Template.Labels))
	copy(labels, g.Template.Labels)

	return &fleet.Runner{
		ID:             uuid.NewString(),
		Name:           name,
		Group:          g.Name,
		Handle:         inst.Handle,
		State:          state,
		Labels:         labels,
		TemplateHash:   inst.TemplateHash,
		CreatedAt:      createdAt,
		StateChangedAt: now,
		LastActiveAt:   now,
	}
}

// submitOrphanDelete removes an instance that no record can represent.
func (r *Reconciler) submitOrphanDelete(g fleet.Group, be backend.Backend, handle string) {
	if _, loaded := r.inflight.LoadOrStore("orphan:"+handle, struct{}{}); loaded {
		return
	}
	err := r.pool.Submit(tasks.Task{
		Name:    "orphan-delete",
		Timeout: g.ProvisioningTimeout,
		Run: func(ctx context.Context) error {
			return be.Delete(ctx, handle)
		},
		OnDone: func(err error) {
			r.inflight.Delete("orphan:" + handle)
			if err != nil {
				r.logger.Warn("orphan instance delete failed",
					slog.String("handle", handle),
					slog.String("error", err.Error()),
				)
			}
		},
	})
	if err != nil {
		r.inflight.Delete("orphan:" + handle)
	}
}

// ---------------------------------------------------------------------------
// Step 2: timeout and lifetime sweep
// ---------------------------------------------------------------------------

// sweepTimeouts fails runners stuck in a bounded state and drains idle
// runners past their idle timeout or lifetime.  Requested, draining,
// and terminating runners are bounded elsewhere: requested by the task
// pool, the rest by the delete retry budget.
func (r *Reconciler) sweepTimeouts(ctx context.Context, g fleet.Group, records []*fleet.Runner) {
	now := r.now()
	for _, rec := range records {
		switch rec.State {
		case fleet.StateProvisioning:
			if g.ProvisioningTimeout > 0 && rec.InState(now) > g.ProvisioningTimeout {
				r.markFailed(ctx, rec.ID, "provisioning timed out", nil)
			}
		case fleet.StateRegistering:
			if g.RegistrationTimeout > 0 && rec.InState(now) > g.RegistrationTimeout {
				r.markFailed(ctx, rec.ID, "registration timed out", nil)
			}
		case fleet.StateIdle:
			switch {
			case g.IdleTimeout > 0 && rec.IdleFor(now) > g.IdleTimeout:
				r.drainRunner(ctx, rec, "idle timeout")
			case g.MaxLifetime > 0 && rec.Age(now) > g.MaxLifetime:
				r.drainRunner(ctx, rec, "max lifetime reached")
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Step 3: platform registration poll
// ---------------------------------------------------------------------------

// pollPlatform compares the platform's registered-runner listing with
// our records and synthesizes the online/offline events webhooks may
// have lost.  Synthesized events carry no delivery ID; the dispatch
// state checks absorb re-synthesis.
func (r *Reconciler) pollPlatform(ctx context.Context, g fleet.Group, records []*fleet.Runner) {
	if r.platform == nil || r.events == nil {
		return
	}

	platformRunners, err := r.platform.ListRunners(ctx)
	if err != nil {
		r.logger.Warn("platform runner listing failed",
			slog.String("group", g.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	online := make(map[string]bool, len(platformRunners))
	for _, pr := range platformRunners {
		online[pr.Name] = pr.Online
	}

	now := r.now()
	for _, rec := range records {
		isOnline := online[rec.Name]

		switch rec.State {
		case fleet.StateRegistering:
			if isOnline {
				r.synthesize(ctx, dispatch.Event{
					Kind:       dispatch.KindRunnerOnline,
					Time:       now,
					RunnerName: rec.Name,
				})
			}
		case fleet.StateIdle, fleet.StateBusy:
			if !isOnline && now.Sub(rec.LastActiveAt) > g.RegistrationTimeout {
				r.synthesize(ctx, dispatch.Event{
					Kind:       dispatch.KindRunnerOffline,
					Time:       now,
					RunnerName: rec.Name,
				})
			}
		}
	}
}

func (r *Reconciler) synthesize(ctx context.Context, ev dispatch.Event) {
	if err := r.events.Handle(ctx, ev); err != nil {
		r.logger.Warn("synthesized event rejected",
			slog.String("kind", string(ev.Kind)),
			slog.String("runner", ev.RunnerName),
			slog.String("error", err.Error()),
		)
	}
}

// ---------------------------------------------------------------------------
// Step 4: capacity decision
// ---------------------------------------------------------------------------

// scale compares desired capacity against actual and creates requested
// records or drains surplus idle runners.  Busy runners are never
// drained, and draining runners count against max but contribute no
// capacity.
func (r *Reconciler) scale(ctx context.Context, g fleet.Group, records []*fleet.Runner) {
	ctx, span := r.tracer.Start(ctx, "reconciler.scale")
	defer span.End()

	queued := 0
	if r.jobs != nil {
		queued = r.jobs.QueuedMatching(g)
	}
	desired := clamp(queued, g.MinRunners, g.MaxRunners)

	var serving, occupies, busy int
	var idles []*fleet.Runner
	for _, rec := range records {
		if rec.State.Serving() {
			serving++
		}
		if rec.State.Occupies() {
			occupies++
		}
		switch rec.State {
		case fleet.StateBusy:
			busy++
		case fleet.StateIdle:
			idles = append(idles, rec)
		}
	}

	span.SetAttributes(
		attribute.Int("scale.queued", queued),
		attribute.Int("scale.desired", desired),
		attribute.Int("scale.serving", serving),
		attribute.Int("scale.occupies", occupies),
	)

	shortfall := 0
	if queued > g.MaxRunners {
		shortfall = queued - g.MaxRunners
		r.logger.Warn("capacity exhausted",
			slog.String("group", g.Name),
			slog.Int("queued", queued),
			slog.Int("max", g.MaxRunners),
			slog.Int("shortfall", shortfall),
		)
	}
	r.setShortfall(g.Name, shortfall)

	toCreate := desired - serving
	if room := g.MaxRunners - occupies; toCreate > room {
		toCreate = room
	}
	if toCreate > 0 {
		r.logger.Info("scaling up",
			slog.String("group", g.Name),
			slog.Int("desired", desired),
			slog.Int("serving", serving),
			slog.Int("create", toCreate),
		)
		now := r.now()
		for i := 0; i < toCreate; i++ {
			rec := fleet.NewRunner(g, now)
			if err := r.store.Upsert(ctx, rec); err != nil {
				r.logger.Error("failed to create runner record",
					slog.String("group", g.Name),
					slog.String("error", err.Error()),
				)
			}
		}
		return
	}

	surplus := (serving - busy) - desired
	if surplus <= 0 {
		return
	}

	// Oldest idle first.
	sort.Slice(idles, func(i, j int) bool {
		return idles[i].LastActiveAt.Before(idles[j].LastActiveAt)
	})
	if surplus > len(idles) {
		surplus = len(idles)
	}
	r.logger.Info("scaling down",
		slog.String("group", g.Name),
		slog.Int("desired", desired),
		slog.Int("serving", serving),
		slog.Int("drain", surplus),
	)
	for _, rec := range idles[:surplus] {
		r.drainRunner(ctx, rec, "surplus capacity")
	}
}

// ---------------------------------------------------------------------------
// Step 5: background work submission
// ---------------------------------------------------------------------------

// submitWork hands requested records to the provision task and
// draining/failed/terminating records to the deprovision task.  A
// saturated pool means the record simply waits for a later pass.
func (r *Reconciler) submitWork(ctx context.Context, g fleet.Group, records []*fleet.Runner) {
	now := r.now()
	for _, rec := range records {
		switch rec.State {
		case fleet.StateRequested:
			r.submitProvision(g, rec)
		case fleet.StateDraining, fleet.StateFailed, fleet.StateTerminating:
			r.maybeSubmitDeprovision(ctx, g, rec, now)
		}
	}
}

func (r *Reconciler) submitProvision(g fleet.Group, rec *fleet.Runner) {
	id := rec.ID
	if _, loaded := r.inflight.LoadOrStore(id, struct{}{}); loaded {
		return
	}
	err := r.pool.Submit(tasks.Task{
		Name:    "provision",
		Timeout: g.ProvisioningTimeout,
		Run: func(ctx context.Context) error {
			return r.runProvision(ctx, g, id)
		},
		OnDone: func(error) {
			r.inflight.Delete(id)
			r.Kick(g.Name)
		},
	})
	if err != nil {
		r.inflight.Delete(id)
		r.logger.Debug("provision submission deferred",
			slog.String("group", g.Name),
			slog.String("runner", rec.Name),
			slog.String("reason", err.Error()),
		)
	}
}

func (r *Reconciler) maybeSubmitDeprovision(ctx context.Context, g fleet.Group, rec *fleet.Runner, now time.Time) {
	if rec.DeleteAttempts >= r.retryBudget {
		// The purge rule: past the budget the record goes away even
		// without a confirmed deletion, so one stuck instance cannot
		// hold a fleet slot forever.  The instance, if it still
		// exists, resurfaces in drift as an orphan.
		r.logger.Warn("delete retry budget exhausted, purging record",
			slog.String("group", g.Name),
			slog.String("runner", rec.Name),
			slog.String("handle", rec.Handle),
			slog.Int("attempts", rec.DeleteAttempts),
		)
		if err := r.store.Delete(ctx, rec.ID); err != nil {
			r.logger.Error("failed to purge runner record",
				slog.String("runner", rec.Name),
				slog.String("error", err.Error()),
			)
			return
		}
		if r.runnersPurged != nil {
			r.runnersPurged.Add(ctx, 1, metric.WithAttributes(attribute.String("group", g.Name)))
		}
		return
	}

	if rec.State == fleet.StateTerminating && rec.DeleteAttempts > 0 {
		due := rec.StateChangedAt.Add(r.backoff.ForAttempt(float64(rec.DeleteAttempts)))
		if now.Before(due) {
			return
		}
	}

	id := rec.ID
	if _, loaded := r.inflight.LoadOrStore(id, struct{}{}); loaded {
		return
	}
	err := r.pool.Submit(tasks.Task{
		Name:    "deprovision",
		Timeout: g.ProvisioningTimeout,
		Run: func(ctx context.Context) error {
			return r.runDeprovision(ctx, g, id)
		},
		OnDone: func(error) {
			r.inflight.Delete(id)
			r.Kick(g.Name)
		},
	})
	if err != nil {
		r.inflight.Delete(id)
		r.logger.Debug("deprovision submission deferred",
			slog.String("group", g.Name),
			slog.String("runner", rec.Name),
			slog.String("reason", err.Error()),
		)
	}
}

// ---------------------------------------------------------------------------
// shared state helpers
// ---------------------------------------------------------------------------

// markFailed moves a runner to failed with a state re-check so a
// concurrent transition is never overridden.
func (r *Reconciler) markFailed(ctx context.Context, id, reason string, cause error) {
	rec, err := r.store.Update(ctx, id, func(cur *fleet.Runner) error {
		if cur.State == fleet.StateFailed || cur.State.Terminal() {
			return errSkip
		}
		return cur.Transition(fleet.StateFailed, r.now())
	})
	if errors.Is(err, errSkip) {
		return
	}
	if err != nil {
		r.logger.Error("failed to mark runner failed",
			slog.String("runner", id),
			slog.String("error", err.Error()),
		)
		return
	}

	attrs := []any{
		slog.String("runner", rec.Name),
		slog.String("group", rec.Group),
		slog.String("reason", reason),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	r.logger.Warn("runner failed", attrs...)
}

// drainRunner moves an idle runner to draining.
func (r *Reconciler) drainRunner(ctx context.Context, rec *fleet.Runner, reason string) {
	_, err := r.store.Update(ctx, rec.ID, func(cur *fleet.Runner) error {
		if cur.State != fleet.StateIdle {
			return errSkip
		}
		return cur.Transition(fleet.StateDraining, r.now())
	})
	if errors.Is(err, errSkip) {
		return
	}
	if err != nil {
		r.logger.Error("failed to drain runner",
			slog.String("runner", rec.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Info("draining runner",
		slog.String("group", rec.Group),
		slog.String("runner", rec.Name),
		slog.String("reason", reason),
	)
}

// purgeRecord transitions a terminating runner to terminated and
// removes the record.
func (r *Reconciler) purgeRecord(ctx context.Context, rec *fleet.Runner, reason string) {
	_, err := r.store.Update(ctx, rec.ID, func(cur *fleet.Runner) error {
		if cur.State != fleet.StateTerminating {
			return errSkip
		}
		return cur.Transition(fleet.StateTerminated, r.now())
	})
	if err != nil && !errors.Is(err, errSkip) {
		r.logger.Error("failed to finalize runner",
			slog.String("runner", rec.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := r.store.Delete(ctx, rec.ID); err != nil {
		r.logger.Error("failed to remove runner record",
			slog.String("runner", rec.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if r.runnersDeleted != nil {
		r.runnersDeleted.Add(ctx, 1, metric.WithAttributes(attribute.String("group", rec.Group)))
	}
	r.logger.Info("runner terminated",
		slog.String("group", rec.Group),
		slog.String("runner", rec.Name),
		slog.String("reason", reason),
	)
}
