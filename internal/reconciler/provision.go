package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/paddock-ci/paddock/internal/backend"
	"github.com/paddock-ci/paddock/internal/fleet"
	"github.com/paddock-ci/paddock/internal/github"
	"github.com/paddock-ci/paddock/internal/retry"
)

// runProvision is the provision task body: fetch a one-time
// registration token, create the instance, record the handle.  The
// create is retried inside the task on transient errors; a retried
// create can leave a duplicate instance behind, which the next drift
// pass deletes by name.
func (r *Reconciler) runProvision(ctx context.Context, g fleet.Group, id string) error {
	rec, err := r.store.Update(ctx, id, func(cur *fleet.Runner) error {
		if cur.State != fleet.StateRequested {
			return errSkip
		}
		return cur.Transition(fleet.StateProvisioning, r.now())
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim runner %s: %w", id, err)
	}

	be, ok := r.backends[g.Name]
	if !ok {
		r.markFailed(ctx, id, "no backend configured", nil)
		return fmt.Errorf("no backend for group %s", g.Name)
	}
	if r.platform == nil {
		r.markFailed(ctx, id, "no platform client configured", nil)
		return errors.New("no platform client")
	}

	logger := r.logger.With(
		slog.String("group", g.Name),
		slog.String("runner", rec.Name),
	)

	token, err := retry.NewWithValue(func(ctx context.Context) (github.RegistrationToken, error) {
		return r.platform.CreateRegistrationToken(ctx)
	}).
		WithCheck(func(_ int, err error) bool { return github.IsRetryable(err) }).
		WithMaxTries(r.retryBudget).
		WithBackoff(r.retryMin, r.retryMax).
		WithSlog(logger).
		RunValue(ctx)
	if err != nil {
		r.markFailed(ctx, id, "registration token fetch failed", err)
		return fmt.Errorf("registration token for %s: %w", rec.Name, err)
	}

	spec := backend.InstanceSpec{
		Name:         rec.Name,
		Group:        g.Name,
		Image:        g.Template.Image,
		Size:         g.Template.Size,
		TemplateHash: rec.TemplateHash,
		Env: map[string]string{
			backend.EnvRunnerName:      rec.Name,
			backend.EnvRunnerURL:       r.platform.URL(),
			backend.EnvRunnerToken:     token.Token,
			backend.EnvRunnerLabels:    strings.Join(rec.Labels, ","),
			backend.EnvRunnerEphemeral: "true",
		},
	}

	inst, err := retry.NewWithValue(func(ctx context.Context) (backend.Instance, error) {
		return be.Create(ctx, spec)
	}).
		WithCheck(func(_ int, err error) bool { return backend.IsTransient(err) }).
		WithMaxTries(r.retryBudget).
		WithBackoff(r.retryMin, r.retryMax).
		WithSlog(logger).
		RunValue(ctx)
	if err != nil {
		r.markFailed(ctx, id, "instance creation failed", err)
		return fmt.Errorf("create instance for %s: %w", rec.Name, err)
	}

	_, err = r.store.Update(ctx, id, func(cur *fleet.Runner) error {
		if err := cur.AssignHandle(inst.Handle); err != nil {
			return err
		}
		return cur.Transition(fleet.StateRegistering, r.now())
	})
	if err != nil {
		// The instance exists but the record does not know it.  Drift
		// adoption or duplicate deletion picks it up next pass.
		logger.Error("instance created but record update failed",
			slog.String("handle", inst.Handle),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("record handle for %s: %w", rec.Name, err)
	}

	if r.runnersCreated != nil {
		r.runnersCreated.Add(ctx, 1)
	}
	logger.Info("instance provisioned", slog.String("handle", inst.Handle))
	return nil
}

// runDeprovision is the deprovision task body: deregister from the
// platform, delete the instance, purge the record.  Deregistration
// comes first so a draining agent cannot pick up a job while its
// instance is being deleted.  The backend delete is attempted once per
// round; transient failures bump DeleteAttempts and the next pass
// schedules another round after the backoff delay.
func (r *Reconciler) runDeprovision(ctx context.Context, g fleet.Group, id string) error {
	rec, err := r.store.Update(ctx, id, func(cur *fleet.Runner) error {
		switch cur.State {
		case fleet.StateDraining, fleet.StateFailed:
			return cur.Transition(fleet.StateTerminating, r.now())
		case fleet.StateTerminating:
			return nil
		default:
			return errSkip
		}
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim runner %s: %w", id, err)
	}

	logger := r.logger.With(
		slog.String("group", g.Name),
		slog.String("runner", rec.Name),
	)

	if r.platform != nil {
		if err := r.platform.RemoveRunner(ctx, rec.Name); err != nil {
			logger.Warn("platform deregistration failed", slog.String("error", err.Error()))
		}
	}

	if rec.Handle != "" {
		be, ok := r.backends[g.Name]
		if !ok {
			return fmt.Errorf("no backend for group %s", g.Name)
		}
		if err := be.Delete(ctx, rec.Handle); err != nil {
			if _, uerr := r.store.Update(ctx, id, func(cur *fleet.Runner) error {
				cur.DeleteAttempts++
				return nil
			}); uerr != nil {
				logger.Error("failed to record delete attempt", slog.String("error", uerr.Error()))
			}
			transient := backend.IsTransient(err)
			logger.Warn("instance delete failed",
				slog.String("handle", rec.Handle),
				slog.Bool("transient", transient),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("delete instance %s: %w", rec.Handle, err)
		}
	}

	r.purgeRecord(ctx, rec, "instance deleted")
	return nil
}
