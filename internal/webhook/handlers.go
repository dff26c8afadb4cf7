package webhook

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	gogithub "github.com/google/go-github/v57/github"

	"github.com/paddock-ci/paddock/internal/dispatch"
	"github.com/paddock-ci/paddock/internal/store"
)

type ack struct {
	Status   string `json:"status"`
	Delivery string `json:"delivery,omitempty"`
}

type groupSummary struct {
	Name       string         `json:"name"`
	Backend    string         `json:"backend"`
	MinRunners int            `json:"min_runners"`
	MaxRunners int            `json:"max_runners"`
	Labels     []string       `json:"labels,omitempty"`
	Total      int            `json:"total"`
	Runners    map[string]int `json:"runners"`
}

// handleWebhook validates, parses and dispatches one GitHub delivery.
// A dispatch failure answers 5xx so the platform redelivers; the
// dispatcher only marks a delivery ID seen once it has been applied.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := gogithub.ValidatePayload(r, s.secret)
	if err != nil {
		s.logger.Warn("webhook delivery rejected",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		respondError(w, http.StatusUnauthorized,
			"INVALID_SIGNATURE", "signature verification failed")
		return
	}

	event, err := gogithub.ParseWebHook(gogithub.WebHookType(r), payload)
	if err != nil {
		respondError(w, http.StatusBadRequest,
			"INVALID_PAYLOAD", "webhook payload could not be parsed")
		return
	}

	switch ev := event.(type) {
	case *gogithub.WorkflowJobEvent:
		s.handleWorkflowJob(w, r, ev)
	case *gogithub.PingEvent:
		respondData(w, http.StatusOK, ack{Status: "ok"})
	default:
		// Event types the fleet does not react to are acknowledged so
		// the platform does not retry them.
		respondData(w, http.StatusOK, ack{Status: "ignored"})
	}
}

func (s *Server) handleWorkflowJob(w http.ResponseWriter, r *http.Request, ev *gogithub.WorkflowJobEvent) {
	job := ev.GetWorkflowJob()
	if job == nil {
		respondError(w, http.StatusBadRequest,
			"INVALID_PAYLOAD", "workflow_job event carries no job")
		return
	}

	dev := dispatch.Event{
		ID:         gogithub.DeliveryID(r),
		JobID:      strconv.FormatInt(job.GetID(), 10),
		JobLabels:  job.Labels,
		RunnerName: job.GetRunnerName(),
	}

	switch ev.GetAction() {
	case "queued":
		dev.Kind = dispatch.KindJobQueued
		dev.Time = job.GetCreatedAt().Time
	case "in_progress":
		dev.Kind = dispatch.KindJobStarted
		dev.Time = job.GetStartedAt().Time
	case "completed":
		dev.Kind = dispatch.KindJobCompleted
		dev.Time = job.GetCompletedAt().Time
	default:
		// "waiting" and future actions carry nothing the fleet acts on.
		respondData(w, http.StatusOK, ack{Status: "ignored"})
		return
	}

	if err := s.events.Handle(r.Context(), dev); err != nil {
		s.logger.Error("event dispatch failed",
			slog.String("delivery", dev.ID),
			slog.String("kind", string(dev.Kind)),
			slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError,
			"EVENT_FAILED", "event could not be applied; delivery will be retried")
		return
	}

	respondData(w, http.StatusAccepted, ack{Status: "accepted", Delivery: dev.ID})
}

// ---------------------------------------------------------------------------
// Operator API
// ---------------------------------------------------------------------------

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	out := make([]groupSummary, 0, len(s.groups))
	for _, g := range s.groups {
		runners, err := s.store.List(r.Context(), g.Name)
		if err != nil {
			respondError(w, http.StatusInternalServerError,
				"STORE_ERROR", "listing runners failed")
			return
		}

		counts := make(map[string]int)
		for _, rec := range runners {
			counts[string(rec.State)]++
		}

		out = append(out, groupSummary{
			Name:       g.Name,
			Backend:    g.Backend,
			MinRunners: g.MinRunners,
			MaxRunners: g.MaxRunners,
			Labels:     g.Template.Labels,
			Total:      len(runners),
			Runners:    counts,
		})
	}
	respondData(w, http.StatusOK, out)
}

func (s *Server) listGroupRunners(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "group")

	known := false
	for _, g := range s.groups {
		if g.Name == name {
			known = true
			break
		}
	}
	if !known {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "unknown group")
		return
	}

	runners, err := s.store.List(r.Context(), name)
	if err != nil {
		respondError(w, http.StatusInternalServerError,
			"STORE_ERROR", "listing runners failed")
		return
	}
	respondData(w, http.StatusOK, runners)
}

func (s *Server) listRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.store.List(r.Context(), "")
	if err != nil {
		respondError(w, http.StatusInternalServerError,
			"STORE_ERROR", "listing runners failed")
		return
	}
	respondData(w, http.StatusOK, runners)
}

func (s *Server) getRunner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	runner, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "no such runner")
			return
		}
		respondError(w, http.StatusInternalServerError,
			"STORE_ERROR", "loading runner failed")
		return
	}
	respondData(w, http.StatusOK, runner)
}
