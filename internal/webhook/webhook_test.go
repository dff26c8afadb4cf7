package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paddock-ci/paddock/internal/dispatch"
	"github.com/paddock-ci/paddock/internal/fleet"
	"github.com/paddock-ci/paddock/internal/store"
)

var testSecret = []byte("s3cr3t-hmac-key")

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type recordingSink struct {
	mu     sync.Mutex
	events []dispatch.Event
	err    error
}

func (s *recordingSink) Handle(_ context.Context, ev dispatch.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) recorded() []dispatch.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.Event, len(s.events))
	copy(out, s.events)
	return out
}

func ciGroup() fleet.Group {
	return fleet.Group{
		Name:       "ci",
		Backend:    "docker",
		MinRunners: 1,
		MaxRunners: 4,
		Template: fleet.Template{
			Image:  "ghcr.io/paddock/runner:latest",
			Labels: []string{"self-hosted", "linux"},
		},
	}
}

func gpuGroup() fleet.Group {
	return fleet.Group{
		Name:       "gpu",
		Backend:    "gcp",
		MaxRunners: 2,
		Template: fleet.Template{
			Image:  "projects/paddock/global/images/runner-gpu",
			Labels: []string{"self-hosted", "linux", "gpu"},
		},
	}
}

func newTestServer(t *testing.T, sink EventSink, opts ...func(*Config)) (*Server, *store.Memory) {
	t.Helper()

	st := store.NewMemory()
	cfg := Config{
		WebhookSecret: testSecret,
		Store:         st,
		Events:        sink,
		Groups:        []fleet.Group{ciGroup(), gpuGroup()},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	return srv, st
}

func seedRunner(t *testing.T, st store.Store, g fleet.Group, target fleet.State) *fleet.Runner {
	t.Helper()

	now := time.Now()
	rec := fleet.NewRunner(g, now)
	for _, next := range []fleet.State{
		fleet.StateProvisioning, fleet.StateRegistering, fleet.StateIdle, fleet.StateBusy,
	} {
		if rec.State == target {
			break
		}
		require.NoError(t, rec.Transition(next, now))
	}
	require.Equal(t, target, rec.State)
	require.NoError(t, st.Upsert(context.Background(), rec))
	return rec
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, testSecret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func rawSignedRequest(event string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	req.Header.Set("X-Hub-Signature-256", sign(body))
	return req
}

func signedRequest(t *testing.T, event string, payload any) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return rawSignedRequest(event, body)
}

func jobEvent(action string, id int64, labels []string, runner string, at time.Time) *gogithub.WorkflowJobEvent {
	job := &gogithub.WorkflowJob{
		ID:     gogithub.Int64(id),
		Labels: labels,
	}
	ts := &gogithub.Timestamp{Time: at}
	switch action {
	case "queued":
		job.CreatedAt = ts
	case "in_progress":
		job.StartedAt = ts
	case "completed":
		job.CompletedAt = ts
	}
	if runner != "" {
		job.RunnerName = gogithub.String(runner)
	}
	return &gogithub.WorkflowJobEvent{
		Action:      gogithub.String(action),
		WorkflowJob: job,
	}
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Error.Code
}

// ---------------------------------------------------------------------------
// Webhook deliveries
// ---------------------------------------------------------------------------

func TestWebhookQueuedDispatchesJobQueued(t *testing.T) {
	sink := &recordingSink{}
	srv, _ := newTestServer(t, sink)

	queuedAt := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	labels := []string{"self-hosted", "linux"}
	rr := serve(srv, signedRequest(t, "workflow_job", jobEvent("queued", 12345, labels, "", queuedAt)))

	require.Equal(t, http.StatusAccepted, rr.Code)

	events := sink.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, dispatch.KindJobQueued, events[0].Kind)
	assert.Equal(t, "12345", events[0].JobID)
	assert.Equal(t, labels, events[0].JobLabels)
	assert.Equal(t, "delivery-1", events[0].ID)
	assert.Empty(t, events[0].RunnerName)
	assert.True(t, events[0].Time.Equal(queuedAt))
}

func TestWebhookInProgressDispatchesJobStarted(t *testing.T) {
	sink := &recordingSink{}
	srv, _ := newTestServer(t, sink)

	startedAt := time.Date(2026, 4, 1, 9, 31, 0, 0, time.UTC)
	rr := serve(srv, signedRequest(t, "workflow_job",
		jobEvent("in_progress", 12345, []string{"self-hosted", "linux"}, "ci-ab12cd34", startedAt)))

	require.Equal(t, http.StatusAccepted, rr.Code)

	events := sink.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, dispatch.KindJobStarted, events[0].Kind)
	assert.Equal(t, "ci-ab12cd34", events[0].RunnerName)
	assert.True(t, events[0].Time.Equal(startedAt))
}

func TestWebhookCompletedDispatchesJobCompleted(t *testing.T) {
	sink := &recordingSink{}
	srv, _ := newTestServer(t, sink)

	doneAt := time.Date(2026, 4, 1, 9, 45, 0, 0, time.UTC)
	rr := serve(srv, signedRequest(t, "workflow_job",
		jobEvent("completed", 12345, []string{"self-hosted", "linux"}, "ci-ab12cd34", doneAt)))

	require.Equal(t, http.StatusAccepted, rr.Code)

	events := sink.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, dispatch.KindJobCompleted, events[0].Kind)
	assert.Equal(t, "ci-ab12cd34", events[0].RunnerName)
	assert.True(t, events[0].Time.Equal(doneAt))
}

func TestWebhookWaitingActionIgnored(t *testing.T) {
	sink := &recordingSink{}
	srv, _ := newTestServer(t, sink)

	rr := serve(srv, signedRequest(t, "workflow_job",
		jobEvent("waiting", 12345, []string{"self-hosted"}, "", time.Now())))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, sink.recorded())
}

func TestWebhookPingAcknowledged(t *testing.T) {
	sink := &recordingSink{}
	srv, _ := newTestServer(t, sink)

	rr := serve(srv, signedRequest(t, "ping",
		&gogithub.PingEvent{Zen: gogithub.String("Practicality beats purity.")}))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, sink.recorded())
}

func TestWebhookUnknownEventAcknowledged(t *testing.T) {
	sink := &recordingSink{}
	srv, _ := newTestServer(t, sink)

	rr := serve(srv, signedRequest(t, "push", &gogithub.PushEvent{}))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, sink.recorded())
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	sink := &recordingSink{}
	srv, _ := newTestServer(t, sink)

	body, err := json.Marshal(jobEvent("queued", 1, []string{"self-hosted"}, "", time.Now()))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "workflow_job")
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(bytes.Repeat([]byte{0xab}, 32)))

	rr := serve(srv, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_SIGNATURE", errorCode(t, rr))
	assert.Empty(t, sink.recorded())
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	sink := &recordingSink{}
	srv, _ := newTestServer(t, sink)

	body, err := json.Marshal(jobEvent("queued", 1, []string{"self-hosted"}, "", time.Now()))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "workflow_job")

	rr := serve(srv, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Empty(t, sink.recorded())
}

func TestWebhookMalformedPayloadRejected(t *testing.T) {
	sink := &recordingSink{}
	srv, _ := newTestServer(t, sink)

	rr := serve(srv, rawSignedRequest("workflow_job", []byte(`{"action": 12}`)))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_PAYLOAD", errorCode(t, rr))
}

func TestWebhookJobEventWithoutJobRejected(t *testing.T) {
	sink := &recordingSink{}
	srv, _ := newTestServer(t, sink)

	rr := serve(srv, rawSignedRequest("workflow_job", []byte(`{"action": "queued"}`)))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, sink.recorded())
}

// A dispatch failure must surface as a 5xx so the platform redelivers;
// the dispatcher only marks a delivery seen after applying it.
func TestWebhookDispatchFailureAnswers500(t *testing.T) {
	sink := &recordingSink{err: errors.New("store unavailable")}
	srv, _ := newTestServer(t, sink)

	rr := serve(srv, signedRequest(t, "workflow_job",
		jobEvent("queued", 7, []string{"self-hosted"}, "", time.Now())))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "EVENT_FAILED", errorCode(t, rr))
}

// ---------------------------------------------------------------------------
// Operator API
// ---------------------------------------------------------------------------

func TestListGroupsReportsStateCounts(t *testing.T) {
	srv, st := newTestServer(t, &recordingSink{})

	seedRunner(t, st, ciGroup(), fleet.StateIdle)
	seedRunner(t, st, ciGroup(), fleet.StateBusy)

	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/api/v1/groups", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Data []groupSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)

	byName := make(map[string]groupSummary, len(resp.Data))
	for _, g := range resp.Data {
		byName[g.Name] = g
	}

	ci := byName["ci"]
	assert.Equal(t, "docker", ci.Backend)
	assert.Equal(t, 2, ci.Total)
	assert.Equal(t, 1, ci.Runners["idle"])
	assert.Equal(t, 1, ci.Runners["busy"])

	gpu := byName["gpu"]
	assert.Equal(t, "gcp", gpu.Backend)
	assert.Zero(t, gpu.Total)
}

func TestListGroupRunnersFiltersByGroup(t *testing.T) {
	srv, st := newTestServer(t, &recordingSink{})

	seedRunner(t, st, ciGroup(), fleet.StateIdle)
	seedRunner(t, st, gpuGroup(), fleet.StateIdle)

	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/api/v1/groups/ci/runners", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Data []*fleet.Runner `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "ci", resp.Data[0].Group)
}

func TestListGroupRunnersUnknownGroup(t *testing.T) {
	srv, _ := newTestServer(t, &recordingSink{})

	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/api/v1/groups/nope/runners", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rr))
}

func TestListRunnersSpansGroups(t *testing.T) {
	srv, st := newTestServer(t, &recordingSink{})

	seedRunner(t, st, ciGroup(), fleet.StateIdle)
	seedRunner(t, st, gpuGroup(), fleet.StateBusy)

	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/api/v1/runners", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Data []*fleet.Runner `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
}

func TestGetRunnerByID(t *testing.T) {
	srv, st := newTestServer(t, &recordingSink{})

	rec := seedRunner(t, st, ciGroup(), fleet.StateBusy)

	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/api/v1/runners/"+rec.ID, nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Data *fleet.Runner `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, rec.ID, resp.Data.ID)
	assert.Equal(t, fleet.StateBusy, resp.Data.State)
}

func TestGetRunnerMissing(t *testing.T) {
	srv, _ := newTestServer(t, &recordingSink{})

	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/api/v1/runners/no-such-id", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rr))
}

// ---------------------------------------------------------------------------
// Auth and routing
// ---------------------------------------------------------------------------

func TestAPIKeyGuardsOperatorAPI(t *testing.T) {
	srv, _ := newTestServer(t, &recordingSink{}, func(cfg *Config) {
		cfg.APIKey = "opaque-operator-key"
	})

	t.Run("missing key", func(t *testing.T) {
		rr := serve(srv, httptest.NewRequest(http.MethodGet, "/api/v1/runners", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "UNAUTHORIZED", errorCode(t, rr))
	})

	t.Run("wrong key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runners", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		rr := serve(srv, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("valid key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runners", nil)
		req.Header.Set("Authorization", "Bearer opaque-operator-key")
		rr := serve(srv, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("webhook endpoint unaffected", func(t *testing.T) {
		sink := &recordingSink{}
		guarded, _ := newTestServer(t, sink, func(cfg *Config) {
			cfg.APIKey = "opaque-operator-key"
		})
		rr := serve(guarded, signedRequest(t, "ping", &gogithub.PingEvent{}))
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestAPIOpenWithoutKey(t *testing.T) {
	srv, _ := newTestServer(t, &recordingSink{})

	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/api/v1/runners", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHealthEndpointMounted(t *testing.T) {
	srv, _ := newTestServer(t, &recordingSink{}, func(cfg *Config) {
		cfg.Health = func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}
	})

	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestNewValidatesConfig(t *testing.T) {
	st := store.NewMemory()
	sink := &recordingSink{}

	_, err := New(Config{Store: st, Events: sink})
	assert.Error(t, err, "missing webhook secret must be rejected")

	_, err = New(Config{WebhookSecret: testSecret, Events: sink})
	assert.Error(t, err, "missing store must be rejected")

	_, err = New(Config{WebhookSecret: testSecret, Store: st})
	assert.Error(t, err, "missing event sink must be rejected")
}

func TestRecoveryMiddlewareAnswers500(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, rr))
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		token, ok := bearerToken(req)
		assert.Equal(t, tc.ok, ok, "header %q", tc.header)
		assert.Equal(t, tc.token, token, "header %q", tc.header)
	}
}
