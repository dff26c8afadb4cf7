// Package health provides the HTTP health check handler.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/paddock-ci/paddock/internal/buildinfo"
)

// Pinger is the slice of the runner store the handler probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Response represents the health check response body.
type Response struct {
	Status       string            `json:"status"`
	ServiceName  string            `json:"service_name"`
	Version      string            `json:"version"`
	Commit       string            `json:"commit"`
	BuildTime    string            `json:"build_time"`
	GoVersion    string            `json:"go_version"`
	OS           string            `json:"os"`
	Architecture string            `json:"architecture"`
	Store        string            `json:"store"`
	Backends     map[string]string `json:"backends,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Handler responds to health check requests.  It reports build info,
// the configured backend per group, and the store's reachability: a
// failed store ping turns the status "degraded" with a 503 so load
// balancers can rotate the instance out.  Backends are listed but not
// probed; an unreachable backend surfaces through reconcile pass
// errors, not here.
func Handler(store Pinger, backends map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		httpStatus := http.StatusOK
		storeStatus := "ok"

		if store != nil {
			if err := store.Ping(r.Context()); err != nil {
				status = "degraded"
				httpStatus = http.StatusServiceUnavailable
				storeStatus = err.Error()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)

		response := Response{
			Status:       status,
			ServiceName:  "paddock",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Store:        storeStatus,
			Backends:     backends,
			Timestamp:    time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
