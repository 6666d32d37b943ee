package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ReadyzCheck probes one downstream dependency (queue service, database,
// redis) for the readiness gate.
type ReadyzCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Healthz reports process liveness only; readiness is Readyz's job.
func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// Readyz runs every dependency probe under one shared deadline and names the
// first failing dependency, so orchestration logs show what is holding
// readiness back.
func Readyz(timeout time.Duration, checks ...ReadyzCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		for _, c := range checks {
			if err := c.Probe(ctx); err != nil {
				slog.Warn("readiness probe failed", "check", c.Name, "err", err)
				http.Error(w, c.Name+" not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
