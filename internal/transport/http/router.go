// Package httptransport assembles the HTTP surface: middleware chain, public
// operational endpoints, and the authenticated privacy API.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	platformmetrics "civicpulse/internal/platform/metrics"
	privacyhandler "civicpulse/internal/privacy/handler"
	"civicpulse/internal/ratelimit"
	"civicpulse/pkg/platform/httputil"
	"civicpulse/pkg/platform/middleware/auth"
	"civicpulse/pkg/platform/middleware/logging"
	"civicpulse/pkg/platform/middleware/metadata"
	"civicpulse/pkg/platform/middleware/recovery"
	"civicpulse/pkg/platform/middleware/requestid"
	"civicpulse/pkg/platform/middleware/requesttime"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker func(ctx context.Context) error

// RouterDeps carries everything the router needs. Health checks are optional;
// nil entries are skipped.
type RouterDeps struct {
	Privacy      *privacyhandler.Handler
	Validator    auth.TokenValidator
	Logger       *slog.Logger
	HTTPMetrics  *platformmetrics.Metrics
	RateLimit    *ratelimit.Middleware
	HealthChecks map[string]HealthChecker
}

// NewRouter wires middleware and mounts all endpoints. The privacy API sits
// behind Bearer-token auth; /healthz and /metrics stay open for the platform.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(requestid.Middleware)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(recovery.Middleware(deps.Logger))
	r.Use(logging.Middleware(deps.Logger))
	if deps.HTTPMetrics != nil {
		r.Use(deps.HTTPMetrics.Middleware)
	}

	r.Get("/healthz", handleHealth(deps))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(deps.Validator, deps.Logger))
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}
		deps.Privacy.Register(r)
	})

	return r
}

func handleHealth(deps RouterDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		status := http.StatusOK
		checks := make(map[string]string, len(deps.HealthChecks))
		for name, check := range deps.HealthChecks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		body := map[string]any{"status": "ok"}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		if len(checks) > 0 {
			body["checks"] = checks
		}
		httputil.WriteJSON(w, status, body)
	}
}
