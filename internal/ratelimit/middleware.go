package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	dErrors "civicpulse/pkg/domain-errors"
	"civicpulse/pkg/platform/httputil"
	"civicpulse/pkg/platform/middleware/metadata"
	"civicpulse/pkg/requestcontext"
)

// Middleware rejects requests over the per-subject limit with 429. Keys on
// the authenticated subject, falling back to client IP for requests that
// reach it unauthenticated. Fails open when the store errors: a broken
// limiter must not take the query API down.
type Middleware struct {
	store  Store
	limit  int
	window time.Duration
	logger *slog.Logger
}

func NewMiddleware(store Store, limit int, window time.Duration, logger *slog.Logger) *Middleware {
	return &Middleware{store: store, limit: limit, window: window, logger: logger}
}

func (m *Middleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		key := requestcontext.SubjectID(ctx).String()
		if requestcontext.SubjectID(ctx).IsNil() {
			key = "ip:" + metadata.GetClientIP(ctx)
		}

		result, err := m.store.Allow(ctx, key, m.limit, m.window)
		if err != nil {
			m.logger.ErrorContext(ctx, "rate limit check failed, allowing request", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			retryAfter := time.Until(result.ResetAt).Seconds()
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter)))
			httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "query rate limit exceeded"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
