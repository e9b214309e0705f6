// Package requestid assigns each request a correlation ID.
package requestid

import (
	"net/http"

	"github.com/google/uuid"

	"civicpulse/pkg/requestcontext"
)

// Header carries the request ID in both directions: an incoming value is
// trusted from the edge proxy, and the chosen ID is echoed on the response.
const Header = "X-Request-ID"

// Middleware stores the request ID in the context and response header,
// generating one when the client did not send it.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(Header)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := requestcontext.WithRequestID(r.Context(), requestID)
		w.Header().Set(Header, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
