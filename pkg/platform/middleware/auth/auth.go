// Package auth provides Bearer-token authentication middleware. The
// validated subject ID lands in the request context; handlers charge that
// subject's privacy budget and never accept a subject from the request body.
package auth

import (
	"log/slog"
	"net/http"
	"strings"

	id "civicpulse/pkg/domain"
	dErrors "civicpulse/pkg/domain-errors"
	"civicpulse/pkg/platform/httputil"
	"civicpulse/pkg/requestcontext"
)

// TokenClaims is what the middleware needs from a validated token.
type TokenClaims struct {
	SubjectID string
}

// TokenValidator validates an access token and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*TokenClaims, error)
}

// RequireAuth rejects requests without a valid Bearer token and stores the
// token's subject ID in the context.
func RequireAuth(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := requestcontext.RequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token", "request_id", requestID)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"request_id", requestID,
					"error", err,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return
			}

			subjectID, err := id.ParseSubjectID(claims.SubjectID)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - malformed subject claim",
					"request_id", requestID,
					"error", err,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid subject claim"))
				return
			}

			ctx = requestcontext.WithSubjectID(ctx, subjectID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
