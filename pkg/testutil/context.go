package testutil

import (
	"net/http"

	id "civicpulse/pkg/domain"
	"civicpulse/pkg/requestcontext"
)

// WithSubjectID adds an authenticated subject to the request context,
// simulating what the auth middleware does for valid tokens. Invalid UUIDs
// are silently skipped so tests can exercise the unauthenticated path.
func WithSubjectID(req *http.Request, subjectID string) *http.Request {
	parsed, err := id.ParseSubjectID(subjectID)
	if err != nil {
		return req
	}
	return req.WithContext(requestcontext.WithSubjectID(req.Context(), parsed))
}
