// Package domain defines typed identifiers and enums shared across the
// privacy engine. IDs are distinct UUID-backed types so the compiler rejects
// cross-type assignment (a SubjectID can never be passed where a ResourceID
// is expected).
//
// Construct IDs via the Parse* functions at trust boundaries; direct casting
// bypasses validation.
package domain

import (
	"github.com/google/uuid"

	dErrors "civicpulse/pkg/domain-errors"
)

// SubjectID identifies the person on whose behalf a private query is
// executed. Budget accounting is keyed on this ID.
type SubjectID uuid.UUID

// ResourceID identifies the protected resource a query targets, typically a
// poll. Optional on ledger entries.
type ResourceID uuid.UUID

// EntryID identifies a single privacy ledger entry.
type EntryID uuid.UUID

// NewEntryID allocates a fresh ledger entry ID.
func NewEntryID() EntryID { return EntryID(uuid.New()) }

// ParseSubjectID validates and returns a SubjectID from external input.
// Errors: CodeInvalidInput when the value is empty, malformed, or nil.
func ParseSubjectID(s string) (SubjectID, error) {
	u, err := parseUUID(s, "subject_id")
	if err != nil {
		return SubjectID{}, err
	}
	return SubjectID(u), nil
}

// ParseResourceID validates and returns a ResourceID from external input.
func ParseResourceID(s string) (ResourceID, error) {
	u, err := parseUUID(s, "resource_id")
	if err != nil {
		return ResourceID{}, err
	}
	return ResourceID(u), nil
}

// ParseEntryID validates and returns an EntryID from external input.
func ParseEntryID(s string) (EntryID, error) {
	u, err := parseUUID(s, "entry_id")
	if err != nil {
		return EntryID{}, err
	}
	return EntryID(u), nil
}

func parseUUID(s, field string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s cannot be empty", field)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s is not a valid UUID", field)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s cannot be the nil UUID", field)
	}
	return u, nil
}

func (id SubjectID) String() string { return uuid.UUID(id).String() }
func (id SubjectID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id ResourceID) String() string { return uuid.UUID(id).String() }
func (id ResourceID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id EntryID) String() string { return uuid.UUID(id).String() }
func (id EntryID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
