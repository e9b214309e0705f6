package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "civicpulse/pkg/domain-errors"
)

// TestParseSubjectID_Invariants validates the parsing invariant:
// IDs must be valid, non-empty, non-nil UUIDs.
func TestParseSubjectID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseSubjectID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseSubjectID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseSubjectID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		valid := uuid.New()
		id, err := ParseSubjectID(valid.String())
		require.NoError(t, err)
		assert.Equal(t, SubjectID(valid), id)
	})
}

// TestParseID_SecurityInvariants validates trust-boundary parsing rules:
// attack vectors must be rejected at API entry points.
func TestParseID_SecurityInvariants(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"SQL injection attempt", "'; DROP TABLE privacy_ledger;--"},
		{"path traversal", "../../../etc/passwd"},
		{"null byte injection", "550e8400\x00-e29b-41d4-a716-446655440000"},
		{"oversized input", strings.Repeat("a", 1000)},
		{"unicode zero-width space", "550e8400​-e29b-41d4-a716-446655440000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResourceID(tt.input)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}
}

func TestParseQueryType(t *testing.T) {
	t.Run("accepts supported types", func(t *testing.T) {
		for _, s := range []string{"count", "aggregate", "histogram", "custom"} {
			qt, err := ParseQueryType(s)
			require.NoError(t, err)
			assert.True(t, qt.IsValid())
		}
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := ParseQueryType("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects unknown", func(t *testing.T) {
		_, err := ParseQueryType("median")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}

// TestTypeDistinction verifies the compiler enforces type safety between ID
// kinds. If this compiles, the invariant holds.
func TestTypeDistinction(t *testing.T) {
	subjectID := SubjectID(uuid.New())
	resourceID := ResourceID(uuid.New())

	// These would fail to compile if types were interchangeable:
	// var _ SubjectID = resourceID // compile error
	// var _ ResourceID = subjectID // compile error

	assert.NotEqual(t, uuid.UUID(subjectID), uuid.UUID(resourceID))
}
