// Package audit defines the audit event model for the privacy engine. Every
// query attempt, accepted or not, produces an event so compliance reviews can
// reconstruct the full history of releases against a subject's budget.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Action names an auditable occurrence.
type Action string

// Audit actions emitted by the engine.
const (
	// ActionQueryReleased: a noised statistic was released to the caller.
	ActionQueryReleased Action = "privacy_query_released"

	// ActionQuerySuppressed: the k-anonymity gate failed; no statistic
	// released, no epsilon charged.
	ActionQuerySuppressed Action = "privacy_query_suppressed"

	// ActionBudgetExceeded: the reservation was rejected; no statistic
	// released.
	ActionBudgetExceeded Action = "privacy_budget_exceeded"

	// ActionProviderFailed: the raw-aggregate provider failed or timed out;
	// no budget consumed.
	ActionProviderFailed Action = "privacy_provider_failed"

	// ActionIdempotentReplay: a previously computed result was returned for
	// a repeated idempotency key.
	ActionIdempotentReplay Action = "privacy_idempotent_replay"

	// ActionLedgerPruned: the retention worker removed expired entries.
	ActionLedgerPruned Action = "privacy_ledger_pruned"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp time.Time
	Action    Action

	// SubjectIDHash is a SHA-256 hash of the subject identifier. The audit
	// trail must stay joinable per subject without carrying the raw ID
	// outside the engine.
	SubjectIDHash string

	ResourceID  string
	QueryType   string
	EpsilonUsed float64
	NoiseScale  float64
	Reason      string
	RequestID   string
}

// HashSubjectID returns the hex SHA-256 of a subject identifier for
// PII-free audit traceability.
func HashSubjectID(subjectID string) string {
	sum := sha256.Sum256([]byte(subjectID))
	return hex.EncodeToString(sum[:])
}

// Store is an append-only sink for audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}
