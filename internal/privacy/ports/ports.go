// Package ports defines shared interfaces for the privacy module.
// Interfaces are placed here when consumed by multiple services to avoid
// duplication.
package ports

import (
	"context"
	"log/slog"
	"time"

	"civicpulse/internal/privacy/models"
	id "civicpulse/pkg/domain"
	"civicpulse/pkg/platform/audit"
	"civicpulse/pkg/requestcontext"
)

// LedgerStore persists privacy ledger entries and enforces the per-subject
// budget invariant.
type LedgerStore interface {
	// RemainingBudget returns limit minus the sum of epsilon used by the
	// subject over the trailing window ending at asOf. Read-only; may be
	// served from a replica for display purposes.
	RemainingBudget(ctx context.Context, subjectID id.SubjectID, asOf time.Time) (float64, error)

	// ReserveAndCommit atomically recomputes the subject's remaining budget
	// as of entry.Timestamp and appends the entry if it fits. The
	// check-then-write sequence is linearizable per subject: two concurrent
	// reservations must never jointly overspend the budget. On rejection the
	// error carries CodeBudgetExceeded and wraps a
	// models.BudgetExceededError with the remaining budget; nothing is
	// written.
	ReserveAndCommit(ctx context.Context, entry models.LedgerEntry) (remaining float64, err error)

	// FindByIdempotencyKey returns the entry previously committed under the
	// key, or nil when the key is unused.
	FindByIdempotencyKey(ctx context.Context, subjectID id.SubjectID, key string) (*models.LedgerEntry, error)

	// ListEntries returns a finite, restartable page of the subject's
	// entries, newest first.
	ListEntries(ctx context.Context, subjectID id.SubjectID, filter models.ListFilter) ([]models.LedgerEntry, error)

	// AggregateStats summarizes ledger activity across all subjects.
	// Eventually consistent.
	AggregateStats(ctx context.Context) (models.LedgerStats, error)

	// DeleteOlderThan prunes entries with timestamps before cutoff and
	// returns how many were removed. Retention cleanup only; the caller is
	// responsible for keeping cutoff older than the budget window.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ResultCache stores terminal query results so replays return the original
// result without re-reserving budget or re-sampling noise. Callers key
// entries per subject; the cache itself treats keys as opaque.
type ResultCache interface {
	Get(ctx context.Context, key string) (*models.QueryResult, error)
	Set(ctx context.Context, key string, result models.QueryResult, ttl time.Duration) error
}

// AggregateProvider is the capability handed in by the out-of-scope
// vote-storage layer: it fetches the true statistic and participant count for
// a resource. The engine never queries storage directly.
type AggregateProvider func(ctx context.Context, resourceID id.ResourceID) (models.RawAggregate, error)

// HistogramProvider is the histogram-shaped variant of AggregateProvider.
type HistogramProvider func(ctx context.Context, resourceID id.ResourceID) (models.RawHistogram, error)

// AuditPublisher emits audit events for privacy-relevant operations.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// LogAudit is a shared helper for recording audit events across privacy
// services. It logs to the structured logger and forwards the event to the
// audit publisher when one is configured. Timestamp and RequestID are filled
// from the context when unset.
func LogAudit(ctx context.Context, logger *slog.Logger, publisher AuditPublisher, event audit.Event, attrs ...any) {
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}

	if logger != nil {
		args := append(attrs, "event", string(event.Action), "log_type", "audit")
		if event.RequestID != "" {
			args = append(args, "request_id", event.RequestID)
		}
		logger.InfoContext(ctx, string(event.Action), args...)
	}

	if publisher == nil {
		return
	}
	if err := publisher.Emit(ctx, event); err != nil && logger != nil {
		logger.WarnContext(ctx, "failed to emit audit event", "event", string(event.Action), "error", err)
	}
}
