// Package ledger persists privacy ledger entries and enforces the
// per-subject budget invariant: the sum of epsilon used inside the trailing
// window never exceeds the configured maximum, even under concurrent writers.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"civicpulse/internal/privacy/config"
	"civicpulse/internal/privacy/models"
	id "civicpulse/pkg/domain"
	dErrors "civicpulse/pkg/domain-errors"
)

// defaultListLimit caps ListEntries pages when the caller does not set one.
const defaultListLimit = 50

// InMemoryLedgerStore implements the ledger over process memory. Reference
// implementation and unit-test backend; production deployments use
// PostgresLedgerStore.
//
// Locking discipline: a read-write mutex guards the subject map; each subject
// owns its own mutex held across the check-then-append in ReserveAndCommit.
// Reservations for the same subject serialize, different subjects proceed in
// parallel.
type InMemoryLedgerStore struct {
	mu       sync.RWMutex
	subjects map[id.SubjectID]*subjectLedger
	cfg      config.Config
}

type subjectLedger struct {
	mu      sync.Mutex
	entries []models.LedgerEntry
	// byIdempotencyKey indexes committed entries for replay lookups.
	byIdempotencyKey map[string]int
}

// NewInMemory creates an empty in-memory ledger store enforcing the given
// configuration.
func NewInMemory(cfg config.Config) *InMemoryLedgerStore {
	return &InMemoryLedgerStore{
		subjects: make(map[id.SubjectID]*subjectLedger),
		cfg:      cfg,
	}
}

// RemainingBudget returns the subject's unspent epsilon over the window
// ending at asOf.
func (s *InMemoryLedgerStore) RemainingBudget(_ context.Context, subjectID id.SubjectID, asOf time.Time) (float64, error) {
	sl := s.subject(subjectID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return s.cfg.MaxEpsilonPerSubject - sl.windowSum(asOf, s.cfg.Window), nil
}

// ReserveAndCommit atomically checks the subject's remaining budget as of
// entry.Timestamp and appends the entry if it fits. The subject mutex covers
// the whole check-then-write, so two racing reservations can never jointly
// overspend the budget.
func (s *InMemoryLedgerStore) ReserveAndCommit(_ context.Context, entry models.LedgerEntry) (float64, error) {
	if entry.SubjectID.IsNil() {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "subject_id is required")
	}
	sl := s.subject(entry.SubjectID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	remaining := s.cfg.MaxEpsilonPerSubject - sl.windowSum(entry.Timestamp, s.cfg.Window)
	if entry.EpsilonUsed > remaining {
		return 0, dErrors.Wrap(
			&models.BudgetExceededError{Remaining: remaining, Requested: entry.EpsilonUsed},
			dErrors.CodeBudgetExceeded, "reservation rejected")
	}

	sl.entries = append(sl.entries, entry)
	if entry.IdempotencyKey != "" {
		sl.byIdempotencyKey[entry.IdempotencyKey] = len(sl.entries) - 1
	}
	return remaining - entry.EpsilonUsed, nil
}

// FindByIdempotencyKey returns the entry committed under the key, or nil.
func (s *InMemoryLedgerStore) FindByIdempotencyKey(_ context.Context, subjectID id.SubjectID, key string) (*models.LedgerEntry, error) {
	if key == "" {
		return nil, nil
	}
	sl := s.subject(subjectID)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	idx, ok := sl.byIdempotencyKey[key]
	if !ok {
		return nil, nil
	}
	entry := sl.entries[idx]
	return &entry, nil
}

// ListEntries returns a page of the subject's entries, newest first.
func (s *InMemoryLedgerStore) ListEntries(_ context.Context, subjectID id.SubjectID, filter models.ListFilter) ([]models.LedgerEntry, error) {
	sl := s.subject(subjectID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	matched := make([]models.LedgerEntry, 0, len(sl.entries))
	for _, e := range sl.entries {
		if filter.QueryType != "" && e.QueryType != filter.QueryType {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	start := filter.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

// AggregateStats summarizes all recorded entries.
func (s *InMemoryLedgerStore) AggregateStats(_ context.Context) (models.LedgerStats, error) {
	s.mu.RLock()
	ledgers := make([]*subjectLedger, 0, len(s.subjects))
	for _, sl := range s.subjects {
		ledgers = append(ledgers, sl)
	}
	s.mu.RUnlock()

	var stats models.LedgerStats
	var scaleSum float64
	var satisfied int64
	for _, sl := range ledgers {
		sl.mu.Lock()
		for _, e := range sl.entries {
			stats.TotalQueries++
			stats.TotalEpsilonUsed += e.EpsilonUsed
			scaleSum += e.NoiseScale
			if e.KAnonymitySatisfied {
				satisfied++
			}
		}
		sl.mu.Unlock()
	}
	if stats.TotalQueries > 0 {
		stats.AverageNoiseScale = scaleSum / float64(stats.TotalQueries)
		stats.KAnonymitySatisfiedRate = float64(satisfied) / float64(stats.TotalQueries)
	}
	return stats, nil
}

// DeleteOlderThan prunes entries with timestamps before cutoff.
func (s *InMemoryLedgerStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.RLock()
	ledgers := make([]*subjectLedger, 0, len(s.subjects))
	for _, sl := range s.subjects {
		ledgers = append(ledgers, sl)
	}
	s.mu.RUnlock()

	var removed int64
	for _, sl := range ledgers {
		sl.mu.Lock()
		kept := sl.entries[:0]
		for _, e := range sl.entries {
			if e.Timestamp.Before(cutoff) {
				removed++
				if e.IdempotencyKey != "" {
					delete(sl.byIdempotencyKey, e.IdempotencyKey)
				}
				continue
			}
			kept = append(kept, e)
		}
		sl.entries = kept
		// Reindex: positions shifted after compaction.
		for i, e := range sl.entries {
			if e.IdempotencyKey != "" {
				sl.byIdempotencyKey[e.IdempotencyKey] = i
			}
		}
		sl.mu.Unlock()
	}
	return removed, nil
}

func (s *InMemoryLedgerStore) subject(subjectID id.SubjectID) *subjectLedger {
	s.mu.RLock()
	sl := s.subjects[subjectID]
	s.mu.RUnlock()
	if sl != nil {
		return sl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sl = s.subjects[subjectID]; sl == nil {
		sl = &subjectLedger{byIdempotencyKey: make(map[string]int)}
		s.subjects[subjectID] = sl
	}
	return sl
}

// windowSum adds up epsilon spent inside [asOf - window, asOf].
// Caller holds the subject mutex.
func (sl *subjectLedger) windowSum(asOf time.Time, window time.Duration) float64 {
	cutoff := asOf.Add(-window)
	var sum float64
	for _, e := range sl.entries {
		if e.Timestamp.Before(cutoff) || e.Timestamp.After(asOf) {
			continue
		}
		sum += e.EpsilonUsed
	}
	return sum
}
