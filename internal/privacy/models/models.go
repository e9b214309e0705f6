// Package models defines the data types of the differential-privacy
// aggregation engine: ledger entries, query requests, and query results.
package models

import (
	"time"

	id "civicpulse/pkg/domain"
	dErrors "civicpulse/pkg/domain-errors"

	"civicpulse/internal/privacy/noise"
)

// LedgerEntry records one accepted or suppressed query against a subject's
// privacy budget. Entries are append-only: they are written exactly once by
// the ledger store and never mutated or deleted except by retention cleanup.
type LedgerEntry struct {
	ID                  id.EntryID    `json:"id"`
	SubjectID           id.SubjectID  `json:"subject_id"`
	ResourceID          id.ResourceID `json:"resource_id,omitempty"`
	EpsilonUsed         float64       `json:"epsilon_used"`
	QueryType           id.QueryType  `json:"query_type"`
	Timestamp           time.Time     `json:"timestamp"`
	Description         string        `json:"description,omitempty"`
	NoiseScale          float64       `json:"noise_scale"` // 0 when suppressed
	KAnonymitySatisfied bool          `json:"k_anonymity_satisfied"`
	IdempotencyKey      string        `json:"idempotency_key,omitempty"`
}

// QueryRequest describes one private query. Transient; never persisted.
type QueryRequest struct {
	SubjectID   id.SubjectID  `json:"subject_id"`
	ResourceID  id.ResourceID `json:"resource_id"`
	QueryType   id.QueryType  `json:"query_type"`
	EpsilonCost float64       `json:"epsilon_cost"`
	// Sensitivity is the maximum change in the raw statistic from adding or
	// removing one record. For vote counts this is 1.
	Sensitivity    float64 `json:"sensitivity"`
	Description    string  `json:"description,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// Validate checks the request fields a caller controls.
// Errors: CodeInvalidInput; these are caller errors and never reach the ledger.
func (r QueryRequest) Validate() error {
	if r.SubjectID.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "subject_id is required")
	}
	if !r.QueryType.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, "invalid query type")
	}
	if r.EpsilonCost <= 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "epsilon_cost must be strictly positive")
	}
	if r.Sensitivity <= 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "sensitivity must be strictly positive")
	}
	return nil
}

// RawAggregate is what the external vote-storage provider returns: the true
// statistic and how many distinct participants contributed to it.
type RawAggregate struct {
	TrueValue        float64
	ParticipantCount uint64
}

// RawHistogram is the histogram-shaped provider result: per-option true
// counts plus the distinct participant total for the k-anonymity gate.
type RawHistogram struct {
	Counts           map[string]float64
	ParticipantCount uint64
}

// QueryResult is the terminal outcome of a private query. Exactly one of the
// released fields is meaningful: when Suppressed is true no statistic was
// released and NoisyValue/Interval are zero.
type QueryResult struct {
	Suppressed bool `json:"suppressed"`

	NoisyValue         float64        `json:"noisy_value,omitempty"`
	ConfidenceInterval noise.Interval `json:"confidence_interval,omitempty"`

	// NoisyCounts is set for histogram queries instead of NoisyValue.
	NoisyCounts map[string]float64 `json:"noisy_counts,omitempty"`

	// RemainingBudget always accompanies the result so callers can
	// distinguish "not enough participants" from "no budget left".
	RemainingBudget float64 `json:"remaining_budget"`

	EntryID id.EntryID `json:"entry_id"`
}

// BudgetSnapshot reports a subject's budget position at a point in time.
// Served from reads that may be stale by replication lag; display only.
type BudgetSnapshot struct {
	SubjectID id.SubjectID `json:"subject_id"`
	Limit     float64      `json:"limit"`
	Used      float64      `json:"used"`
	Remaining float64      `json:"remaining"`
	AsOf      time.Time    `json:"as_of"`
}

// LedgerStats aggregates ledger activity for operators. Eventually consistent.
type LedgerStats struct {
	TotalQueries            int64   `json:"total_queries"`
	TotalEpsilonUsed        float64 `json:"total_epsilon_used"`
	AverageNoiseScale       float64 `json:"average_noise_scale"`
	KAnonymitySatisfiedRate float64 `json:"k_anonymity_satisfied_rate"`
}

// StatsReport is LedgerStats enriched with composition bounds: the total
// privacy cost of everything in the ledger if all queries touched the same
// data. BasicEpsilonBound is the plain sum; the advanced bound is tighter for
// large query counts.
type StatsReport struct {
	LedgerStats

	BasicEpsilonBound    float64 `json:"basic_epsilon_bound"`
	AdvancedEpsilonBound float64 `json:"advanced_epsilon_bound"`
	AdvancedDeltaBound   float64 `json:"advanced_delta_bound"`
}

// ListFilter narrows and pages ListEntries reads. Zero values mean "no
// constraint"; Limit falls back to a store default.
type ListFilter struct {
	QueryType id.QueryType
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}
