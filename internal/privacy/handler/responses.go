package handler

import (
	"time"

	"civicpulse/internal/privacy/models"
)

type intervalResponse struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// budgetExceededResponse extends the uniform error envelope with the budget
// the subject still has, so callers can size their next request without a
// second round trip.
type budgetExceededResponse struct {
	Error            string  `json:"error"`
	ErrorDescription string  `json:"error_description"`
	RemainingBudget  float64 `json:"remaining_budget"`
}

// QueryResponse is the transport shape of a query outcome.
type QueryResponse struct {
	Suppressed         bool               `json:"suppressed"`
	NoisyValue         *float64           `json:"noisy_value,omitempty"`
	ConfidenceInterval *intervalResponse  `json:"confidence_interval,omitempty"`
	NoisyCounts        map[string]float64 `json:"noisy_counts,omitempty"`
	RemainingBudget    float64            `json:"remaining_budget"`
	EntryID            string             `json:"entry_id"`
}

// FromResult converts a domain result. Suppressed results carry no statistic
// fields at all so clients cannot mistake the zero value for a release.
func FromResult(result *models.QueryResult) QueryResponse {
	resp := QueryResponse{
		Suppressed:      result.Suppressed,
		RemainingBudget: result.RemainingBudget,
		EntryID:         result.EntryID.String(),
	}
	if result.Suppressed {
		return resp
	}
	if result.NoisyCounts != nil {
		resp.NoisyCounts = result.NoisyCounts
		return resp
	}
	value := result.NoisyValue
	resp.NoisyValue = &value
	resp.ConfidenceInterval = &intervalResponse{
		Lower: result.ConfidenceInterval.Lower,
		Upper: result.ConfidenceInterval.Upper,
	}
	return resp
}

// BudgetResponse is the transport shape of GET /privacy/budget.
type BudgetResponse struct {
	SubjectID string    `json:"subject_id"`
	Limit     float64   `json:"limit"`
	Used      float64   `json:"used"`
	Remaining float64   `json:"remaining"`
	AsOf      time.Time `json:"as_of"`
}

func FromSnapshot(snapshot *models.BudgetSnapshot) BudgetResponse {
	return BudgetResponse{
		SubjectID: snapshot.SubjectID.String(),
		Limit:     snapshot.Limit,
		Used:      snapshot.Used,
		Remaining: snapshot.Remaining,
		AsOf:      snapshot.AsOf,
	}
}

// LedgerEntryResponse is one ledger row in GET /privacy/ledger.
type LedgerEntryResponse struct {
	ID                  string    `json:"id"`
	ResourceID          string    `json:"resource_id,omitempty"`
	EpsilonUsed         float64   `json:"epsilon_used"`
	QueryType           string    `json:"query_type"`
	Timestamp           time.Time `json:"timestamp"`
	Description         string    `json:"description,omitempty"`
	NoiseScale          float64   `json:"noise_scale"`
	KAnonymitySatisfied bool      `json:"k_anonymity_satisfied"`
}

type LedgerResponse struct {
	Entries []LedgerEntryResponse `json:"entries"`
}

func FromEntries(entries []models.LedgerEntry) LedgerResponse {
	resp := LedgerResponse{Entries: make([]LedgerEntryResponse, 0, len(entries))}
	for _, e := range entries {
		row := LedgerEntryResponse{
			ID:                  e.ID.String(),
			EpsilonUsed:         e.EpsilonUsed,
			QueryType:           e.QueryType.String(),
			Timestamp:           e.Timestamp,
			Description:         e.Description,
			NoiseScale:          e.NoiseScale,
			KAnonymitySatisfied: e.KAnonymitySatisfied,
		}
		if !e.ResourceID.IsNil() {
			row.ResourceID = e.ResourceID.String()
		}
		resp.Entries = append(resp.Entries, row)
	}
	return resp
}

// StatsResponse is the transport shape of GET /privacy/stats.
type StatsResponse struct {
	TotalQueries            int64   `json:"total_queries"`
	TotalEpsilonUsed        float64 `json:"total_epsilon_used"`
	AverageNoiseScale       float64 `json:"average_noise_scale"`
	KAnonymitySatisfiedRate float64 `json:"k_anonymity_satisfied_rate"`
	BasicEpsilonBound       float64 `json:"basic_epsilon_bound"`
	AdvancedEpsilonBound    float64 `json:"advanced_epsilon_bound"`
	AdvancedDeltaBound      float64 `json:"advanced_delta_bound"`
}

func FromStats(report models.StatsReport) StatsResponse {
	return StatsResponse{
		TotalQueries:            report.TotalQueries,
		TotalEpsilonUsed:        report.TotalEpsilonUsed,
		AverageNoiseScale:       report.AverageNoiseScale,
		KAnonymitySatisfiedRate: report.KAnonymitySatisfiedRate,
		BasicEpsilonBound:       report.BasicEpsilonBound,
		AdvancedEpsilonBound:    report.AdvancedEpsilonBound,
		AdvancedDeltaBound:      report.AdvancedDeltaBound,
	}
}
