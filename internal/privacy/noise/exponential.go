package noise

import (
	"math"
	"sort"

	dErrors "civicpulse/pkg/domain-errors"
)

// SelectExponential applies the exponential mechanism: it picks one candidate
// with probability proportional to exp(epsilon * utility / (2 * sensitivity)).
// Utilities are shifted by their maximum before exponentiation so large
// scores cannot overflow. The selection is epsilon-differentially private
// given the stated utility sensitivity.
//
// Errors: CodeInvalidInput when utilities is empty or sensitivity/epsilon are
// not strictly positive; CodeEntropyUnavailable when the source fails.
func (m *Mechanism) SelectExponential(utilities map[string]float64, sensitivity, epsilon float64) (string, error) {
	if err := validateParams(sensitivity, epsilon); err != nil {
		return "", err
	}
	if len(utilities) == 0 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "utilities must not be empty")
	}

	// Fixed candidate order keeps selection reproducible under a seeded
	// source.
	candidates := make([]string, 0, len(utilities))
	maxUtility := math.Inf(-1)
	for candidate, utility := range utilities {
		candidates = append(candidates, candidate)
		if utility > maxUtility {
			maxUtility = utility
		}
	}
	sort.Strings(candidates)

	weights := make([]float64, len(candidates))
	totalWeight := 0.0
	for i, candidate := range candidates {
		weights[i] = math.Exp(epsilon * (utilities[candidate] - maxUtility) / (2 * sensitivity))
		totalWeight += weights[i]
	}

	u, err := m.source.Sample()
	if err != nil {
		return "", err
	}
	threshold := (u + 0.5) * totalWeight

	cumulative := 0.0
	for i, candidate := range candidates {
		cumulative += weights[i]
		if threshold <= cumulative {
			return candidate, nil
		}
	}
	return candidates[len(candidates)-1], nil
}
