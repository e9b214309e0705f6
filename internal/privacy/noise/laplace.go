package noise

import (
	"math"

	dErrors "civicpulse/pkg/domain-errors"
)

// z95 is the two-sided 95% quantile of the standard normal distribution,
// used for approximate confidence intervals on noisy releases.
const z95 = 1.96

// Mechanism adds calibrated noise to true statistics. It is stateless apart
// from its randomness source and safe for concurrent use when the source is.
type Mechanism struct {
	source Source
}

// NewMechanism builds a Mechanism over the given source.
func NewMechanism(source Source) *Mechanism {
	return &Mechanism{source: source}
}

// Interval is an approximate confidence interval around a noisy value.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// AddNoise applies the Laplace mechanism: scale = sensitivity/epsilon, noise
// drawn via the inverse CDF. The released value is epsilon-differentially
// private given the stated sensitivity.
//
// Errors: CodeInvalidInput when sensitivity or epsilon are not strictly
// positive (caller error, never logged to the ledger); CodeEntropyUnavailable
// when the source fails.
func (m *Mechanism) AddNoise(trueValue, sensitivity, epsilon float64) (noisy, scale float64, err error) {
	if err := validateParams(sensitivity, epsilon); err != nil {
		return 0, 0, err
	}
	scale = sensitivity / epsilon
	u, err := m.source.Sample()
	if err != nil {
		return 0, 0, err
	}
	noise := -scale * sign(u) * math.Log(1-2*math.Abs(u))
	return trueValue + noise, scale, nil
}

// AddGaussianNoise applies the Gaussian mechanism for (epsilon, delta)-
// differential privacy: sigma = sqrt(2*ln(1.25/delta)) * sensitivity/epsilon,
// noise via Box-Muller over two uniform draws.
//
// Errors: CodeInvalidInput when sensitivity/epsilon are not strictly positive
// or delta is outside (0,1); CodeEntropyUnavailable when the source fails.
func (m *Mechanism) AddGaussianNoise(trueValue, sensitivity, epsilon, delta float64) (noisy, sigma float64, err error) {
	if err := validateParams(sensitivity, epsilon); err != nil {
		return 0, 0, err
	}
	if delta <= 0 || delta >= 1 {
		return 0, 0, dErrors.New(dErrors.CodeInvalidInput, "delta must be in (0, 1)")
	}
	u1, err := m.source.Sample()
	if err != nil {
		return 0, 0, err
	}
	u2, err := m.source.Sample()
	if err != nil {
		return 0, 0, err
	}
	// Shift the (-0.5, 0.5) samples into (0, 1) for Box-Muller.
	z := math.Sqrt(-2*math.Log(u1+0.5)) * math.Cos(2*math.Pi*(u2+0.5))
	sigma = math.Sqrt(2*math.Log(1.25/delta)) * sensitivity / epsilon
	return trueValue + sigma*z, sigma, nil
}

// ConfidenceInterval returns the approximate 95% interval for a value noised
// with Laplace(0, scale). The Laplace variance is 2*scale^2, so the half-width
// is 1.96 * sqrt(2) * scale.
func ConfidenceInterval(noisy, scale float64) Interval {
	halfWidth := z95 * math.Sqrt2 * scale
	return Interval{Lower: noisy - halfWidth, Upper: noisy + halfWidth}
}

func validateParams(sensitivity, epsilon float64) error {
	if sensitivity <= 0 || math.IsNaN(sensitivity) || math.IsInf(sensitivity, 0) {
		return dErrors.New(dErrors.CodeInvalidInput, "sensitivity must be strictly positive")
	}
	if epsilon <= 0 || math.IsNaN(epsilon) || math.IsInf(epsilon, 0) {
		return dErrors.New(dErrors.CodeInvalidInput, "epsilon must be strictly positive")
	}
	return nil
}

func sign(u float64) float64 {
	if u < 0 {
		return -1
	}
	return 1
}
