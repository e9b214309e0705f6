package noise

import "math"

// ComposeBasic returns the privacy cost of running several mechanisms over
// the same data under basic (sequential) composition: epsilons and deltas
// simply add.
func ComposeBasic(epsilons, deltas []float64) (epsilon, delta float64) {
	for _, e := range epsilons {
		epsilon += e
	}
	for _, d := range deltas {
		delta += d
	}
	return epsilon, delta
}

// ComposeAdvanced returns the advanced-composition bound for k runs of an
// (epsilon, delta) mechanism with slack deltaPrime: the total cost is
// (epsilon*sqrt(2k*ln(1/deltaPrime)) + k*epsilon*(e^epsilon - 1),
// k*delta + deltaPrime). Tighter than basic composition for large k.
func ComposeAdvanced(k int, epsilon, delta, deltaPrime float64) (totalEpsilon, totalDelta float64) {
	if k <= 0 {
		return 0, 0
	}
	kf := float64(k)
	totalEpsilon = epsilon*math.Sqrt(2*kf*math.Log(1/deltaPrime)) + kf*epsilon*(math.Exp(epsilon)-1)
	totalDelta = kf*delta + deltaPrime
	return totalEpsilon, totalDelta
}
