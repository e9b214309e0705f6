package noise

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "civicpulse/pkg/domain-errors"
)

const trials = 20000

func sampleLaplace(t *testing.T, m *Mechanism, trueValue, sensitivity, epsilon float64) (mean, variance, scale float64) {
	t.Helper()
	values := make([]float64, trials)
	var sum float64
	for i := range values {
		noisy, s, err := m.AddNoise(trueValue, sensitivity, epsilon)
		require.NoError(t, err)
		values[i] = noisy
		sum += noisy
		scale = s
	}
	mean = sum / trials
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= trials - 1
	return mean, variance, scale
}

// Empirical distribution check: over many trials the noisy values center on
// the true value with variance 2*(sensitivity/epsilon)^2.
func TestAddNoise_Distribution(t *testing.T) {
	m := NewMechanism(NewSeededSource(42))

	t.Run("unit scale", func(t *testing.T) {
		const trueValue, sensitivity, epsilon = 50.0, 1.0, 1.0
		mean, variance, scale := sampleLaplace(t, m, trueValue, sensitivity, epsilon)

		assert.Equal(t, 1.0, scale)
		assert.InDelta(t, trueValue, mean, 0.1)
		assert.InDelta(t, 2*scale*scale, variance, 0.3)
	})

	t.Run("stronger privacy widens the noise", func(t *testing.T) {
		const trueValue, sensitivity, epsilon = 100.0, 1.0, 0.5
		mean, variance, scale := sampleLaplace(t, m, trueValue, sensitivity, epsilon)

		assert.Equal(t, 2.0, scale)
		assert.InDelta(t, trueValue, mean, 0.3)
		expected := 2 * scale * scale
		assert.InDelta(t, expected, variance, 0.15*expected)
	})
}

func TestAddNoise_InvalidParameters(t *testing.T) {
	m := NewMechanism(NewSeededSource(1))

	tests := []struct {
		name        string
		sensitivity float64
		epsilon     float64
	}{
		{"zero sensitivity", 0, 1},
		{"negative sensitivity", -1, 1},
		{"zero epsilon", 1, 0},
		{"negative epsilon", 1, -0.5},
		{"NaN sensitivity", math.NaN(), 1},
		{"infinite epsilon", 1, math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := m.AddNoise(10, tt.sensitivity, tt.epsilon)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}
}

func TestAddNoise_EntropyUnavailable(t *testing.T) {
	m := NewMechanism(NewFailingSource())
	_, _, err := m.AddNoise(10, 1, 1)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeEntropyUnavailable))
}

func TestAddGaussianNoise(t *testing.T) {
	m := NewMechanism(NewSeededSource(7))

	t.Run("centers on the true value", func(t *testing.T) {
		const trueValue, sensitivity, epsilon, delta = 50.0, 1.0, 1.0, 1e-5
		var sum, sigma float64
		for range trials {
			noisy, s, err := m.AddGaussianNoise(trueValue, sensitivity, epsilon, delta)
			require.NoError(t, err)
			sum += noisy
			sigma = s
		}
		expectedSigma := math.Sqrt(2*math.Log(1.25/delta)) * sensitivity / epsilon
		assert.InDelta(t, expectedSigma, sigma, 1e-12)
		assert.InDelta(t, trueValue, sum/trials, 0.15)
	})

	t.Run("rejects invalid delta", func(t *testing.T) {
		for _, delta := range []float64{0, 1, -0.1, 1.5} {
			_, _, err := m.AddGaussianNoise(10, 1, 1, delta)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		}
	})
}

func TestConfidenceInterval(t *testing.T) {
	iv := ConfidenceInterval(50, 1)
	halfWidth := 1.96 * math.Sqrt2
	assert.InDelta(t, 50-halfWidth, iv.Lower, 1e-12)
	assert.InDelta(t, 50+halfWidth, iv.Upper, 1e-12)
}

func TestCryptoSource_Range(t *testing.T) {
	src := NewCryptoSource()
	for range 1000 {
		u, err := src.Sample()
		require.NoError(t, err)
		assert.Greater(t, u, -0.5)
		assert.Less(t, u, 0.5)
	}
}

func TestComposeBasic(t *testing.T) {
	e, d := ComposeBasic([]float64{0.5, 0.5, 1.0}, []float64{1e-6, 1e-6})
	assert.InDelta(t, 2.0, e, 1e-12)
	assert.InDelta(t, 2e-6, d, 1e-18)
}

func TestComposeAdvanced(t *testing.T) {
	t.Run("zero queries cost nothing", func(t *testing.T) {
		e, d := ComposeAdvanced(0, 1, 1e-5, 1e-6)
		assert.Zero(t, e)
		assert.Zero(t, d)
	})

	t.Run("bound grows sublinearly in k for small epsilon", func(t *testing.T) {
		basicE, _ := ComposeBasic(repeat(0.01, 10000), nil)
		advE, _ := ComposeAdvanced(10000, 0.01, 0, 1e-6)
		assert.Less(t, advE, basicE)
	})
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
