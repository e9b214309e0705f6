// Package config defines the immutable privacy configuration for one
// deployment (or one protected resource). Reconfiguration requires building a
// new engine instance; nothing here is mutable after validation.
package config

import (
	"os"
	"strconv"
	"time"

	dErrors "civicpulse/pkg/domain-errors"
)

// Defaults applied by FromEnv when a variable is unset.
const (
	DefaultEpsilon         = 1.0
	DefaultDelta           = 1e-5
	DefaultKAnonymity      = 20
	DefaultMaxEpsilon      = 10.0
	DefaultWindow          = 24 * time.Hour
	DefaultProviderTimeout = 250 * time.Millisecond
	DefaultRetention       = 30 * 24 * time.Hour
)

// Config holds the privacy parameters for the aggregation engine.
type Config struct {
	// Epsilon is the default per-query privacy cost. Requests may override it
	// downward or upward; the budget check is what bounds total spend.
	Epsilon float64

	// Delta bounds the probability that the epsilon guarantee fails to hold.
	// Only the Gaussian mechanism consumes it.
	Delta float64

	// KAnonymity is the minimum number of participants required before any
	// statistic is released.
	KAnonymity uint64

	// MaxEpsilonPerSubject caps the total epsilon a subject may consume
	// within one trailing Window.
	MaxEpsilonPerSubject float64

	// Window is the rolling duration over which budget consumption is summed.
	Window time.Duration

	// ProviderTimeout bounds the raw-aggregate provider call. Queries fail
	// safely with provider_failed once it elapses; no budget is consumed.
	ProviderTimeout time.Duration

	// Retention is how long ledger entries are kept before the cleanup worker
	// prunes them. Must be at least Window or the budget invariant breaks.
	Retention time.Duration
}

// Validate checks the configuration invariants. All numeric fields must be
// strictly positive, delta must lie in (0,1), and retention must cover the
// budget window. Violations are CodeInvalidConfig and fatal.
func (c Config) Validate() error {
	if c.Epsilon <= 0 {
		return dErrors.New(dErrors.CodeInvalidConfig, "epsilon must be positive")
	}
	if c.Delta <= 0 || c.Delta >= 1 {
		return dErrors.New(dErrors.CodeInvalidConfig, "delta must be in (0, 1)")
	}
	if c.KAnonymity < 1 {
		return dErrors.New(dErrors.CodeInvalidConfig, "k-anonymity must be at least 1")
	}
	if c.MaxEpsilonPerSubject <= 0 {
		return dErrors.New(dErrors.CodeInvalidConfig, "max epsilon per subject must be positive")
	}
	if c.Window <= 0 {
		return dErrors.New(dErrors.CodeInvalidConfig, "budget window must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return dErrors.New(dErrors.CodeInvalidConfig, "provider timeout must be positive")
	}
	if c.Retention < c.Window {
		return dErrors.New(dErrors.CodeInvalidConfig, "retention must be at least the budget window")
	}
	return nil
}

// Default returns the baseline configuration used when no overrides apply.
func Default() Config {
	return Config{
		Epsilon:              DefaultEpsilon,
		Delta:                DefaultDelta,
		KAnonymity:           DefaultKAnonymity,
		MaxEpsilonPerSubject: DefaultMaxEpsilon,
		Window:               DefaultWindow,
		ProviderTimeout:      DefaultProviderTimeout,
		Retention:            DefaultRetention,
	}
}

// FromEnv builds a Config from environment variables, falling back to
// defaults so main stays lean. The result is validated; an invalid
// combination fails construction rather than silently degrading privacy.
func FromEnv() (Config, error) {
	cfg := Default()
	if v := os.Getenv("PRIVACY_EPSILON"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, dErrors.Wrap(err, dErrors.CodeInvalidConfig, "parse PRIVACY_EPSILON")
		}
		cfg.Epsilon = f
	}
	if v := os.Getenv("PRIVACY_DELTA"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, dErrors.Wrap(err, dErrors.CodeInvalidConfig, "parse PRIVACY_DELTA")
		}
		cfg.Delta = f
	}
	if v := os.Getenv("PRIVACY_K_ANONYMITY"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, dErrors.Wrap(err, dErrors.CodeInvalidConfig, "parse PRIVACY_K_ANONYMITY")
		}
		cfg.KAnonymity = n
	}
	if v := os.Getenv("PRIVACY_MAX_EPSILON_PER_SUBJECT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, dErrors.Wrap(err, dErrors.CodeInvalidConfig, "parse PRIVACY_MAX_EPSILON_PER_SUBJECT")
		}
		cfg.MaxEpsilonPerSubject = f
	}
	if v := os.Getenv("PRIVACY_BUDGET_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, dErrors.Wrap(err, dErrors.CodeInvalidConfig, "parse PRIVACY_BUDGET_WINDOW")
		}
		cfg.Window = d
	}
	if v := os.Getenv("PRIVACY_PROVIDER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, dErrors.Wrap(err, dErrors.CodeInvalidConfig, "parse PRIVACY_PROVIDER_TIMEOUT")
		}
		cfg.ProviderTimeout = d
	}
	if v := os.Getenv("PRIVACY_LEDGER_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, dErrors.Wrap(err, dErrors.CodeInvalidConfig, "parse PRIVACY_LEDGER_RETENTION")
		}
		cfg.Retention = d
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
