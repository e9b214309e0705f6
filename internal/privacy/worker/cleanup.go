// Package worker hosts the background jobs of the privacy engine.
package worker

import (
	"context"
	"log/slog"
	"time"

	"civicpulse/internal/privacy/config"
	"civicpulse/internal/privacy/metrics"
	"civicpulse/internal/privacy/ports"
	"civicpulse/pkg/platform/audit"
	"civicpulse/pkg/requestcontext"
)

// Cleanup prunes ledger entries past the retention period. Retention must
// stay longer than the budget window; config.Validate enforces that, so
// pruning never removes entries the budget math still needs.
type Cleanup struct {
	cfg            config.Config
	ledger         ports.LedgerStore
	interval       time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher ports.AuditPublisher
}

type CleanupOption func(*Cleanup)

func WithLogger(logger *slog.Logger) CleanupOption {
	return func(c *Cleanup) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) CleanupOption {
	return func(c *Cleanup) {
		c.metrics = m
	}
}

func WithAuditPublisher(publisher ports.AuditPublisher) CleanupOption {
	return func(c *Cleanup) {
		c.auditPublisher = publisher
	}
}

// NewCleanup constructs the retention worker. interval is how often the
// ledger is swept.
func NewCleanup(cfg config.Config, ledger ports.LedgerStore, interval time.Duration, opts ...CleanupOption) *Cleanup {
	c := &Cleanup{
		cfg:      cfg,
		ledger:   ledger,
		interval: interval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run sweeps the ledger on the configured interval until the context is
// cancelled. Sweep errors are logged, not fatal; the next tick retries.
func (c *Cleanup) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.logger.ErrorContext(ctx, "ledger retention sweep failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sweep removes entries older than the retention cutoff.
// Exported for testability; Run passes wall-clock time via the context.
func (c *Cleanup) Sweep(ctx context.Context) error {
	cutoff := requestcontext.Now(ctx).Add(-c.cfg.Retention)

	removed, err := c.ledger.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil
	}

	if c.metrics != nil {
		c.metrics.RecordPruned(removed)
	}
	ports.LogAudit(ctx, c.logger, c.auditPublisher, audit.Event{
		Action: audit.ActionLedgerPruned,
		Reason: "retention period elapsed",
	},
		"removed", removed,
		"cutoff", cutoff,
	)
	return nil
}
