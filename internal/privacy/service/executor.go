// Package service implements the private query executor: the single path
// through which raw poll statistics become differentially private releases.
// Raw values enter, only noisy (or suppressed) results leave.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"civicpulse/internal/privacy/anonymity"
	"civicpulse/internal/privacy/config"
	"civicpulse/internal/privacy/metrics"
	"civicpulse/internal/privacy/models"
	"civicpulse/internal/privacy/noise"
	"civicpulse/internal/privacy/ports"
	id "civicpulse/pkg/domain"
	dErrors "civicpulse/pkg/domain-errors"
	"civicpulse/pkg/platform/audit"
	"civicpulse/pkg/requestcontext"
)

// Type aliases for shared interfaces.
type (
	LedgerStore    = ports.LedgerStore
	ResultCache    = ports.ResultCache
	AuditPublisher = ports.AuditPublisher
)

var tracer = otel.Tracer("civicpulse/internal/privacy/service")

// Executor runs private queries end to end: replay check, provider fetch,
// k-anonymity gate, budget reservation, noise injection, release.
type Executor struct {
	cfg            config.Config
	ledger         LedgerStore
	mechanism      *noise.Mechanism
	cache          ResultCache
	metrics        *metrics.Metrics
	auditPublisher AuditPublisher
	logger         *slog.Logger
}

type Option func(*Executor)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(e *Executor) {
		e.auditPublisher = publisher
	}
}

func WithResultCache(cache ResultCache) Option {
	return func(e *Executor) {
		e.cache = cache
	}
}

// New constructs the executor. The ledger store and noise mechanism are
// required; everything else is optional.
func New(cfg config.Config, ledger LedgerStore, mechanism *noise.Mechanism, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if mechanism == nil {
		return nil, fmt.Errorf("noise mechanism is required")
	}

	exec := &Executor{
		cfg:       cfg,
		ledger:    ledger,
		mechanism: mechanism,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(exec)
	}
	return exec, nil
}

// Execute runs one private scalar query. The sequence is fixed:
//
//  1. replay check: a known idempotency key returns the cached result
//     without touching the budget;
//  2. provider fetch under the configured timeout; a failed fetch charges
//     nothing;
//  3. k-anonymity gate: below k the query is suppressed and a zero-epsilon
//     entry records the attempt;
//  4. budget reservation: rejected reservations leave no trace and release
//     nothing;
//  5. noise injection and release.
//
// Noise is sampled before the reservation commits so an entropy failure
// never burns budget.
func (e *Executor) Execute(ctx context.Context, req models.QueryRequest, provider ports.AggregateProvider) (*models.QueryResult, error) {
	ctx, span := tracer.Start(ctx, "privacy.Execute", trace.WithAttributes(
		attribute.String("query_type", req.QueryType.String()),
	))
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "aggregate provider is required")
	}

	if result, err := e.replay(ctx, req); err != nil || result != nil {
		return result, err
	}

	raw, err := e.fetchAggregate(ctx, req, provider)
	if err != nil {
		return nil, err
	}

	if !anonymity.Satisfied(raw.ParticipantCount, e.cfg.KAnonymity) {
		return e.suppress(ctx, req, raw.ParticipantCount)
	}

	noisy, scale, err := e.mechanism.AddNoise(raw.TrueValue, req.Sensitivity, req.EpsilonCost)
	if err != nil {
		return nil, err
	}

	entry := e.newEntry(ctx, req, scale, true)
	remaining, err := e.ledger.ReserveAndCommit(ctx, entry)
	if err != nil {
		return nil, e.rejectReservation(ctx, req, err)
	}

	result := models.QueryResult{
		NoisyValue:         noisy,
		ConfidenceInterval: noise.ConfidenceInterval(noisy, scale),
		RemainingBudget:    remaining,
		EntryID:            entry.ID,
	}
	e.release(ctx, req, entry, result)
	return &result, nil
}

// ExecuteHistogram runs one private histogram query. All options are
// perturbed independently with Laplace noise at the request's epsilon; since
// each participant contributes to exactly one option, the options are
// disjoint and parallel composition applies: the whole histogram costs one
// epsilon, not one per option. Noisy counts are clamped at zero because a
// negative count leaks nothing and confuses consumers.
func (e *Executor) ExecuteHistogram(ctx context.Context, req models.QueryRequest, provider ports.HistogramProvider) (*models.QueryResult, error) {
	ctx, span := tracer.Start(ctx, "privacy.ExecuteHistogram")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "histogram provider is required")
	}

	if result, err := e.replay(ctx, req); err != nil || result != nil {
		return result, err
	}

	raw, err := e.fetchHistogram(ctx, req, provider)
	if err != nil {
		return nil, err
	}

	if !anonymity.Satisfied(raw.ParticipantCount, e.cfg.KAnonymity) {
		return e.suppress(ctx, req, raw.ParticipantCount)
	}

	noisyCounts := make(map[string]float64, len(raw.Counts))
	var scale float64
	for option, count := range raw.Counts {
		noisy, s, err := e.mechanism.AddNoise(count, req.Sensitivity, req.EpsilonCost)
		if err != nil {
			return nil, err
		}
		if noisy < 0 {
			noisy = 0
		}
		noisyCounts[option] = noisy
		scale = s
	}

	entry := e.newEntry(ctx, req, scale, true)
	remaining, err := e.ledger.ReserveAndCommit(ctx, entry)
	if err != nil {
		return nil, e.rejectReservation(ctx, req, err)
	}

	result := models.QueryResult{
		NoisyCounts:     noisyCounts,
		RemainingBudget: remaining,
		EntryID:         entry.ID,
	}
	e.release(ctx, req, entry, result)
	return &result, nil
}

// Budget reports the subject's current budget position.
func (e *Executor) Budget(ctx context.Context, subjectID id.SubjectID) (*models.BudgetSnapshot, error) {
	if subjectID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "subject_id is required")
	}
	asOf := requestcontext.Now(ctx)
	remaining, err := e.ledger.RemainingBudget(ctx, subjectID, asOf)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read remaining budget")
	}
	return &models.BudgetSnapshot{
		SubjectID: subjectID,
		Limit:     e.cfg.MaxEpsilonPerSubject,
		Used:      e.cfg.MaxEpsilonPerSubject - remaining,
		Remaining: remaining,
		AsOf:      asOf,
	}, nil
}

// ListEntries pages through the subject's ledger, newest first.
func (e *Executor) ListEntries(ctx context.Context, subjectID id.SubjectID, filter models.ListFilter) ([]models.LedgerEntry, error) {
	if subjectID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "subject_id is required")
	}
	entries, err := e.ledger.ListEntries(ctx, subjectID, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list ledger entries")
	}
	return entries, nil
}

// Stats summarizes ledger activity across all subjects and attaches
// composition bounds. The advanced bound treats the ledger as TotalQueries
// runs of the average-epsilon mechanism with the configured delta as slack.
func (e *Executor) Stats(ctx context.Context) (models.StatsReport, error) {
	stats, err := e.ledger.AggregateStats(ctx)
	if err != nil {
		return models.StatsReport{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to aggregate ledger stats")
	}

	report := models.StatsReport{LedgerStats: stats}
	report.BasicEpsilonBound, _ = noise.ComposeBasic([]float64{stats.TotalEpsilonUsed}, nil)
	if stats.TotalQueries > 0 {
		avgEpsilon := stats.TotalEpsilonUsed / float64(stats.TotalQueries)
		report.AdvancedEpsilonBound, report.AdvancedDeltaBound = noise.ComposeAdvanced(
			int(stats.TotalQueries), avgEpsilon, e.cfg.Delta, e.cfg.Delta)
	}
	return report, nil
}

// replay resolves the request's idempotency key. A cached result is returned
// as-is; a key that reached the ledger but lost its cached result is refused,
// because re-running would charge the budget twice for one logical query.
func (e *Executor) replay(ctx context.Context, req models.QueryRequest) (*models.QueryResult, error) {
	if req.IdempotencyKey == "" {
		return nil, nil
	}

	if e.cache != nil {
		cached, err := e.cache.Get(ctx, resultCacheKey(req.SubjectID, req.IdempotencyKey))
		if err != nil {
			e.logger.WarnContext(ctx, "result cache read failed", "error", err)
		}
		if cached != nil {
			e.recordQuery(metrics.OutcomeReplayed, req.QueryType)
			ports.LogAudit(ctx, e.logger, e.auditPublisher, e.newEvent(req, audit.ActionIdempotentReplay, 0, 0, ""),
				"idempotency_key", req.IdempotencyKey,
			)
			return cached, nil
		}
	}

	entry, err := e.ledger.FindByIdempotencyKey(ctx, req.SubjectID, req.IdempotencyKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "idempotency lookup failed")
	}
	if entry != nil {
		return nil, dErrors.Newf(dErrors.CodeBadRequest,
			"idempotency key %q was already charged but its result is no longer available", req.IdempotencyKey)
	}
	return nil, nil
}

func (e *Executor) fetchAggregate(ctx context.Context, req models.QueryRequest, provider ports.AggregateProvider) (models.RawAggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	raw, err := provider(ctx, req.ResourceID)
	e.observeProvider(start)
	if err != nil {
		return models.RawAggregate{}, e.providerFailed(ctx, req, err)
	}
	return raw, nil
}

func (e *Executor) fetchHistogram(ctx context.Context, req models.QueryRequest, provider ports.HistogramProvider) (models.RawHistogram, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	raw, err := provider(ctx, req.ResourceID)
	e.observeProvider(start)
	if err != nil {
		return models.RawHistogram{}, e.providerFailed(ctx, req, err)
	}
	if len(raw.Counts) == 0 {
		return models.RawHistogram{}, e.providerFailed(ctx, req, fmt.Errorf("provider returned no histogram options"))
	}
	return raw, nil
}

// providerFailed records the failure and converts it. The budget is untouched
// at this point: a query that released nothing must cost nothing.
func (e *Executor) providerFailed(ctx context.Context, req models.QueryRequest, err error) error {
	e.recordQuery(metrics.OutcomeProviderFailed, req.QueryType)
	ports.LogAudit(ctx, e.logger, e.auditPublisher, e.newEvent(req, audit.ActionProviderFailed, 0, 0, err.Error()),
		"error", err,
	)
	return dErrors.Wrap(err, dErrors.CodeProviderFailed, "aggregate provider failed")
}

// suppress records a zero-epsilon ledger entry for the blocked query and
// returns the suppressed result. Zero epsilon always fits the budget, so the
// attempt is recorded even for exhausted subjects.
func (e *Executor) suppress(ctx context.Context, req models.QueryRequest, participants uint64) (*models.QueryResult, error) {
	entry := e.newEntry(ctx, req, 0, false)
	entry.EpsilonUsed = 0

	remaining, err := e.ledger.ReserveAndCommit(ctx, entry)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record suppressed query")
	}

	e.recordQuery(metrics.OutcomeSuppressed, req.QueryType)
	ports.LogAudit(ctx, e.logger, e.auditPublisher, e.newEvent(req, audit.ActionQuerySuppressed, 0, 0, "below k-anonymity threshold"),
		"participant_count", participants,
		"k_anonymity", e.cfg.KAnonymity,
	)

	result := models.QueryResult{
		Suppressed:      true,
		RemainingBudget: remaining,
		EntryID:         entry.ID,
	}
	e.cacheResult(ctx, req, result)
	return &result, nil
}

// rejectReservation translates a failed ReserveAndCommit into the caller's
// error and records the audit trail for budget rejections.
func (e *Executor) rejectReservation(ctx context.Context, req models.QueryRequest, err error) error {
	if dErrors.HasCode(err, dErrors.CodeBudgetExceeded) {
		e.recordQuery(metrics.OutcomeBudgetExceeded, req.QueryType)
		ports.LogAudit(ctx, e.logger, e.auditPublisher, e.newEvent(req, audit.ActionBudgetExceeded, req.EpsilonCost, 0, "insufficient privacy budget"))
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "budget reservation failed")
}

// release finalizes a successful query: metrics, audit trail, replay cache.
func (e *Executor) release(ctx context.Context, req models.QueryRequest, entry models.LedgerEntry, result models.QueryResult) {
	e.recordQuery(metrics.OutcomeReleased, req.QueryType)
	if e.metrics != nil {
		e.metrics.RecordRelease(entry.EpsilonUsed, entry.NoiseScale)
	}
	ports.LogAudit(ctx, e.logger, e.auditPublisher, e.newEvent(req, audit.ActionQueryReleased, entry.EpsilonUsed, entry.NoiseScale, ""),
		"entry_id", entry.ID,
		"remaining_budget", result.RemainingBudget,
	)
	e.cacheResult(ctx, req, result)
}

func (e *Executor) newEntry(ctx context.Context, req models.QueryRequest, scale float64, satisfied bool) models.LedgerEntry {
	return models.LedgerEntry{
		ID:                  id.NewEntryID(),
		SubjectID:           req.SubjectID,
		ResourceID:          req.ResourceID,
		EpsilonUsed:         req.EpsilonCost,
		QueryType:           req.QueryType,
		Timestamp:           requestcontext.Now(ctx),
		Description:         req.Description,
		NoiseScale:          scale,
		KAnonymitySatisfied: satisfied,
		IdempotencyKey:      req.IdempotencyKey,
	}
}

// newEvent builds the audit event for a query outcome. Subject identity is
// hashed; the trail must stay free of raw subject IDs.
func (e *Executor) newEvent(req models.QueryRequest, action audit.Action, epsilon, scale float64, reason string) audit.Event {
	return audit.Event{
		Action:        action,
		SubjectIDHash: audit.HashSubjectID(req.SubjectID.String()),
		ResourceID:    req.ResourceID.String(),
		QueryType:     req.QueryType.String(),
		EpsilonUsed:   epsilon,
		NoiseScale:    scale,
		Reason:        reason,
	}
}

func (e *Executor) cacheResult(ctx context.Context, req models.QueryRequest, result models.QueryResult) {
	if e.cache == nil || req.IdempotencyKey == "" {
		return
	}
	// Replays only make sense while the charge is still inside the window.
	if err := e.cache.Set(ctx, resultCacheKey(req.SubjectID, req.IdempotencyKey), result, e.cfg.Window); err != nil {
		e.logger.WarnContext(ctx, "result cache write failed", "error", err)
	}
}

// resultCacheKey scopes cached results per subject, mirroring the ledger's
// (subject_id, idempotency_key) uniqueness. Without the prefix one subject
// could replay another subject's released result by guessing its key.
func resultCacheKey(subjectID id.SubjectID, key string) string {
	return subjectID.String() + ":" + key
}

func (e *Executor) recordQuery(outcome string, queryType id.QueryType) {
	if e.metrics != nil {
		e.metrics.RecordQuery(outcome, queryType.String())
	}
}

func (e *Executor) observeProvider(start time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveProviderDuration(float64(time.Since(start).Microseconds()) / 1000.0)
	}
}
