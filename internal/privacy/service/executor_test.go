package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"civicpulse/internal/privacy/cache"
	"civicpulse/internal/privacy/config"
	"civicpulse/internal/privacy/models"
	"civicpulse/internal/privacy/noise"
	"civicpulse/internal/privacy/ports"
	"civicpulse/internal/privacy/store/ledger"
	id "civicpulse/pkg/domain"
	dErrors "civicpulse/pkg/domain-errors"
	"civicpulse/pkg/platform/audit"
	"civicpulse/pkg/platform/audit/publisher"
	auditmemory "civicpulse/pkg/platform/audit/store/memory"
	"civicpulse/pkg/requestcontext"
)

type ExecutorSuite struct {
	suite.Suite
	cfg        config.Config
	store      *ledger.InMemoryLedgerStore
	cache      *cache.InMemoryResultCache
	auditStore *auditmemory.InMemoryStore
	auditPub   *publisher.Publisher
	exec       *Executor
	now        time.Time
}

func TestExecutorSuite(t *testing.T) {
	suite.Run(t, new(ExecutorSuite))
}

func (s *ExecutorSuite) SetupTest() {
	s.cfg = config.Default()
	s.cfg.MaxEpsilonPerSubject = 10.0
	s.cfg.KAnonymity = 20
	s.cfg.Window = 24 * time.Hour
	s.cfg.ProviderTimeout = 250 * time.Millisecond

	s.store = ledger.NewInMemory(s.cfg)
	s.cache = cache.NewInMemory()
	s.auditStore = auditmemory.NewInMemoryStore()
	s.auditPub = publisher.NewPublisher(s.auditStore)
	s.now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	var err error
	s.exec, err = New(s.cfg, s.store, noise.NewMechanism(noise.NewSeededSource(42)),
		WithResultCache(s.cache),
		WithAuditPublisher(s.auditPub),
	)
	s.Require().NoError(err)
}

func (s *ExecutorSuite) ctx() context.Context {
	return requestcontext.WithTime(context.Background(), s.now)
}

func (s *ExecutorSuite) newRequest() models.QueryRequest {
	return models.QueryRequest{
		SubjectID:   id.SubjectID(uuid.New()),
		ResourceID:  id.ResourceID(uuid.New()),
		QueryType:   id.QueryTypeCount,
		EpsilonCost: 1.0,
		Sensitivity: 1.0,
		Description: "yes votes on poll",
	}
}

func staticProvider(trueValue float64, participants uint64) ports.AggregateProvider {
	return func(context.Context, id.ResourceID) (models.RawAggregate, error) {
		return models.RawAggregate{TrueValue: trueValue, ParticipantCount: participants}, nil
	}
}

func (s *ExecutorSuite) TestRelease() {
	req := s.newRequest()

	result, err := s.exec.Execute(s.ctx(), req, staticProvider(50, 100))
	s.Require().NoError(err)
	s.Require().NotNil(result)

	s.False(result.Suppressed)
	s.False(result.EntryID.IsNil())
	s.InDelta(9.0, result.RemainingBudget, 1e-9)

	// Scale 1/1 = 1; a release 60 sigma away from the true value means the
	// mechanism is broken, not unlucky.
	s.InDelta(50, result.NoisyValue, 60)
	s.Less(result.ConfidenceInterval.Lower, result.NoisyValue)
	s.Greater(result.ConfidenceInterval.Upper, result.NoisyValue)
	s.InDelta(1.96*1.4142*2, result.ConfidenceInterval.Upper-result.ConfidenceInterval.Lower, 1e-3)

	entries, err := s.store.ListEntries(s.ctx(), req.SubjectID, models.ListFilter{})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.InDelta(1.0, entries[0].EpsilonUsed, 1e-9)
	s.InDelta(1.0, entries[0].NoiseScale, 1e-9)
	s.True(entries[0].KAnonymitySatisfied)

	events, err := s.auditStore.ListBySubjectHash(s.ctx(), audit.HashSubjectID(req.SubjectID.String()))
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(audit.ActionQueryReleased, events[0].Action)
	s.NotContains(events[0].SubjectIDHash, req.SubjectID.String())
}

func (s *ExecutorSuite) TestReleaseMeanTracksTrueValue() {
	// Noise is symmetric around zero, so the released mean converges on the
	// true value. Budget 10.0 at 0.001 each leaves room for every iteration.
	const trials = 2000
	req := s.newRequest()
	req.EpsilonCost = 0.001

	var sum float64
	for range trials {
		req.SubjectID = id.SubjectID(uuid.New())
		result, err := s.exec.Execute(s.ctx(), req, staticProvider(50, 100))
		s.Require().NoError(err)
		sum += result.NoisyValue
	}

	// scale = 1/0.001 = 1000; stderr of the mean is scale*sqrt(2/trials) ~ 31.
	s.InDelta(50, sum/trials, 130)
}

func (s *ExecutorSuite) TestSuppressedBelowThreshold() {
	req := s.newRequest()

	result, err := s.exec.Execute(s.ctx(), req, staticProvider(3, 5))
	s.Require().NoError(err)
	s.Require().NotNil(result)

	s.True(result.Suppressed)
	s.Zero(result.NoisyValue)
	s.InDelta(10.0, result.RemainingBudget, 1e-9, "suppression must not charge the budget")

	entries, err := s.store.ListEntries(s.ctx(), req.SubjectID, models.ListFilter{})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Zero(entries[0].EpsilonUsed)
	s.Zero(entries[0].NoiseScale)
	s.False(entries[0].KAnonymitySatisfied)

	events, err := s.auditStore.ListBySubjectHash(s.ctx(), audit.HashSubjectID(req.SubjectID.String()))
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(audit.ActionQuerySuppressed, events[0].Action)
}

func (s *ExecutorSuite) TestSuppressionRecordedEvenWhenBudgetExhausted() {
	req := s.newRequest()
	req.EpsilonCost = 10.0

	_, err := s.exec.Execute(s.ctx(), req, staticProvider(50, 100))
	s.Require().NoError(err)

	req.EpsilonCost = 1.0
	result, err := s.exec.Execute(s.ctx(), req, staticProvider(3, 5))
	s.Require().NoError(err)
	s.True(result.Suppressed)
	s.InDelta(0.0, result.RemainingBudget, 1e-9)
}

func (s *ExecutorSuite) TestBudgetExceeded() {
	req := s.newRequest()
	req.EpsilonCost = 9.5
	_, err := s.exec.Execute(s.ctx(), req, staticProvider(50, 100))
	s.Require().NoError(err)

	req.EpsilonCost = 1.0
	result, err := s.exec.Execute(s.ctx(), req, staticProvider(50, 100))
	s.Require().Error(err)
	s.Nil(result)
	s.True(dErrors.HasCode(err, dErrors.CodeBudgetExceeded))

	var budgetErr *models.BudgetExceededError
	s.Require().ErrorAs(err, &budgetErr)
	s.InDelta(0.5, budgetErr.Remaining, 1e-9)

	// The rejected query must leave no second entry.
	entries, err := s.store.ListEntries(s.ctx(), req.SubjectID, models.ListFilter{})
	s.Require().NoError(err)
	s.Len(entries, 1)
}

func (s *ExecutorSuite) TestProviderFailureChargesNothing() {
	req := s.newRequest()
	providerErr := errors.New("vote storage unavailable")
	failing := func(context.Context, id.ResourceID) (models.RawAggregate, error) {
		return models.RawAggregate{}, providerErr
	}

	result, err := s.exec.Execute(s.ctx(), req, failing)
	s.Require().Error(err)
	s.Nil(result)
	s.True(dErrors.HasCode(err, dErrors.CodeProviderFailed))
	s.ErrorIs(err, providerErr)

	entries, err := s.store.ListEntries(s.ctx(), req.SubjectID, models.ListFilter{})
	s.Require().NoError(err)
	s.Empty(entries, "failed fetch must not reach the ledger")

	remaining, err := s.store.RemainingBudget(s.ctx(), req.SubjectID, s.now)
	s.Require().NoError(err)
	s.InDelta(10.0, remaining, 1e-9)
}

func (s *ExecutorSuite) TestProviderTimeout() {
	req := s.newRequest()
	slow := func(ctx context.Context, _ id.ResourceID) (models.RawAggregate, error) {
		select {
		case <-time.After(2 * time.Second):
			return models.RawAggregate{TrueValue: 50, ParticipantCount: 100}, nil
		case <-ctx.Done():
			return models.RawAggregate{}, ctx.Err()
		}
	}

	start := time.Now()
	_, err := s.exec.Execute(s.ctx(), req, slow)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeProviderFailed))
	s.Less(time.Since(start), time.Second, "timeout should cut the provider off")
}

func (s *ExecutorSuite) TestIdempotentReplay() {
	req := s.newRequest()
	req.IdempotencyKey = "replay-1"

	first, err := s.exec.Execute(s.ctx(), req, staticProvider(50, 100))
	s.Require().NoError(err)

	second, err := s.exec.Execute(s.ctx(), req, staticProvider(50, 100))
	s.Require().NoError(err)

	s.Equal(*first, *second, "replay returns the original result, noise included")

	entries, err := s.store.ListEntries(s.ctx(), req.SubjectID, models.ListFilter{})
	s.Require().NoError(err)
	s.Len(entries, 1, "replay must not commit a second entry")

	remaining, err := s.store.RemainingBudget(s.ctx(), req.SubjectID, s.now)
	s.Require().NoError(err)
	s.InDelta(9.0, remaining, 1e-9, "replay must not charge twice")
}

func (s *ExecutorSuite) TestReplayIsScopedPerSubject() {
	// Idempotency keys are chosen by clients, so two subjects may collide on
	// the same key. Each must get their own result and their own charge; the
	// second subject must never see the first subject's release.
	reqA := s.newRequest()
	reqA.IdempotencyKey = "shared-key"

	reqB := s.newRequest()
	reqB.IdempotencyKey = "shared-key"

	resultA, err := s.exec.Execute(s.ctx(), reqA, staticProvider(50, 100))
	s.Require().NoError(err)

	resultB, err := s.exec.Execute(s.ctx(), reqB, staticProvider(50, 100))
	s.Require().NoError(err)

	s.NotEqual(resultA.EntryID, resultB.EntryID, "each subject commits their own entry")

	entriesB, err := s.store.ListEntries(s.ctx(), reqB.SubjectID, models.ListFilter{})
	s.Require().NoError(err)
	s.Len(entriesB, 1, "the second subject's query must reach their ledger")

	remainingB, err := s.store.RemainingBudget(s.ctx(), reqB.SubjectID, s.now)
	s.Require().NoError(err)
	s.InDelta(9.0, remainingB, 1e-9, "the second subject pays for their own query")

	// Replay still works for each subject against their own key.
	replayA, err := s.exec.Execute(s.ctx(), reqA, staticProvider(50, 100))
	s.Require().NoError(err)
	s.Equal(*resultA, *replayA)
}

func (s *ExecutorSuite) TestReplayWithoutCachedResultRefused() {
	// A charged key whose cached result is gone cannot be re-run: that would
	// double-charge one logical query.
	req := s.newRequest()
	req.IdempotencyKey = "replay-2"

	noCache, err := New(s.cfg, s.store, noise.NewMechanism(noise.NewSeededSource(7)))
	s.Require().NoError(err)

	_, err = noCache.Execute(s.ctx(), req, staticProvider(50, 100))
	s.Require().NoError(err)

	_, err = noCache.Execute(s.ctx(), req, staticProvider(50, 100))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func (s *ExecutorSuite) TestValidation() {
	provider := staticProvider(50, 100)

	s.Run("rejects nil subject", func() {
		req := s.newRequest()
		req.SubjectID = id.SubjectID{}
		_, err := s.exec.Execute(s.ctx(), req, provider)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("rejects non-positive epsilon", func() {
		req := s.newRequest()
		req.EpsilonCost = 0
		_, err := s.exec.Execute(s.ctx(), req, provider)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("rejects missing provider", func() {
		_, err := s.exec.Execute(s.ctx(), s.newRequest(), nil)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}

func (s *ExecutorSuite) TestConcurrentQueriesNeverOverspend() {
	subjectID := id.SubjectID(uuid.New())
	const workers = 40

	var wg sync.WaitGroup
	var mu sync.Mutex
	var released int

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := s.newRequest()
			req.SubjectID = subjectID
			if _, err := s.exec.Execute(s.ctx(), req, staticProvider(50, 100)); err == nil {
				mu.Lock()
				released++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Equal(10, released, "exactly the budget's worth of queries may release")
}

func (s *ExecutorSuite) TestHistogram() {
	req := s.newRequest()
	req.QueryType = id.QueryTypeHistogram

	provider := func(context.Context, id.ResourceID) (models.RawHistogram, error) {
		return models.RawHistogram{
			Counts:           map[string]float64{"yes": 60, "no": 38, "abstain": 2},
			ParticipantCount: 100,
		}, nil
	}

	result, err := s.exec.ExecuteHistogram(s.ctx(), req, provider)
	s.Require().NoError(err)
	s.Require().NotNil(result)

	s.False(result.Suppressed)
	s.Len(result.NoisyCounts, 3)
	for option, count := range result.NoisyCounts {
		s.GreaterOrEqual(count, 0.0, "option %s must be clamped at zero", option)
	}
	s.InDelta(9.0, result.RemainingBudget, 1e-9, "the whole histogram costs one epsilon")

	entries, err := s.store.ListEntries(s.ctx(), req.SubjectID, models.ListFilter{})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.InDelta(1.0, entries[0].EpsilonUsed, 1e-9)
}

func (s *ExecutorSuite) TestHistogramSuppressed() {
	req := s.newRequest()
	req.QueryType = id.QueryTypeHistogram

	provider := func(context.Context, id.ResourceID) (models.RawHistogram, error) {
		return models.RawHistogram{
			Counts:           map[string]float64{"yes": 3, "no": 2},
			ParticipantCount: 5,
		}, nil
	}

	result, err := s.exec.ExecuteHistogram(s.ctx(), req, provider)
	s.Require().NoError(err)
	s.True(result.Suppressed)
	s.Empty(result.NoisyCounts)
	s.InDelta(10.0, result.RemainingBudget, 1e-9)
}

func (s *ExecutorSuite) TestHistogramRejectsEmptyProviderResult() {
	req := s.newRequest()
	req.QueryType = id.QueryTypeHistogram

	provider := func(context.Context, id.ResourceID) (models.RawHistogram, error) {
		return models.RawHistogram{ParticipantCount: 100}, nil
	}

	_, err := s.exec.ExecuteHistogram(s.ctx(), req, provider)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeProviderFailed))
}

func (s *ExecutorSuite) TestBudgetSnapshot() {
	req := s.newRequest()
	req.EpsilonCost = 2.5
	_, err := s.exec.Execute(s.ctx(), req, staticProvider(50, 100))
	s.Require().NoError(err)

	snapshot, err := s.exec.Budget(s.ctx(), req.SubjectID)
	s.Require().NoError(err)
	s.Equal(req.SubjectID, snapshot.SubjectID)
	s.InDelta(10.0, snapshot.Limit, 1e-9)
	s.InDelta(2.5, snapshot.Used, 1e-9)
	s.InDelta(7.5, snapshot.Remaining, 1e-9)
	s.Equal(s.now, snapshot.AsOf)
}

func (s *ExecutorSuite) TestStats() {
	released := s.newRequest()
	_, err := s.exec.Execute(s.ctx(), released, staticProvider(50, 100))
	s.Require().NoError(err)

	suppressed := s.newRequest()
	_, err = s.exec.Execute(s.ctx(), suppressed, staticProvider(3, 5))
	s.Require().NoError(err)

	stats, err := s.exec.Stats(s.ctx())
	s.Require().NoError(err)
	s.Equal(int64(2), stats.TotalQueries)
	s.InDelta(1.0, stats.TotalEpsilonUsed, 1e-9)
	s.InDelta(0.5, stats.KAnonymitySatisfiedRate, 1e-9)
	s.InDelta(1.0, stats.BasicEpsilonBound, 1e-9)
	s.Greater(stats.AdvancedEpsilonBound, 0.0)
	s.Greater(stats.AdvancedDeltaBound, 0.0)
}
