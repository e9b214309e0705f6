//go:build integration

package ledger_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"civicpulse/internal/privacy/config"
	"civicpulse/internal/privacy/models"
	"civicpulse/internal/privacy/store/ledger"
	id "civicpulse/pkg/domain"
	dErrors "civicpulse/pkg/domain-errors"
	"civicpulse/pkg/testutil/containers"
)

type PostgresLedgerSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *ledger.PostgresLedgerStore
	cfg      config.Config
	now      time.Time
}

func TestPostgresLedgerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresLedgerSuite))
}

func (s *PostgresLedgerSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())

	s.cfg = config.Default()
	s.cfg.MaxEpsilonPerSubject = 10.0
	s.cfg.Window = 24 * time.Hour
	s.store = ledger.NewPostgres(s.postgres.DB, s.cfg)
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
}

func (s *PostgresLedgerSuite) SetupTest() {
	ctx := context.Background()
	err := s.postgres.TruncateTables(ctx, "privacy_ledger")
	s.Require().NoError(err)
	s.now = time.Now().UTC().Truncate(time.Microsecond)
}

func (s *PostgresLedgerSuite) newEntry(subjectID id.SubjectID, epsilon float64, at time.Time) models.LedgerEntry {
	return models.LedgerEntry{
		ID:                  id.NewEntryID(),
		SubjectID:           subjectID,
		ResourceID:          id.ResourceID(uuid.New()),
		EpsilonUsed:         epsilon,
		QueryType:           id.QueryTypeCount,
		Timestamp:           at,
		Description:         "integration test entry",
		NoiseScale:          1.0,
		KAnonymitySatisfied: true,
	}
}

func (s *PostgresLedgerSuite) TestReserveAndCommit() {
	ctx := context.Background()
	subjectID := id.SubjectID(uuid.New())

	remaining, err := s.store.ReserveAndCommit(ctx, s.newEntry(subjectID, 2.5, s.now))
	s.Require().NoError(err)
	s.InDelta(7.5, remaining, 1e-9)

	remaining, err = s.store.RemainingBudget(ctx, subjectID, s.now)
	s.Require().NoError(err)
	s.InDelta(7.5, remaining, 1e-9)
}

func (s *PostgresLedgerSuite) TestRejectsOverBudget() {
	ctx := context.Background()
	subjectID := id.SubjectID(uuid.New())

	_, err := s.store.ReserveAndCommit(ctx, s.newEntry(subjectID, 9.5, s.now))
	s.Require().NoError(err)

	_, err = s.store.ReserveAndCommit(ctx, s.newEntry(subjectID, 1.0, s.now.Add(time.Second)))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeBudgetExceeded))

	var budgetErr *models.BudgetExceededError
	s.Require().ErrorAs(err, &budgetErr)
	s.InDelta(0.5, budgetErr.Remaining, 1e-9)

	// The rejected reservation left nothing behind.
	entries, err := s.store.ListEntries(ctx, subjectID, models.ListFilter{})
	s.Require().NoError(err)
	s.Len(entries, 1)
}

// TestConcurrentReservations verifies the advisory lock makes the window-sum
// check and insert atomic: racing goroutines can never jointly overspend.
func (s *PostgresLedgerSuite) TestConcurrentReservations() {
	ctx := context.Background()
	subjectID := id.SubjectID(uuid.New())
	const goroutines = 50

	var wg sync.WaitGroup
	var committed atomic.Int32
	var rejected atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			entry := s.newEntry(subjectID, 1.0, s.now.Add(time.Duration(i)*time.Millisecond))
			_, err := s.store.ReserveAndCommit(ctx, entry)
			switch {
			case err == nil:
				committed.Add(1)
			case dErrors.HasCode(err, dErrors.CodeBudgetExceeded):
				rejected.Add(1)
			default:
				s.Failf("unexpected error", "%v", err)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(10), committed.Load(), "exactly the budget's worth of reservations should commit")
	s.Equal(int32(goroutines-10), rejected.Load())

	remaining, err := s.store.RemainingBudget(ctx, subjectID, s.now.Add(time.Second))
	s.Require().NoError(err)
	s.InDelta(0.0, remaining, 1e-9)
}

func (s *PostgresLedgerSuite) TestSubjectsDoNotContend() {
	ctx := context.Background()
	const subjects = 8

	var wg sync.WaitGroup
	for i := 0; i < subjects; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subjectID := id.SubjectID(uuid.New())
			for j := 0; j < 10; j++ {
				_, err := s.store.ReserveAndCommit(ctx, s.newEntry(subjectID, 1.0, s.now.Add(time.Duration(j)*time.Millisecond)))
				s.Require().NoError(err)
			}
		}()
	}
	wg.Wait()

	stats, err := s.store.AggregateStats(ctx)
	s.Require().NoError(err)
	s.Equal(int64(subjects*10), stats.TotalQueries)
}

func (s *PostgresLedgerSuite) TestWindowExpiry() {
	ctx := context.Background()
	subjectID := id.SubjectID(uuid.New())

	old := s.now.Add(-s.cfg.Window - time.Minute)
	_, err := s.store.ReserveAndCommit(ctx, s.newEntry(subjectID, 10.0, old))
	s.Require().NoError(err)

	remaining, err := s.store.RemainingBudget(ctx, subjectID, s.now)
	s.Require().NoError(err)
	s.InDelta(10.0, remaining, 1e-9)

	_, err = s.store.ReserveAndCommit(ctx, s.newEntry(subjectID, 10.0, s.now))
	s.Require().NoError(err)
}

func (s *PostgresLedgerSuite) TestIdempotencyKey() {
	ctx := context.Background()
	subjectID := id.SubjectID(uuid.New())

	entry := s.newEntry(subjectID, 1.0, s.now)
	entry.IdempotencyKey = "pg-replay-key"
	_, err := s.store.ReserveAndCommit(ctx, entry)
	s.Require().NoError(err)

	found, err := s.store.FindByIdempotencyKey(ctx, subjectID, "pg-replay-key")
	s.Require().NoError(err)
	s.Require().NotNil(found)
	s.Equal(entry.ID, found.ID)
	s.InDelta(1.0, found.EpsilonUsed, 1e-9)

	missing, err := s.store.FindByIdempotencyKey(ctx, subjectID, "unknown")
	s.Require().NoError(err)
	s.Nil(missing)

	// The partial unique index rejects a second commit under the same key.
	dup := s.newEntry(subjectID, 1.0, s.now.Add(time.Second))
	dup.IdempotencyKey = "pg-replay-key"
	_, err = s.store.ReserveAndCommit(ctx, dup)
	s.Error(err)
}

func (s *PostgresLedgerSuite) TestListEntries() {
	ctx := context.Background()
	subjectID := id.SubjectID(uuid.New())

	for i := 0; i < 5; i++ {
		entry := s.newEntry(subjectID, 0.5, s.now.Add(time.Duration(i)*time.Hour))
		if i%2 == 0 {
			entry.QueryType = id.QueryTypeHistogram
		}
		_, err := s.store.ReserveAndCommit(ctx, entry)
		s.Require().NoError(err)
	}

	entries, err := s.store.ListEntries(ctx, subjectID, models.ListFilter{})
	s.Require().NoError(err)
	s.Require().Len(entries, 5)
	for i := 1; i < len(entries); i++ {
		s.True(entries[i-1].Timestamp.After(entries[i].Timestamp), "entries should be newest first")
	}

	histograms, err := s.store.ListEntries(ctx, subjectID, models.ListFilter{QueryType: id.QueryTypeHistogram})
	s.Require().NoError(err)
	s.Len(histograms, 3)

	bounded, err := s.store.ListEntries(ctx, subjectID, models.ListFilter{
		Since: s.now.Add(time.Hour),
		Until: s.now.Add(3 * time.Hour),
	})
	s.Require().NoError(err)
	s.Len(bounded, 3)

	page, err := s.store.ListEntries(ctx, subjectID, models.ListFilter{Limit: 2, Offset: 4})
	s.Require().NoError(err)
	s.Len(page, 1)
}

func (s *PostgresLedgerSuite) TestAggregateStatsAndCleanup() {
	ctx := context.Background()
	subjectID := id.SubjectID(uuid.New())

	released := s.newEntry(subjectID, 2.0, s.now)
	released.NoiseScale = 0.5
	_, err := s.store.ReserveAndCommit(ctx, released)
	s.Require().NoError(err)

	suppressed := s.newEntry(subjectID, 0, s.now.Add(-48*time.Hour))
	suppressed.NoiseScale = 0
	suppressed.KAnonymitySatisfied = false
	_, err = s.store.ReserveAndCommit(ctx, suppressed)
	s.Require().NoError(err)

	stats, err := s.store.AggregateStats(ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), stats.TotalQueries)
	s.InDelta(2.0, stats.TotalEpsilonUsed, 1e-9)
	s.InDelta(0.25, stats.AverageNoiseScale, 1e-9)
	s.InDelta(0.5, stats.KAnonymitySatisfiedRate, 1e-9)

	removed, err := s.store.DeleteOlderThan(ctx, s.now.Add(-24*time.Hour))
	s.Require().NoError(err)
	s.Equal(int64(1), removed)

	stats, err = s.store.AggregateStats(ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), stats.TotalQueries)
}
