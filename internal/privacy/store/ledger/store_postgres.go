package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"civicpulse/internal/privacy/config"
	"civicpulse/internal/privacy/models"
	id "civicpulse/pkg/domain"
	dErrors "civicpulse/pkg/domain-errors"
)

// PostgresLedgerStore persists ledger entries in PostgreSQL.
//
// Locking discipline: ReserveAndCommit runs in one transaction holding a
// subject-scoped advisory lock, so the window-sum check and the insert are
// atomic per subject while distinct subjects never contend. The table is
// indexed on (subject_id, ts) to keep the window sum cheap.
type PostgresLedgerStore struct {
	db  *sql.DB
	cfg config.Config
}

// NewPostgres constructs a PostgreSQL-backed ledger store.
func NewPostgres(db *sql.DB, cfg config.Config) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db, cfg: cfg}
}

// Schema for the privacy ledger. Applied by EnsureSchema; safe to re-run.
const schema = `
CREATE TABLE IF NOT EXISTS privacy_ledger (
	id                    UUID PRIMARY KEY,
	subject_id            UUID NOT NULL,
	resource_id           UUID,
	epsilon_used          DOUBLE PRECISION NOT NULL CHECK (epsilon_used >= 0),
	query_type            TEXT NOT NULL,
	ts                    TIMESTAMPTZ NOT NULL,
	description           TEXT NOT NULL DEFAULT '',
	noise_scale           DOUBLE PRECISION NOT NULL CHECK (noise_scale >= 0),
	k_anonymity_satisfied BOOLEAN NOT NULL,
	idempotency_key       TEXT
);

CREATE INDEX IF NOT EXISTS privacy_ledger_subject_ts_idx
	ON privacy_ledger (subject_id, ts);

CREATE UNIQUE INDEX IF NOT EXISTS privacy_ledger_idempotency_idx
	ON privacy_ledger (subject_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;
`

// EnsureSchema creates the ledger table and indexes if missing.
func (s *PostgresLedgerStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure privacy ledger schema: %w", err)
	}
	return nil
}

// RemainingBudget returns the subject's unspent epsilon over the window
// ending at asOf. Read-only; runs outside any lock and may be slightly stale
// under concurrent writers, which is acceptable for display.
func (s *PostgresLedgerStore) RemainingBudget(ctx context.Context, subjectID id.SubjectID, asOf time.Time) (float64, error) {
	var used float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(epsilon_used), 0)
		FROM privacy_ledger
		WHERE subject_id = $1 AND ts > $2 AND ts <= $3
	`, uuid.UUID(subjectID), asOf.Add(-s.cfg.Window), asOf).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("sum window epsilon: %w", err)
	}
	return s.cfg.MaxEpsilonPerSubject - used, nil
}

// ReserveAndCommit atomically checks the subject's remaining budget and
// appends the entry. pg_advisory_xact_lock serializes reservations per
// subject for the duration of the transaction; the lock releases on commit or
// rollback. A naive read-then-insert without the lock would let two
// concurrent requests both observe sufficient budget and jointly overspend
// it.
func (s *PostgresLedgerStore) ReserveAndCommit(ctx context.Context, entry models.LedgerEntry) (float64, error) {
	if entry.SubjectID.IsNil() {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "subject_id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.SubjectID.String()); err != nil {
		return 0, fmt.Errorf("acquire subject lock: %w", err)
	}

	var used float64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(epsilon_used), 0)
		FROM privacy_ledger
		WHERE subject_id = $1 AND ts > $2 AND ts <= $3
	`, uuid.UUID(entry.SubjectID), entry.Timestamp.Add(-s.cfg.Window), entry.Timestamp).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("sum window epsilon: %w", err)
	}

	remaining := s.cfg.MaxEpsilonPerSubject - used
	if entry.EpsilonUsed > remaining {
		return 0, dErrors.Wrap(
			&models.BudgetExceededError{Remaining: remaining, Requested: entry.EpsilonUsed},
			dErrors.CodeBudgetExceeded, "reservation rejected")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO privacy_ledger
			(id, subject_id, resource_id, epsilon_used, query_type, ts, description, noise_scale, k_anonymity_satisfied, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		uuid.UUID(entry.ID),
		uuid.UUID(entry.SubjectID),
		nullableUUID(uuid.UUID(entry.ResourceID)),
		entry.EpsilonUsed,
		entry.QueryType.String(),
		entry.Timestamp,
		entry.Description,
		entry.NoiseScale,
		entry.KAnonymitySatisfied,
		nullableString(entry.IdempotencyKey),
	); err != nil {
		return 0, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reserve tx: %w", err)
	}
	return remaining - entry.EpsilonUsed, nil
}

// FindByIdempotencyKey returns the entry committed under the key, or nil.
func (s *PostgresLedgerStore) FindByIdempotencyKey(ctx context.Context, subjectID id.SubjectID, key string) (*models.LedgerEntry, error) {
	if key == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, selectColumns+`
		FROM privacy_ledger
		WHERE subject_id = $1 AND idempotency_key = $2
	`, uuid.UUID(subjectID), key)
	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find by idempotency key: %w", err)
	}
	return entry, nil
}

// ListEntries returns a page of the subject's entries, newest first.
func (s *PostgresLedgerStore) ListEntries(ctx context.Context, subjectID id.SubjectID, filter models.ListFilter) ([]models.LedgerEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := selectColumns + `
		FROM privacy_ledger
		WHERE subject_id = $1
		  AND ($2::text = '' OR query_type = $2)
		  AND ($3::timestamptz IS NULL OR ts >= $3)
		  AND ($4::timestamptz IS NULL OR ts <= $4)
		ORDER BY ts DESC
		LIMIT $5 OFFSET $6
	`
	rows, err := s.db.QueryContext(ctx, query,
		uuid.UUID(subjectID),
		filter.QueryType.String(),
		nullableTime(filter.Since),
		nullableTime(filter.Until),
		limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}

// AggregateStats summarizes ledger activity across all subjects.
func (s *PostgresLedgerStore) AggregateStats(ctx context.Context) (models.LedgerStats, error) {
	var stats models.LedgerStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(epsilon_used), 0),
		       COALESCE(AVG(noise_scale), 0),
		       COALESCE(AVG(CASE WHEN k_anonymity_satisfied THEN 1.0 ELSE 0.0 END), 0)
		FROM privacy_ledger
	`).Scan(&stats.TotalQueries, &stats.TotalEpsilonUsed, &stats.AverageNoiseScale, &stats.KAnonymitySatisfiedRate)
	if err != nil {
		return models.LedgerStats{}, fmt.Errorf("aggregate ledger stats: %w", err)
	}
	return stats, nil
}

// DeleteOlderThan prunes entries with timestamps before cutoff.
func (s *PostgresLedgerStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM privacy_ledger WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune ledger rows affected: %w", err)
	}
	return rows, nil
}

const selectColumns = `
	SELECT id, subject_id, resource_id, epsilon_used, query_type, ts, description, noise_scale, k_anonymity_satisfied, idempotency_key
`

type ledgerRow interface {
	Scan(dest ...any) error
}

func scanEntry(row ledgerRow) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	var entryID, subjectID uuid.UUID
	var resourceID uuid.NullUUID
	var queryType string
	var idempotencyKey sql.NullString
	if err := row.Scan(
		&entryID, &subjectID, &resourceID,
		&entry.EpsilonUsed, &queryType, &entry.Timestamp,
		&entry.Description, &entry.NoiseScale, &entry.KAnonymitySatisfied,
		&idempotencyKey,
	); err != nil {
		return nil, err
	}
	entry.ID = id.EntryID(entryID)
	entry.SubjectID = id.SubjectID(subjectID)
	if resourceID.Valid {
		entry.ResourceID = id.ResourceID(resourceID.UUID)
	}
	entry.QueryType = id.QueryType(queryType)
	if idempotencyKey.Valid {
		entry.IdempotencyKey = idempotencyKey.String
	}
	return &entry, nil
}

func nullableUUID(u uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: u, Valid: u != uuid.Nil}
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
