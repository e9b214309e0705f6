package votes

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"civicpulse/internal/privacy/models"
	id "civicpulse/pkg/domain"
)

// PostgresStore reads raw ballots from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS poll_ballots (
	id          BIGSERIAL PRIMARY KEY,
	resource_id UUID NOT NULL,
	voter_hash  TEXT NOT NULL,
	option      TEXT NOT NULL,
	value       DOUBLE PRECISION NOT NULL DEFAULT 1,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS poll_ballots_resource_idx
	ON poll_ballots (resource_id);
`

// EnsureSchema creates the ballots table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure poll ballots schema: %w", err)
	}
	return nil
}

// Record appends a ballot.
func (s *PostgresStore) Record(ctx context.Context, ballot Ballot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO poll_ballots (resource_id, voter_hash, option, value)
		VALUES ($1, $2, $3, $4)
	`, uuid.UUID(ballot.ResourceID), ballot.VoterHash, ballot.Option, ballot.Value)
	if err != nil {
		return fmt.Errorf("record ballot: %w", err)
	}
	return nil
}

// Aggregate sums ballot values and counts distinct voters for a poll.
func (s *PostgresStore) Aggregate(ctx context.Context, resourceID id.ResourceID) (models.RawAggregate, error) {
	var agg models.RawAggregate
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(value), 0), COUNT(DISTINCT voter_hash)
		FROM poll_ballots
		WHERE resource_id = $1
	`, uuid.UUID(resourceID)).Scan(&agg.TrueValue, &agg.ParticipantCount)
	if err != nil {
		return models.RawAggregate{}, fmt.Errorf("aggregate ballots: %w", err)
	}
	return agg, nil
}

// Histogram groups ballot values by option and counts distinct voters.
func (s *PostgresStore) Histogram(ctx context.Context, resourceID id.ResourceID) (models.RawHistogram, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT option, COALESCE(SUM(value), 0)
		FROM poll_ballots
		WHERE resource_id = $1
		GROUP BY option
	`, uuid.UUID(resourceID))
	if err != nil {
		return models.RawHistogram{}, fmt.Errorf("histogram ballots: %w", err)
	}
	defer rows.Close()

	hist := models.RawHistogram{Counts: make(map[string]float64)}
	for rows.Next() {
		var option string
		var count float64
		if err := rows.Scan(&option, &count); err != nil {
			return models.RawHistogram{}, fmt.Errorf("scan ballot option: %w", err)
		}
		hist.Counts[option] = count
	}
	if err := rows.Err(); err != nil {
		return models.RawHistogram{}, fmt.Errorf("iterate ballot options: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT voter_hash)
		FROM poll_ballots
		WHERE resource_id = $1
	`, uuid.UUID(resourceID)).Scan(&hist.ParticipantCount)
	if err != nil {
		return models.RawHistogram{}, fmt.Errorf("count ballot voters: %w", err)
	}
	return hist, nil
}
