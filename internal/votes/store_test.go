package votes

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "civicpulse/pkg/domain"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	pollID := id.ResourceID(uuid.New())

	ballots := []Ballot{
		{ResourceID: pollID, VoterHash: "v1", Option: "yes", Value: 1},
		{ResourceID: pollID, VoterHash: "v2", Option: "yes", Value: 1},
		{ResourceID: pollID, VoterHash: "v3", Option: "no", Value: 1},
		// Same voter revising their ballot counts once for participation.
		{ResourceID: pollID, VoterHash: "v3", Option: "no", Value: 1},
	}
	for _, b := range ballots {
		require.NoError(t, store.Record(ctx, b))
	}

	agg, err := store.Aggregate(ctx, pollID)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, agg.TrueValue, 1e-9)
	assert.Equal(t, uint64(3), agg.ParticipantCount)

	hist, err := store.Histogram(ctx, pollID)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, hist.Counts["yes"], 1e-9)
	assert.InDelta(t, 2.0, hist.Counts["no"], 1e-9)
	assert.Equal(t, uint64(3), hist.ParticipantCount)

	empty, err := store.Aggregate(ctx, id.ResourceID(uuid.New()))
	require.NoError(t, err)
	assert.Zero(t, empty.TrueValue)
	assert.Zero(t, empty.ParticipantCount)
}
