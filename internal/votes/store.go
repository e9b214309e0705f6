// Package votes supplies the raw poll aggregates the privacy engine
// perturbs. It is the only reader of raw ballots; everything downstream of
// the executor sees noisy values.
package votes

import (
	"context"
	"sync"

	"civicpulse/internal/privacy/models"
	id "civicpulse/pkg/domain"
)

// Ballot is one recorded vote. VoterHash is the SHA-256 of the voter's
// identity computed at ingestion; raw voter IDs never reach this store.
type Ballot struct {
	ResourceID id.ResourceID
	VoterHash  string
	Option     string
	Value      float64
}

// InMemoryStore keeps ballots in process memory. Used for local development
// and tests; production uses PostgresStore.
type InMemoryStore struct {
	mu      sync.RWMutex
	ballots map[id.ResourceID][]Ballot
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{ballots: make(map[id.ResourceID][]Ballot)}
}

// Record appends a ballot.
func (s *InMemoryStore) Record(_ context.Context, ballot Ballot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ballots[ballot.ResourceID] = append(s.ballots[ballot.ResourceID], ballot)
	return nil
}

// Aggregate sums ballot values and counts distinct voters for a poll.
func (s *InMemoryStore) Aggregate(_ context.Context, resourceID id.ResourceID) (models.RawAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var agg models.RawAggregate
	voters := make(map[string]struct{})
	for _, b := range s.ballots[resourceID] {
		agg.TrueValue += b.Value
		voters[b.VoterHash] = struct{}{}
	}
	agg.ParticipantCount = uint64(len(voters))
	return agg, nil
}

// Histogram groups ballot values by option and counts distinct voters.
func (s *InMemoryStore) Histogram(_ context.Context, resourceID id.ResourceID) (models.RawHistogram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := models.RawHistogram{Counts: make(map[string]float64)}
	voters := make(map[string]struct{})
	for _, b := range s.ballots[resourceID] {
		hist.Counts[b.Option] += b.Value
		voters[b.VoterHash] = struct{}{}
	}
	hist.ParticipantCount = uint64(len(voters))
	return hist, nil
}
