// Package memory provides an in-memory audit store for tests and single-node
// deployments.
package memory

import (
	"context"
	"sync"

	"civicpulse/pkg/platform/audit"
)

// InMemoryStore keeps audit events in a slice guarded by a mutex.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []audit.Event
}

// NewInMemoryStore creates an empty in-memory audit store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Append records an event. Never fails.
func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// ListBySubjectHash returns all events recorded for a subject hash, in
// insertion order.
func (s *InMemoryStore) ListBySubjectHash(_ context.Context, subjectIDHash string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.SubjectIDHash == subjectIDHash {
			out = append(out, e)
		}
	}
	return out, nil
}

// All returns every recorded event. Test helper.
func (s *InMemoryStore) All() []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Event, len(s.events))
	copy(out, s.events)
	return out
}
