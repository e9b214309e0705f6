// Package noise implements the randomness abstraction and the additive-noise
// mechanisms (Laplace, Gaussian) used to release differentially private
// statistics.
package noise

import (
	crand "crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"

	dErrors "civicpulse/pkg/domain-errors"
)

// Source supplies uniform random values in the open interval (-0.5, 0.5).
//
// Production code must use a cryptographically secure source: a predictable
// PRNG lets an observer subtract the noise back out of released values.
// Tests inject SeededSource for deterministic sampling.
type Source interface {
	Sample() (float64, error)
}

// CryptoSource draws from crypto/rand.
type CryptoSource struct{}

// NewCryptoSource returns the production noise source.
func NewCryptoSource() *CryptoSource { return &CryptoSource{} }

// Sample returns a uniform value in (-0.5, 0.5). If the entropy source is
// unavailable the error carries CodeEntropyUnavailable; the calling query must
// fail rather than release an un-noised value.
func (s *CryptoSource) Sample() (float64, error) {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeEntropyUnavailable, "secure randomness unavailable")
	}
	// 53-bit mantissa shifted by half a ULP keeps the result strictly inside
	// (0, 1), so the Laplace inverse CDF never sees log(0).
	v := binary.BigEndian.Uint64(buf[:]) >> 11
	u := (float64(v) + 0.5) / (1 << 53)
	return u - 0.5, nil
}

// SeededSource is a deterministic source for tests. It is NOT
// cryptographically secure and must never be wired into production paths.
type SeededSource struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSeededSource returns a deterministic source seeded with the given value.
func NewSeededSource(seed int64) *SeededSource {
	return &SeededSource{rng: mrand.New(mrand.NewSource(seed))}
}

// Sample returns a uniform value in (-0.5, 0.5).
func (s *SeededSource) Sample() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.rng.Float64()
	for u == 0 {
		u = s.rng.Float64()
	}
	return u - 0.5, nil
}

// failingSource always errors; used to exercise entropy-failure paths.
type failingSource struct{}

// NewFailingSource returns a source whose Sample always reports
// CodeEntropyUnavailable. Test helper.
func NewFailingSource() Source { return failingSource{} }

func (failingSource) Sample() (float64, error) {
	return 0, dErrors.New(dErrors.CodeEntropyUnavailable, "entropy source closed")
}
