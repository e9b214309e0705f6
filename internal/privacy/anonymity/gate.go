// Package anonymity implements the k-anonymity release gate.
//
// The gate is a pure decision over the participant count: statistics are only
// released when at least k participants contributed, independent of any noise
// added afterwards. It carries no state and has no failure modes.
package anonymity

// Satisfied reports whether a statistic over participantCount contributors
// may be released under a minimum group size of k.
func Satisfied(participantCount, k uint64) bool {
	return participantCount >= k
}
