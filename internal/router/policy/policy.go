// Package policy implements the pluggable routing-table assignment
// policies described in spec §4.3: NoOp, RoundRobin, CapacityTest, and
// NthEvent. Per Design Note §9, policies are expressed as a narrow
// capability interface rather than a class hierarchy.
package policy

// Assignment is one (sequence_id, destination_rank) entry of an emitted
// routing table.
type Assignment struct {
	SequenceID      uint64
	DestinationRank int32
}

// Tokens is the router's snapshot of available credit for this table
// cycle: Order preserves the arrival order of individual credits (needed
// by NoOp), Counts summarizes per-rank credit count (needed by the rest).
type Tokens struct {
	Order  []int32
	Counts map[int32]int
}

// NewTokens builds a Tokens snapshot from an arrival-ordered credit list.
func NewTokens(order []int32) Tokens {
	counts := make(map[int32]int, len(order))
	for _, r := range order {
		counts[r]++
	}
	return Tokens{Order: order, Counts: counts}
}

// Total returns the number of credits available across all ranks.
func (t Tokens) Total() int {
	n := 0
	for _, c := range t.Counts {
		n += c
	}
	return n
}

func (t Tokens) cloneCounts() map[int32]int {
	out := make(map[int32]int, len(t.Counts))
	for r, c := range t.Counts {
		out[r] = c
	}
	return out
}

// Policy is the capability every routing policy implements: given the
// tokens collected this cycle and the next sequence id to assign, produce
// a table and report which tokens went unused.
//
// Policies must emit strictly monotonic, contiguous sequence ids starting
// at nextSeq (§4.3 shared invariant).
type Policy interface {
	Name() string
	Apply(tokens Tokens, nextSeq uint64) (assignments []Assignment, unused Tokens)
}
