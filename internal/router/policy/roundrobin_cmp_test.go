package policy

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// Test_RoundRobinAssignmentsMatchExactSequence diffs the full assignment
// table against the expected turn order, rather than asserting field by
// field, so a reordering or an off-by-one in sequence ids is reported with
// the full structural diff.
func Test_RoundRobinAssignmentsMatchExactSequence(t *testing.T) {
	p := NewRoundRobin([]int32{1, 2, 3}, 2)
	tokens := NewTokens([]int32{1, 1, 2, 2, 3})

	got, unused := p.Apply(tokens, 100)

	// The turn including rank 3 (only one credit) drains it to zero, so the
	// policy stops after that single full turn rather than starting another.
	want := []Assignment{
		{SequenceID: 100, DestinationRank: 1},
		{SequenceID: 101, DestinationRank: 2},
		{SequenceID: 102, DestinationRank: 3},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("assignment table mismatch (-want +got):\n%s", diff)
	}
	if unused.Total() != 2 {
		t.Fatalf("expected 2 leftover tokens, got %d", unused.Total())
	}
}
