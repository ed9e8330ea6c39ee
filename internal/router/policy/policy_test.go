package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_NoOp(t *testing.T) {
	tokens := NewTokens([]int32{1, 2, 1})
	assignments, unused := NoOp{}.Apply(tokens, 1)

	assert.Equal(t, []Assignment{
		{SequenceID: 1, DestinationRank: 1},
		{SequenceID: 2, DestinationRank: 2},
		{SequenceID: 3, DestinationRank: 1},
	}, assignments)
	assert.Equal(t, 0, unused.Total())
}

// Test_RoundRobinFullCycle is end-to-end scenario 4 of §8.
func Test_RoundRobinFullCycle(t *testing.T) {
	receivers := []int32{1, 2, 3, 4}
	p := NewRoundRobin(receivers, 4)

	tokens := NewTokens([]int32{1, 2, 3, 4})
	assignments, unused := p.Apply(tokens, 1)

	assert.Equal(t, []Assignment{
		{SequenceID: 1, DestinationRank: 1},
		{SequenceID: 2, DestinationRank: 2},
		{SequenceID: 3, DestinationRank: 3},
		{SequenceID: 4, DestinationRank: 4},
	}, assignments)
	assert.Equal(t, 0, unused.Total())
}

func Test_RoundRobinWaitsForMinParticipants(t *testing.T) {
	receivers := []int32{1, 2, 3}
	p := NewRoundRobin(receivers, 3)

	tokens := NewTokens([]int32{1, 2}) // only 2 of 3 hold tokens
	assignments, unused := p.Apply(tokens, 1)

	assert.Empty(t, assignments)
	assert.Equal(t, 2, unused.Total())
}

func Test_RoundRobinNegativeMinParticipants(t *testing.T) {
	p := NewRoundRobin([]int32{1, 2, 3, 4}, -1)
	assert.Equal(t, 3, p.minParticipants)

	p2 := NewRoundRobin([]int32{1, 2}, -5)
	assert.Equal(t, 1, p2.minParticipants, "floor of 1")
}

func Test_RoundRobinUnevenTokensStopsAtFirstDrop(t *testing.T) {
	receivers := []int32{1, 2}
	p := NewRoundRobin(receivers, 2)

	tokens := NewTokens([]int32{1, 1, 1, 2}) // rank 1 has 3, rank 2 has 1
	assignments, unused := p.Apply(tokens, 1)

	// One full turn (1,2) consumes rank 2's only token and stops.
	assert.Equal(t, []Assignment{
		{SequenceID: 1, DestinationRank: 1},
		{SequenceID: 2, DestinationRank: 2},
	}, assignments)
	assert.Equal(t, 2, unused.Counts[1])
	assert.Equal(t, 0, unused.Counts[2])
}

func Test_CapacityTestFillsPercent(t *testing.T) {
	receivers := []int32{1, 2, 3}
	p := NewCapacityTest(receivers, 50)

	tokens := NewTokens([]int32{1, 1, 2, 2, 3, 3}) // total 6, target=3
	assignments, unused := p.Apply(tokens, 1)

	assert.Len(t, assignments, 3)
	assert.Equal(t, 3, unused.Total())
}

// Test_NthEventScenario is end-to-end scenario 5 of §8.
func Test_NthEventScenario(t *testing.T) {
	receivers := []int32{1, 2, 3}
	p := NewNthEvent(receivers, 3, 3)

	round1, unused1 := p.Apply(NewTokens([]int32{1, 2, 3}), 1)
	assert.Equal(t, []Assignment{
		{SequenceID: 1, DestinationRank: 1},
		{SequenceID: 2, DestinationRank: 2},
		{SequenceID: 3, DestinationRank: 3},
	}, round1)
	assert.Equal(t, 0, unused1.Total())

	round2, unused2 := p.Apply(NewTokens([]int32{1, 2, 3}), 4)
	assert.Equal(t, []Assignment{
		{SequenceID: 4, DestinationRank: 1},
		{SequenceID: 5, DestinationRank: 2},
		{SequenceID: 6, DestinationRank: 3},
	}, round2)
	assert.Equal(t, 0, unused2.Total())
}

func Test_MonotonicSequenceAcrossPolicies(t *testing.T) {
	for _, p := range []Policy{
		NoOp{},
		NewRoundRobin([]int32{1, 2}, 1),
		NewCapacityTest([]int32{1, 2}, 100),
		NewNthEvent([]int32{1, 2}, 2, 2),
	} {
		assignments, _ := p.Apply(NewTokens([]int32{1, 2, 1, 2}), 10)
		for i := 1; i < len(assignments); i++ {
			assert.Greater(t, assignments[i].SequenceID, assignments[i-1].SequenceID, p.Name())
		}
	}
}
