package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/daqfabric/internal/router/policy"
	"github.com/yanet-platform/daqfabric/internal/transport"
)

func Test_NextIntervalShrinksAboveThreeQuarters(t *testing.T) {
	got := nextInterval(100*time.Millisecond, 8, 10, time.Second)
	assert.Equal(t, 90*time.Millisecond, got)
}

func Test_NextIntervalGrowsBelowHalf(t *testing.T) {
	got := nextInterval(100*time.Millisecond, 3, 10, time.Second)
	assert.Equal(t, 110*time.Millisecond, got)
}

func Test_NextIntervalHoldsBetween(t *testing.T) {
	got := nextInterval(100*time.Millisecond, 6, 10, time.Second)
	assert.Equal(t, 100*time.Millisecond, got)
}

func Test_NextIntervalClampedToMax(t *testing.T) {
	got := nextInterval(950*time.Millisecond, 2, 10, time.Second)
	assert.LessOrEqual(t, got, time.Second)
}

func Test_NextIntervalClampedToFloor(t *testing.T) {
	got := nextInterval(1*time.Millisecond, 9, 10, time.Second)
	assert.GreaterOrEqual(t, got, time.Millisecond)
}

func Test_BuildPolicyUnknown(t *testing.T) {
	_, err := buildPolicy(PolicyConfig{Name: "Bogus"}, nil)
	assert.Error(t, err)
}

func Test_BuildPolicyDefaultsToNoOp(t *testing.T) {
	p, err := buildPolicy(PolicyConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "NoOp", p.Name())
}

func Test_RecordTokenRouteBySequenceID(t *testing.T) {
	r, err := New(Config{Mode: transport.RouteBySequenceID, Policy: PolicyConfig{Name: "NoOp"}})
	require.NoError(t, err)

	r.recordToken(transport.RoutingToken{Rank: 1, NewSlotsFree: 3})
	snapshot, total := r.snapshotTokens()
	assert.Equal(t, 3, snapshot[1])
	assert.Equal(t, 3, total)
}

func Test_RecordTokenRouteBySendCountWaitsForAllSenders(t *testing.T) {
	cfg := Config{
		Mode:    transport.RouteBySendCount,
		Senders: []int32{10, 11},
		Policy:  PolicyConfig{Name: "NoOp"},
	}
	r, err := New(cfg)
	require.NoError(t, err)

	r.recordToken(transport.RoutingToken{Rank: 1, NewSlotsFree: 1})
	_, total := r.snapshotTokens()
	assert.Equal(t, 0, total, "only one of two senders has reported")

	r.recordToken(transport.RoutingToken{Rank: 1, NewSlotsFree: 1})
	snapshot, total := r.snapshotTokens()
	assert.Equal(t, 1, snapshot[1])
	assert.Equal(t, 1, total)
}

func Test_ReturnUnusedRestoresTokens(t *testing.T) {
	r, err := New(Config{Policy: PolicyConfig{Name: "NoOp"}})
	require.NoError(t, err)

	r.tokens[5] = 2
	_, _ = r.snapshotTokens() // drains r.tokens to empty

	r.returnUnused(policy.Tokens{Counts: map[int32]int{5: 2}})
	assert.Equal(t, 2, r.tokens[5])
}
