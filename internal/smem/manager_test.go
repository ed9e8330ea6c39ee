package smem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yanet-platform/daqfabric/internal/fragment"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	seg, err := NewHeapSegment(cfg.BufferCount * int(cfg.BufferSize))
	require.NoError(t, err)
	m, err := NewManager(cfg, seg, zap.NewNop().Sugar())
	require.NoError(t, err)
	return m
}

func dataFragment(seq uint64, ts uint64, fragID uint16, payload []byte) *fragment.Fragment {
	return &fragment.Fragment{
		Header: fragment.RawHeader{
			WordCount:  uint64(fragment.HeaderWords) + uint64(len(payload)/8),
			SequenceID: seq,
			FragmentID: fragID,
			Timestamp:  ts,
			Type:       fragment.TypeData,
		},
		Payload: payload,
	}
}

// Test_SimpleRoundTrip is end-to-end scenario 1 of §8.
func Test_SimpleRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferCount = 4
	cfg.ExpectedFragmentsPerEvent = 1
	m := newTestManager(t, cfg)

	ctx := context.Background()
	require.NoError(t, m.AddFragment(ctx, dataFragment(1, 1, 1, make([]byte, 8)), time.Second))
	require.NoError(t, m.AddFragment(ctx, dataFragment(2, 5, 1, make([]byte, 8)), time.Second))

	released := m.CheckPendingBuffers()
	assert.Equal(t, 2, released)

	ev1 := <-m.Events()
	assert.Equal(t, uint64(1), ev1.Header.SequenceID)
	assert.True(t, ev1.Header.IsComplete)
	ev1.Release()

	ev2 := <-m.Events()
	assert.Equal(t, uint64(2), ev2.Header.SequenceID)
	assert.True(t, ev2.Header.IsComplete)
	ev2.Release()
}

// Test_ReleaseOrderInvariant covers §8: consecutive releases are strictly
// increasing in sequence_id, even when fragments complete out of order.
func Test_ReleaseOrderInvariant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferCount = 4
	cfg.ExpectedFragmentsPerEvent = 1
	m := newTestManager(t, cfg)

	c2, err := m.WriteFragmentHeader(fragment.RawHeader{SequenceID: 2, FragmentID: 1, WordCount: fragment.HeaderWords, Type: fragment.TypeData}, false)
	require.NoError(t, err)
	c1, err := m.WriteFragmentHeader(fragment.RawHeader{SequenceID: 1, FragmentID: 1, WordCount: fragment.HeaderWords, Type: fragment.TypeData}, false)
	require.NoError(t, err)

	// Complete seq=2 first; it must not be released before seq=1.
	m.DoneWritingFragment(*c2.Fragment)
	released := m.CheckPendingBuffers()
	assert.Equal(t, 0, released, "seq=2 must wait behind still-active seq=1")

	m.DoneWritingFragment(*c1.Fragment)
	released = m.CheckPendingBuffers()
	assert.Equal(t, 2, released)

	ev1 := <-m.Events()
	ev2 := <-m.Events()
	assert.Equal(t, uint64(1), ev1.Header.SequenceID)
	assert.Equal(t, uint64(2), ev2.Header.SequenceID)
	assert.Less(t, ev1.Header.SequenceID, ev2.Header.SequenceID)
	ev1.Release()
	ev2.Release()
}

// Test_SingleBufferConverges is the §8 boundary case: buffer_count=1,
// alternating write/consume must converge without deadlock.
func Test_SingleBufferConverges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferCount = 1
	cfg.ExpectedFragmentsPerEvent = 1
	m := newTestManager(t, cfg)

	ctx := context.Background()
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, m.AddFragment(ctx, dataFragment(seq, seq, 1, nil), time.Second))
		require.Equal(t, 1, m.CheckPendingBuffers())
		ev := <-m.Events()
		assert.Equal(t, seq, ev.Header.SequenceID)
		ev.Release()
	}
}

// Test_StaleReaping exercises incomplete-event release after the
// stale-timeout elapses (§4.1, §7 IncompleteEvent).
func Test_StaleReaping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferCount = 2
	cfg.ExpectedFragmentsPerEvent = 2
	cfg.StaleTimeoutMs = 1
	m := newTestManager(t, cfg)

	cursor, err := m.WriteFragmentHeader(fragment.RawHeader{SequenceID: 1, FragmentID: 1, WordCount: fragment.HeaderWords, Type: fragment.TypeData}, false)
	require.NoError(t, err)
	m.DoneWritingFragment(*cursor.Fragment) // only 1 of 2 expected fragments arrives

	time.Sleep(5 * time.Millisecond)

	released := m.CheckPendingBuffers()
	require.Equal(t, 1, released)

	ev := <-m.Events()
	assert.False(t, ev.Header.IsComplete)
	assert.Equal(t, 1, ev.MissingFragments)
	ev.Release()

	missing, ok := m.MissingForSequence(1)
	assert.True(t, ok)
	assert.Equal(t, 1, missing)
}

// Test_LateFragmentAfterReleaseIsDropped covers Invariant 5 of §4.1.
func Test_LateFragmentAfterReleaseIsDropped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferCount = 2
	cfg.ExpectedFragmentsPerEvent = 1
	m := newTestManager(t, cfg)

	ctx := context.Background()
	require.NoError(t, m.AddFragment(ctx, dataFragment(1, 1, 1, nil), time.Second))
	require.Equal(t, 1, m.CheckPendingBuffers())
	ev := <-m.Events()
	ev.Release()

	cursor, err := m.WriteFragmentHeader(fragment.RawHeader{SequenceID: 1, FragmentID: 2, WordCount: fragment.HeaderWords, Type: fragment.TypeData}, true)
	require.NoError(t, err)
	assert.Equal(t, -1, cursor.BufferIndex, "late fragment must be diverted, not written into a live buffer")
	assert.Equal(t, 1, m.Stats().DroppedFragments)
}

// Test_DistinctFragmentCompleteness covers §4.1: equality with
// expected_fragments_per_event iff IsComplete.
func Test_DistinctFragmentCompleteness(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferCount = 2
	cfg.ExpectedFragmentsPerEvent = 2
	m := newTestManager(t, cfg)

	c1, err := m.WriteFragmentHeader(fragment.RawHeader{SequenceID: 1, FragmentID: 1, WordCount: fragment.HeaderWords, Type: fragment.TypeData}, false)
	require.NoError(t, err)
	m.DoneWritingFragment(*c1.Fragment)

	released := m.CheckPendingBuffers()
	assert.Equal(t, 0, released, "only 1 of 2 expected fragments arrived; not complete, not stale yet")

	c2, err := m.WriteFragmentHeader(fragment.RawHeader{SequenceID: 1, FragmentID: 2, WordCount: fragment.HeaderWords, Type: fragment.TypeData}, false)
	require.NoError(t, err)
	m.DoneWritingFragment(*c2.Fragment)

	released = m.CheckPendingBuffers()
	require.Equal(t, 1, released)
	ev := <-m.Events()
	assert.True(t, ev.Header.IsComplete)
	ev.Release()
}

// Test_WriteAtOversizeMarksHeaderError covers §7 OversizedFragment / §8's
// boundary case: an oversized body is dropped, and the buffer's fragment
// header is rewritten with Type=Error rather than left holding stale data.
func Test_WriteAtOversizeMarksHeaderError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferCount = 1
	cfg.BufferSize = 128
	m := newTestManager(t, cfg)

	cursor, err := m.WriteFragmentHeader(fragment.RawHeader{SequenceID: 1, FragmentID: 1, WordCount: fragment.HeaderWords, Type: fragment.TypeData}, false)
	require.NoError(t, err)

	oversized := make([]byte, 200)
	err = m.WriteAt(cursor, oversized)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOversizeFragment)

	buf := m.buffers[cursor.BufferIndex]
	gotHeader, err := fragment.DecodeHeader(buf.data[cursor.Offset:])
	require.NoError(t, err)
	assert.Equal(t, fragment.TypeError, gotHeader.Type)
	assert.Equal(t, uint64(1), gotHeader.SequenceID)
}

// Test_NoteOversizeFragmentFatalThreshold covers §7: oversize fragments
// beyond the configured maximum are fatal.
func Test_NoteOversizeFragmentFatalThreshold(t *testing.T) {
	cfg := DefaultConfig()
	m := newTestManager(t, cfg)
	m.cfg.MaximumOversizeFragmentCount = 2

	assert.False(t, m.NoteOversizeFragment())
	assert.False(t, m.NoteOversizeFragment())
	assert.True(t, m.NoteOversizeFragment())
	assert.Equal(t, 3, m.Stats().OversizeCount)
}

func Test_BroadcastRingFanOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferCount = 2
	cfg.BroadcastBufferCount = 2
	m := newTestManager(t, cfg)

	sub1 := m.Broadcast().Subscribe()
	sub2 := m.Broadcast().Subscribe()

	require.NoError(t, m.SetInitFragment(&fragment.Fragment{
		Header: fragment.RawHeader{Type: fragment.TypeInit, WordCount: fragment.HeaderWords},
	}))

	f1 := <-sub1
	f2 := <-sub2
	assert.Equal(t, fragment.TypeInit, f1.Header.Type)
	assert.Equal(t, fragment.TypeInit, f2.Header.Type)
}
