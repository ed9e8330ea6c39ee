package dsm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/daqfabric/internal/fragment"
	"github.com/yanet-platform/daqfabric/internal/transport"
)

type fakeEndpoint struct {
	mu       sync.Mutex
	received [][]byte
	failN    int // number of leading Send calls to fail
}

func (e *fakeEndpoint) Send(b []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failN > 0 {
		e.failN--
		return errors.New("transient failure")
	}
	e.received = append(e.received, append([]byte(nil), b...))
	return nil
}

func (e *fakeEndpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.received)
}

func dataFragment(seq uint64, fid uint16) *fragment.Fragment {
	payload := []byte("x")
	h := fragment.RawHeader{
		WordCount:  fragment.HeaderWords + 1,
		SequenceID: seq,
		FragmentID: fid,
		Timestamp:  seq,
		Type:       fragment.TypeData,
	}
	return &fragment.Fragment{Header: h, Payload: payload}
}

func Test_SendBroadcastModeFansOutToAllEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = Broadcast
	cfg.Destinations = []int32{1, 2, 3}

	eps := map[int32]Endpoint{
		1: &fakeEndpoint{}, 2: &fakeEndpoint{}, 3: &fakeEndpoint{},
	}
	m := New(cfg, eps)

	require.NoError(t, m.Send(context.Background(), dataFragment(1, 1)))
	for rank, ep := range eps {
		assert.Equal(t, 1, ep.(*fakeEndpoint).count(), "rank %d should have received the broadcast", rank)
	}
}

func Test_SendSystemFragmentAlwaysBroadcasts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = Routed // not broadcast, but EndOfRun is a system type
	cfg.Destinations = []int32{1, 2}

	eps := map[int32]Endpoint{1: &fakeEndpoint{}, 2: &fakeEndpoint{}}
	m := New(cfg, eps)

	h := fragment.RawHeader{WordCount: fragment.HeaderWords + 1, SequenceID: 1, Type: fragment.TypeEndOfRun}
	f := &fragment.Fragment{Header: h, Payload: []byte{0}}

	require.NoError(t, m.Send(context.Background(), f))
	assert.Equal(t, 1, eps[1].(*fakeEndpoint).count())
	assert.Equal(t, 1, eps[2].(*fakeEndpoint).count())
}

func Test_SendRoutedModeUsesTableCache(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = Routed
	cfg.Destinations = []int32{1, 2}
	cfg.RoutingRetryCount = 1
	cfg.RoutingTimeoutMs = 1

	eps := map[int32]Endpoint{1: &fakeEndpoint{}, 2: &fakeEndpoint{}}
	m := New(cfg, eps)
	m.cache.merge([]transport.RoutingPacketEntry{{SequenceID: 1, DestinationRank: 2}})

	require.NoError(t, m.Send(context.Background(), dataFragment(1, 1)))
	assert.Equal(t, 0, eps[1].(*fakeEndpoint).count())
	assert.Equal(t, 1, eps[2].(*fakeEndpoint).count())
}

func Test_SendRoutedModeTimesOutWithoutEntry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = Routed
	cfg.Destinations = []int32{1}
	cfg.RoutingRetryCount = 1
	cfg.RoutingTimeoutMs = 1

	eps := map[int32]Endpoint{1: &fakeEndpoint{}}
	m := New(cfg, eps)

	err := m.Send(context.Background(), dataFragment(99, 1))
	assert.ErrorIs(t, err, ErrRoutingTimeout)
}

func Test_SendRoundRobinModeByModN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = RoundRobinBySequence
	cfg.Destinations = []int32{10, 20}

	eps := map[int32]Endpoint{10: &fakeEndpoint{}, 20: &fakeEndpoint{}}
	m := New(cfg, eps)

	require.NoError(t, m.Send(context.Background(), dataFragment(0, 1)))
	require.NoError(t, m.Send(context.Background(), dataFragment(1, 1)))
	assert.Equal(t, 1, eps[10].(*fakeEndpoint).count())
	assert.Equal(t, 1, eps[20].(*fakeEndpoint).count())
}

func Test_MinBlockingSendRetriesThenSucceeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = Broadcast
	cfg.SendMode = MinBlocking
	cfg.SendRetryCount = 3
	cfg.SendTimeoutUs = 50000
	cfg.Destinations = []int32{1}

	ep := &fakeEndpoint{failN: 2}
	m := New(cfg, map[int32]Endpoint{1: ep})

	require.NoError(t, m.Send(context.Background(), dataFragment(1, 1)))
	assert.Equal(t, 1, ep.count())
}

func Test_ShutdownSendsEndOfDataWithCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = Broadcast
	cfg.Destinations = []int32{1}

	ep := &fakeEndpoint{}
	m := New(cfg, map[int32]Endpoint{1: ep})

	require.NoError(t, m.Send(context.Background(), dataFragment(1, 1)))
	require.NoError(t, m.Shutdown(context.Background()))

	require.Len(t, ep.received, 2)
	h, err := fragment.DecodeHeader(ep.received[1])
	require.NoError(t, err)
	assert.Equal(t, fragment.TypeEndOfData, h.Type)

	p, err := fragment.DecodeEndOfDataPayload(ep.received[1][fragment.HeaderBytes:])
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.ExpectedFragments)
}
