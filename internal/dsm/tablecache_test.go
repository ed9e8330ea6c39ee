package dsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yanet-platform/daqfabric/internal/metrics"
	"github.com/yanet-platform/daqfabric/internal/transport"
)

func newTestCache() *tableCache {
	return newTableCache(1, zap.NewNop().Sugar(), metrics.New())
}

func Test_TableCacheLookupConsumesEntry(t *testing.T) {
	c := newTestCache()
	c.merge([]transport.RoutingPacketEntry{{SequenceID: 1, DestinationRank: 7}})

	rank, ok := c.lookup(1)
	require.True(t, ok)
	assert.EqualValues(t, 7, rank)

	_, ok = c.lookup(1)
	assert.False(t, ok, "lookup erases the entry once consumed")
}

func Test_TableCacheNeverOverwrites(t *testing.T) {
	c := newTestCache()
	c.merge([]transport.RoutingPacketEntry{{SequenceID: 5, DestinationRank: 2}})
	c.merge([]transport.RoutingPacketEntry{{SequenceID: 5, DestinationRank: 9}})

	rank, ok := c.lookup(5)
	require.True(t, ok)
	assert.EqualValues(t, 2, rank, "original assignment is retained on contradiction")
}

type fakeAckSender struct {
	sent [][]byte
}

func (f *fakeAckSender) Send(b []byte) error {
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}
func (f *fakeAckSender) Close() error { return nil }

// Test_ProcessEntriesMergesAndAcks covers the common path run() drives once
// a header and its entries are both in hand, regardless of which arrived
// first.
func Test_ProcessEntriesMergesAndAcks(t *testing.T) {
	c := newTestCache()
	sender := &fakeAckSender{}

	entries := []transport.RoutingPacketEntry{{SequenceID: 4, DestinationRank: 2}}
	header := transport.RoutingPacketHeader{Magic: transport.RoutingTableMagic, NEntries: uint64(len(entries))}

	c.processEntries(sender, header, transport.EncodeRoutingEntries(entries))

	rank, ok := c.lookup(4)
	require.True(t, ok)
	assert.EqualValues(t, 2, rank)
	require.Len(t, sender.sent, 1, "processEntries acks what it merged")
}

func Test_AckRangeCoversSortedBounds(t *testing.T) {
	c := newTestCache()
	sender := &fakeAckSender{}

	c.ackRange(sender, []transport.RoutingPacketEntry{
		{SequenceID: 3, DestinationRank: 1},
		{SequenceID: 1, DestinationRank: 1},
		{SequenceID: 2, DestinationRank: 1},
	})

	require.Len(t, sender.sent, 1)
	ack, err := transport.DecodeRoutingAckPacket(sender.sent[0])
	require.NoError(t, err)
	assert.EqualValues(t, 1, ack.FirstSequenceID)
	assert.EqualValues(t, 3, ack.LastSequenceID)
	assert.EqualValues(t, 1, ack.Rank)
}
