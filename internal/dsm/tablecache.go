package dsm

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/yanet-platform/daqfabric/internal/metrics"
	"github.com/yanet-platform/daqfabric/internal/transport"
)

// ackSender abstracts the unicast UDP connection used to ack tables back
// to the router, so tests can substitute an in-memory fake.
type ackSender interface {
	Send([]byte) error
	Close() error
}

type udpAckSender struct {
	conn *net.UDPConn
}

func (s udpAckSender) Send(b []byte) error {
	_, err := s.conn.Write(b)
	return err
}

func (s udpAckSender) Close() error { return s.conn.Close() }

// tableCache is the DSM's locally cached routing table: a multicast
// listener merges incoming entries (never overwriting a prior assignment,
// per spec §4.2) and acknowledges each accepted range back to the router.
// Entries are erased once consumed by lookup.
type tableCache struct {
	rank    int32
	log     *zap.SugaredLogger
	metrics *metrics.Registry

	mu      sync.Mutex
	entries map[uint64]int32
}

func newTableCache(rank int32, log *zap.SugaredLogger, m *metrics.Registry) *tableCache {
	return &tableCache{
		rank:    rank,
		log:     log,
		metrics: m,
		entries: make(map[uint64]int32),
	}
}

// lookup consumes and returns the destination rank for a sequence id, if
// known.
func (c *tableCache) lookup(seq uint64) (int32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rank, ok := c.entries[seq]
	if ok {
		delete(c.entries, seq)
	}
	return rank, ok
}

// merge ingests a decoded table's entries, never overwriting an existing
// assignment for a sequence id; contradictions are logged, not applied.
func (c *tableCache) merge(entries []transport.RoutingPacketEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range entries {
		if existing, ok := c.entries[e.SequenceID]; ok {
			if existing != e.DestinationRank {
				c.log.Warnw("routing table contradiction",
					"sequence_id", e.SequenceID,
					"kept", existing,
					"rejected", e.DestinationRank,
				)
				if c.metrics != nil {
					c.metrics.Inc(metrics.RoutingInconsistencies, 1)
				}
			}
			continue
		}
		c.entries[e.SequenceID] = e.DestinationRank
	}
}

// run joins the table multicast group, merges every valid table it
// receives, and acks each one to ackAddr. It blocks until ctx is canceled.
func (c *tableCache) run(ctx context.Context, group string, port int, iface, ackAddr string) error {
	mc, err := transport.JoinMulticast(group, port, iface)
	if err != nil {
		return fmt.Errorf("dsm: join table multicast: %w", err)
	}
	defer mc.Close()

	conn, err := transport.DialUDP(ackAddr)
	if err != nil {
		return fmt.Errorf("dsm: dial ack sender: %w", err)
	}
	sender := udpAckSender{conn: conn}
	defer sender.Close()

	go func() {
		<-ctx.Done()
		mc.Close()
	}()

	var pendingHeader *transport.RoutingPacketHeader
	var pendingEntriesBuf []byte

	for {
		buf, _, err := mc.ReadFrom()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dsm: read table datagram: %w", err)
		}

		// Header and entries arrive as two successive sends; receivers
		// must tolerate either ordering (§6), so classify by decodability.
		if header, herr := transport.DecodeRoutingPacketHeader(buf); herr == nil {
			pendingHeader = &header
			if pendingEntriesBuf != nil {
				c.processEntries(sender, *pendingHeader, pendingEntriesBuf)
				pendingHeader, pendingEntriesBuf = nil, nil
			}
			continue
		}

		if pendingHeader == nil {
			// Entries arrived before their header; hold them rather than
			// dropping, since the router's own retransmit cadence may not
			// resend for a while. The most recent out-of-order entries
			// datagram wins if more than one shows up unpaired.
			pendingEntriesBuf = append([]byte(nil), buf...)
			continue
		}

		c.processEntries(sender, *pendingHeader, buf)
		pendingHeader = nil
	}
}

// processEntries decodes one entries datagram against its (now known)
// header, merges it into the cache, and acks it back to the router.
func (c *tableCache) processEntries(sender ackSender, header transport.RoutingPacketHeader, buf []byte) {
	entries, err := transport.DecodeRoutingEntries(buf, header.NEntries)
	if err != nil {
		c.log.Warnw("dropping malformed routing entries", "error", err)
		return
	}

	c.merge(entries)
	c.ackRange(sender, entries)
}

func (c *tableCache) ackRange(sender ackSender, entries []transport.RoutingPacketEntry) {
	if len(entries) == 0 {
		return
	}
	sorted := append([]transport.RoutingPacketEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SequenceID < sorted[j].SequenceID })

	ack := transport.RoutingAckPacket{
		Rank:            c.rank,
		FirstSequenceID: sorted[0].SequenceID,
		LastSequenceID:  sorted[len(sorted)-1].SequenceID,
	}
	if err := sender.Send(ack.Encode()); err != nil {
		c.log.Warnw("failed to send routing ack", "error", err)
	}
}
