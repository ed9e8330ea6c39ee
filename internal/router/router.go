// Package router implements the RTR component of spec §4.3: token
// ingestion over TCP, adaptive routing-table construction via a pluggable
// policy, multicast dissemination, and ack collection with retry.
package router

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/daqfabric/internal/metrics"
	"github.com/yanet-platform/daqfabric/internal/router/policy"
	"github.com/yanet-platform/daqfabric/internal/transport"
)

type options struct {
	Log     *zap.SugaredLogger
	Metrics *metrics.Registry
}

func newOptions() *options {
	return &options{
		Log:     zap.NewNop().Sugar(),
		Metrics: metrics.New(),
	}
}

// Option configures a Router.
type Option func(*options)

// WithLog sets the logger for the Router.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.Log = log }
}

// WithMetrics sets the metrics registry for the Router.
func WithMetrics(m *metrics.Registry) Option {
	return func(o *options) { o.Metrics = m }
}

// Router collects builder tokens, runs a Policy, and disseminates the
// resulting routing table.
type Router struct {
	cfg     Config
	policy  policy.Policy
	log     *zap.SugaredLogger
	metrics *metrics.Registry

	mu           sync.Mutex
	tokens       map[int32]int
	sendCountAcc map[int32]int // RouteBySendCount: tokens accumulated per rank awaiting len(Senders)
	nextSeq      uint64

	ackCh chan transport.RoutingAckPacket
}

// New constructs a Router from its configuration.
func New(cfg Config, opts ...Option) (*Router, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	p, err := buildPolicy(cfg.Policy, cfg.Receivers)
	if err != nil {
		return nil, err
	}

	return &Router{
		cfg:          cfg,
		policy:       p,
		log:          o.Log.With("component", "router"),
		metrics:      o.Metrics,
		tokens:       make(map[int32]int),
		sendCountAcc: make(map[int32]int),
		nextSeq:      1,
		ackCh:        make(chan transport.RoutingAckPacket, 64),
	}, nil
}

// Run starts the token listener, ack listener, and table loop, blocking
// until ctx is canceled or a fatal error occurs.
func (r *Router) Run(ctx context.Context) error {
	ports, err := r.cfg.Ports.Namespaced(r.cfg.Partition)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	tokenListener, err := transport.ListenTCP(fmt.Sprintf(":%d", ports.TokenTCP))
	if err != nil {
		return fmt.Errorf("router: listen token port: %w", err)
	}
	defer tokenListener.Close()

	ackConn, err := transport.ListenUDP(fmt.Sprintf(":%d", ports.AckUDP))
	if err != nil {
		return fmt.Errorf("router: listen ack port: %w", err)
	}
	defer ackConn.Close()

	table, err := transport.JoinMulticast(r.cfg.MulticastGroup, ports.TableUDP, r.cfg.Interface)
	if err != nil {
		return fmt.Errorf("router: join table multicast: %w", err)
	}
	defer table.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.acceptTokens(ctx, tokenListener) })
	g.Go(func() error { return r.receiveAcks(ctx, ackConn) })
	g.Go(func() error { return r.tableLoop(ctx, table) })

	return g.Wait()
}

// acceptTokens runs the token-ingestion listener: one connection per
// builder, each carrying a stream of RoutingToken messages.
func (r *Router) acceptTokens(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("router: accept token connection: %w", err)
		}
		go r.handleTokenConn(conn)
	}
}

func (r *Router) handleTokenConn(conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, 12)
	for {
		if _, err := readFull(conn, buf); err != nil {
			return
		}
		tok, err := transport.DecodeRoutingToken(buf)
		if err != nil {
			r.log.Warnw("dropping malformed routing token", "error", err)
			r.metrics.Inc(metrics.ProtocolViolations, 1)
			continue
		}
		r.recordToken(tok)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (r *Router) recordToken(tok transport.RoutingToken) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.cfg.Mode {
	case transport.RouteBySendCount:
		r.sendCountAcc[tok.Rank] += int(tok.NewSlotsFree)
		senders := len(r.cfg.Senders)
		if senders == 0 {
			senders = 1
		}
		ready := r.sendCountAcc[tok.Rank] / senders
		if ready > 0 {
			r.tokens[tok.Rank] += ready
			r.sendCountAcc[tok.Rank] -= ready * senders
		}
	default:
		r.tokens[tok.Rank] += int(tok.NewSlotsFree)
	}
	r.metrics.Inc(metrics.TokensSent, int64(tok.NewSlotsFree))
}

func (r *Router) receiveAcks(ctx context.Context, conn *net.UDPConn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 20)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("router: read ack: %w", err)
		}
		ack, err := transport.DecodeRoutingAckPacket(buf[:n])
		if err != nil {
			r.log.Warnw("dropping malformed ack", "error", err)
			r.metrics.Inc(metrics.ProtocolViolations, 1)
			continue
		}
		r.metrics.Inc(metrics.RoutingAcksReceived, 1)
		select {
		case r.ackCh <- ack:
		case <-ctx.Done():
			return nil
		}
	}
}

// tableLoop is the adaptive table-building loop of spec §4.3.
func (r *Router) tableLoop(ctx context.Context, table *transport.MulticastConn) error {
	interval := r.cfg.MaxTableUpdateInterval()
	if interval <= 0 {
		interval = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}

		snapshot, total := r.snapshotTokens()
		if total == 0 {
			continue
		}

		assignments, unused := r.policy.Apply(toPolicyTokens(snapshot), r.nextSeq)
		if len(assignments) == 0 {
			r.returnUnused(unused)
			continue
		}

		r.nextSeq = assignments[len(assignments)-1].SequenceID + 1
		r.returnUnused(unused)

		if err := r.broadcastTable(ctx, table, assignments); err != nil {
			r.log.Warnw("table broadcast failed", "error", err)
		}

		used := len(assignments)
		r.metrics.Inc(metrics.TokensConsumed, int64(used))
		interval = nextInterval(interval, used, total, r.cfg.MaxTableUpdateInterval())
	}
}

func (r *Router) snapshotTokens() (map[int32]int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[int32]int, len(r.tokens))
	total := 0
	for rank, count := range r.tokens {
		if count <= 0 {
			continue
		}
		snapshot[rank] = count
		total += count
	}
	r.tokens = make(map[int32]int)
	return snapshot, total
}

func (r *Router) returnUnused(unused policy.Tokens) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rank, count := range unused.Counts {
		r.tokens[rank] += count
	}
}

func toPolicyTokens(counts map[int32]int) policy.Tokens {
	order := make([]int32, 0, len(counts))
	for rank, count := range counts {
		for i := 0; i < count; i++ {
			order = append(order, rank)
		}
	}
	return policy.NewTokens(order)
}

func (r *Router) broadcastTable(ctx context.Context, table *transport.MulticastConn, assignments []policy.Assignment) error {
	entries := make([]transport.RoutingPacketEntry, len(assignments))
	for i, a := range assignments {
		entries[i] = transport.RoutingPacketEntry{SequenceID: a.SequenceID, DestinationRank: a.DestinationRank}
	}

	header := transport.RoutingPacketHeader{
		Magic:    transport.RoutingTableMagic,
		Mode:     r.cfg.Mode,
		NEntries: uint64(len(entries)),
	}
	headerBytes := header.Encode()
	entryBytes := transport.EncodeRoutingEntries(entries)

	send := func() error {
		if err := table.WriteTo(headerBytes); err != nil {
			return fmt.Errorf("router: send table header: %w", err)
		}
		if err := table.WriteTo(entryBytes); err != nil {
			return fmt.Errorf("router: send table entries: %w", err)
		}
		return nil
	}

	if err := send(); err != nil {
		return err
	}
	r.metrics.Inc(metrics.RoutingTablesEmitted, 1)

	return r.awaitAcks(ctx, entries[0].SequenceID, entries[len(entries)-1].SequenceID, send)
}

// awaitAcks waits for every configured sender's ack covering [first,last],
// retransmitting the table every MaxTableUpdateInterval/MaxAckCycleCount
// until all acks arrive or MaxAckCycleCount retries elapse, per spec §4.3.
// The retransmit period is derived from the configured maximum interval,
// not from the current adaptive table interval.
func (r *Router) awaitAcks(ctx context.Context, first, last uint64, retransmit func() error) error {
	pending := make(map[int32]struct{}, len(r.cfg.Senders))
	for _, rank := range r.cfg.Senders {
		pending[rank] = struct{}{}
	}
	if len(pending) == 0 {
		return nil
	}

	cycles := r.cfg.MaxAckCycleCount
	if cycles <= 0 {
		cycles = 1
	}
	perCycle := r.cfg.MaxTableUpdateInterval() / time.Duration(cycles)
	if perCycle <= 0 {
		perCycle = 10 * time.Millisecond
	}

	ticker := time.NewTicker(perCycle)
	defer ticker.Stop()

	for attempt := 0; len(pending) > 0 && attempt < cycles; {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			attempt++
			if len(pending) > 0 {
				if err := retransmit(); err != nil {
					r.log.Warnw("routing table retransmit failed", "error", err)
				}
			}
		case ack := <-r.ackCh:
			if ack.FirstSequenceID == first && ack.LastSequenceID == last {
				delete(pending, ack.Rank)
			}
		}
	}

	if len(pending) > 0 {
		missing := make([]int32, 0, len(pending))
		for rank := range pending {
			missing = append(missing, rank)
		}
		r.log.Warnw("gave up waiting for routing acks", "missing_ranks", missing)
	}
	return nil
}
