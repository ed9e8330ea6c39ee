package request

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/daqfabric/internal/transport"
)

// multicastWriter is the subset of *transport.MulticastConn the sender
// needs, so tests can substitute an in-memory fake.
type multicastWriter interface {
	WriteTo(b []byte) error
}

// Sender coalesces added (sequence_id, timestamp) requests and emits them as
// a batch after RequestDelay, per spec §4.4.
type Sender struct {
	cfg  Config
	log  *zap.SugaredLogger
	conn multicastWriter

	mu      sync.Mutex
	pending []transport.RequestPacket
	mode    transport.RequestMode
	flush   chan struct{}
}

// NewSender constructs a Sender that writes batches to conn.
func NewSender(cfg Config, conn multicastWriter, log *zap.SugaredLogger) *Sender {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Sender{
		cfg:   cfg,
		log:   log.With("component", "request-sender", "rank", cfg.Rank),
		conn:  conn,
		flush: make(chan struct{}, 1),
	}
}

// Add queues a request for the next coalesced batch.
func (s *Sender) Add(seq, ts uint64) {
	s.mu.Lock()
	s.pending = append(s.pending, transport.RequestPacket{SequenceID: seq, Timestamp: ts})
	s.mu.Unlock()
}

// SetEndOfRun marks every subsequent (and this) batch as EndOfRun and forces
// an immediate flush.
func (s *Sender) SetEndOfRun() {
	s.mu.Lock()
	s.mode = transport.RequestModeEndOfRun
	s.mu.Unlock()

	select {
	case s.flush <- struct{}{}:
	default:
	}
}

// Run coalesces Add calls into batches emitted every RequestDelay, until ctx
// is canceled. A pending SetEndOfRun forces an out-of-cadence flush.
func (s *Sender) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RequestDelay())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.flushBatch()
		case <-s.flush:
			s.flushBatch()
		}
	}
}

func (s *Sender) flushBatch() {
	s.mu.Lock()
	packets := s.pending
	s.pending = nil
	mode := s.mode
	s.mu.Unlock()

	if len(packets) == 0 {
		return
	}

	header := transport.RequestHeader{
		PacketCount: uint32(len(packets)),
		Rank:        s.cfg.Rank,
		Mode:        mode,
	}

	buf := append(header.Encode(), transport.EncodeRequestPackets(packets)...)
	if err := s.conn.WriteTo(buf); err != nil {
		s.log.Warnw("failed to send request batch", "error", err, "count", len(packets))
	}
}
