package request

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/daqfabric/internal/metrics"
	"github.com/yanet-platform/daqfabric/internal/transport"
)

// datagramSource abstracts a multicast socket read, decoupled from the
// concrete *net.UDPAddr type transport.MulticastConn returns.
type datagramSource interface {
	ReadFrom() ([]byte, error)
	SetReadDeadline(t time.Time) error
}

type udpDatagramSource struct {
	conn *transport.MulticastConn
}

func (s udpDatagramSource) ReadFrom() ([]byte, error) {
	buf, _, err := s.conn.ReadFrom()
	return buf, err
}

func (s udpDatagramSource) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// NewDatagramSource wraps a joined multicast connection for use by Receiver.
func NewDatagramSource(conn *transport.MulticastConn) datagramSource {
	return udpDatagramSource{conn: conn}
}

// Receiver ingests request datagrams, maintaining the sequence_id->timestamp
// map and the highest-seen-request watermark described in spec §4.4.
type Receiver struct {
	cfg     Config
	log     *zap.SugaredLogger
	metrics *metrics.Registry

	mu            sync.Mutex
	timestamps    map[uint64]uint64
	highestSeen   uint64
	haveHighest   bool
	endOfRunArmed bool

	// nextSeq/haveNextSeq/outOfOrder implement the out_of_order_window_list
	// reconciliation described in spec §4.4: requests are handed to the
	// caller in sequence_id order where possible; a request that arrives
	// ahead of the one still expected is held here until either the
	// expected one shows up or missing_request_window_timeout_us elapses.
	nextSeq     uint64
	haveNextSeq bool
	outOfOrder  map[uint64]time.Time
}

// NewReceiver constructs a Receiver.
func NewReceiver(cfg Config, log *zap.SugaredLogger, m *metrics.Registry) *Receiver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Receiver{
		cfg:        cfg,
		log:        log.With("component", "request-receiver", "rank", cfg.Rank),
		metrics:    m,
		timestamps: make(map[uint64]uint64),
		outOfOrder: make(map[uint64]time.Time),
	}
}

// HighestSeen returns the highest sequence id observed so far.
func (r *Receiver) HighestSeen() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.highestSeen, r.haveHighest
}

// Timestamp returns the retained timestamp for a sequence id, if known.
func (r *Receiver) Timestamp(seq uint64) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.timestamps[seq]
	return ts, ok
}

// ingest applies one decoded batch: per-packet dedup (oldest timestamp
// wins), highest-seen-request advancement, and EndOfRun quiet-timer arming.
func (r *Receiver) ingest(h transport.RequestHeader, packets []transport.RequestPacket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range packets {
		if r.haveHighest && p.SequenceID < r.highestSeen {
			continue // boundary case: stale request, silently ignored
		}

		if existing, ok := r.timestamps[p.SequenceID]; ok {
			if existing != p.Timestamp {
				r.log.Warnw("duplicate request with conflicting timestamp",
					"sequence_id", p.SequenceID, "kept", existing, "rejected", p.Timestamp)
				if r.metrics != nil {
					r.metrics.Inc(metrics.DuplicateRequests, 1)
				}
			}
			continue
		}
		r.timestamps[p.SequenceID] = p.Timestamp
		r.reconcileArrivalLocked(p.SequenceID)

		if !r.haveHighest || p.SequenceID > r.highestSeen {
			r.highestSeen = p.SequenceID
			r.haveHighest = true
		}
	}

	if h.Mode == transport.RequestModeEndOfRun {
		r.endOfRunArmed = true
	}
}

// reconcileArrivalLocked records a newly-seen sequence id against the
// in-order processing cursor: the first request ever seen becomes the
// cursor, and anything arriving ahead of the cursor is parked in
// out_of_order_window_list until ReadyNext can release it. Caller must
// hold r.mu.
func (r *Receiver) reconcileArrivalLocked(seq uint64) {
	if !r.haveNextSeq {
		r.nextSeq = seq
		r.haveNextSeq = true
		return
	}
	if seq <= r.nextSeq {
		return
	}
	if _, queued := r.outOfOrder[seq]; !queued {
		r.outOfOrder[seq] = time.Now()
	}
}

// ReadyNext returns the next request sequence id ready for in-order
// processing. It is ready either because it arrived in turn, or because it
// was queued in out_of_order_window_list and missing_request_window_timeout_us
// has elapsed without the still-expected predecessor showing up — in that
// case forceMissing is true and the caller must tag its response
// missing_data=true, since the requests ahead of it are abandoned for good.
// ok is false when nothing is ready yet.
func (r *Receiver) ReadyNext() (seq uint64, forceMissing bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.haveNextSeq {
		return 0, false, false
	}

	if _, arrived := r.timestamps[r.nextSeq]; arrived {
		delete(r.outOfOrder, r.nextSeq)
		seq = r.nextSeq
		r.nextSeq++
		return seq, false, true
	}

	if len(r.outOfOrder) == 0 {
		return 0, false, false
	}

	oldestSeq, oldestArrived, first := uint64(0), time.Time{}, true
	for s, arrivedAt := range r.outOfOrder {
		if first || arrivedAt.Before(oldestArrived) {
			oldestSeq, oldestArrived, first = s, arrivedAt, false
		}
	}
	if time.Since(oldestArrived) < r.cfg.MissingRequestWindowTimeout() {
		return 0, false, false
	}

	delete(r.outOfOrder, oldestSeq)
	r.nextSeq = oldestSeq + 1
	if r.metrics != nil {
		r.metrics.Inc(metrics.OutOfOrderRequestsReleased, 1)
	}
	return oldestSeq, true, true
}

// Run reads datagrams from src until an EndOfRun-armed quiet period elapses
// or ctx is canceled.
func (r *Receiver) Run(ctx context.Context, src datagramSource) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		r.mu.Lock()
		armed := r.endOfRunArmed
		r.mu.Unlock()

		deadline := 24 * time.Hour
		if armed {
			deadline = r.cfg.EndOfRunQuietTimeout()
		}
		if err := src.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return err
		}

		buf, err := src.ReadFrom()
		if err != nil {
			if isTimeout(err) {
				if armed {
					return nil
				}
				continue
			}
			return err
		}

		h, err := transport.DecodeRequestHeader(buf)
		if err != nil {
			r.log.Warnw("dropping malformed request header", "error", err)
			if r.metrics != nil {
				r.metrics.Inc(metrics.ProtocolViolations, 1)
			}
			continue
		}

		packetBuf := buf[len(buf)-int(h.PacketCount)*transport.RequestPacketSize:]
		packets := make([]transport.RequestPacket, 0, h.PacketCount)
		for i := 0; i < int(h.PacketCount); i++ {
			off := i * transport.RequestPacketSize
			p, err := transport.DecodeRequestPacket(packetBuf[off : off+transport.RequestPacketSize])
			if err != nil {
				r.log.Warnw("dropping malformed request packet", "error", err)
				if r.metrics != nil {
					r.metrics.Inc(metrics.ProtocolViolations, 1)
				}
				continue
			}
			packets = append(packets, p)
		}

		r.ingest(h, packets)
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
