package drm

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/yanet-platform/daqfabric/internal/fragment"
	"github.com/yanet-platform/daqfabric/internal/metrics"
	"github.com/yanet-platform/daqfabric/internal/smem"
)

// Source is a source rank's fragment stream: a blocking byte reader with a
// deadline, satisfied directly by net.Conn.
type Source interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

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

// Option configures a Manager.
type Option func(*options)

// WithLog sets the logger for the Manager.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.Log = log }
}

// WithMetrics sets the metrics registry for the Manager.
func WithMetrics(m *metrics.Registry) Option {
	return func(o *options) { o.Metrics = m }
}

type rankState struct {
	lastSeenSeq      uint64
	receivedFromRank uint64
	expected         uint64
	haveExpected     bool
}

// Manager is one DRM instance: a pool of per-source receiver tasks feeding
// one SMEM.
type Manager struct {
	cfg     Config
	smem    *smem.Manager
	log     *zap.SugaredLogger
	metrics *metrics.Registry

	mu    sync.Mutex
	ranks map[int32]*rankState
}

// New constructs a Manager bound to mem. Run must later be given exactly one
// source per cfg.Sources rank.
func New(cfg Config, mem *smem.Manager, opts ...Option) *Manager {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	ranks := make(map[int32]*rankState, len(cfg.Sources))
	for _, r := range cfg.Sources {
		ranks[r] = &rankState{}
	}

	return &Manager{
		cfg:     cfg,
		smem:    mem,
		log:     o.Log.With("component", "drm", "rank", cfg.Rank),
		metrics: o.Metrics,
		ranks:   ranks,
	}
}

// Run spawns one receiver goroutine per source and blocks until every
// source rank has signaled DATA_END (closed its connection, or sent
// EndOfData/Shutdown) or ctx is canceled.
func (m *Manager) Run(ctx context.Context, sources map[int32]Source) error {
	for _, r := range m.cfg.Sources {
		if _, ok := sources[r]; !ok {
			return fmt.Errorf("drm: no source connection configured for rank %d", r)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, rank := range m.cfg.Sources {
		rank, src := rank, sources[rank]
		g.Go(func() error {
			return m.receiveLoop(ctx, rank, src)
		})
	}
	return g.Wait()
}

// receiveLoop is one source rank's receiver task: it alternates
// receive_fragment_header / receive_fragment_data until the source closes,
// sends EndOfData, or ctx is canceled.
func (m *Manager) receiveLoop(ctx context.Context, rank int32, src Source) error {
	log := m.log.With("source_rank", rank)

	for {
		if ctx.Err() != nil {
			return nil
		}

		h, ok, err := m.receiveFragmentHeader(src)
		if err != nil {
			if err == io.EOF {
				log.Infow("source closed connection, treating as data_end")
				return nil
			}
			return fmt.Errorf("drm: receive header from rank %d: %w", rank, err)
		}
		if !ok {
			continue // timeout, retry
		}

		bodyLen := int(h.MetadataWordCount)*8 + int(h.PayloadWords())*8
		body, err := m.receiveFragmentData(src, bodyLen)
		if err != nil {
			return fmt.Errorf("drm: receive body from rank %d (seq %d): %w", rank, h.SequenceID, err)
		}

		done, err := m.dispatch(ctx, rank, h, body)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// receiveFragmentHeader reads one fixed-size header, applying the
// configured receive timeout. ok is false on a timeout (caller should
// retry); err is io.EOF when the source has closed.
func (m *Manager) receiveFragmentHeader(src Source) (fragment.RawHeader, bool, error) {
	if err := src.SetReadDeadline(time.Now().Add(m.cfg.ReceiveTimeout())); err != nil {
		return fragment.RawHeader{}, false, err
	}

	buf := make([]byte, fragment.HeaderBytes)
	if _, err := io.ReadFull(src, buf); err != nil {
		if isTimeout(err) {
			return fragment.RawHeader{}, false, nil
		}
		return fragment.RawHeader{}, false, err
	}

	h, err := fragment.DecodeHeader(buf)
	if err != nil {
		return fragment.RawHeader{}, false, err
	}
	return h, true, nil
}

// receiveFragmentData reads n bytes of metadata+payload following a header
// already consumed by receiveFragmentHeader.
func (m *Manager) receiveFragmentData(src Source, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if err := src.SetReadDeadline(time.Now().Add(m.cfg.ReceiveTimeout())); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// dispatch routes one received fragment to SMEM or to the appropriate
// system-fragment handler. It returns true when the source's receive loop
// should stop (EndOfData/Shutdown), and a non-nil error when the oversize
// fragment count has exceeded the SMEM config's MaximumOversizeFragmentCount (§7
// OversizedFragment), which the caller treats as a fatal abort.
func (m *Manager) dispatch(ctx context.Context, rank int32, h fragment.RawHeader, body []byte) (bool, error) {
	m.metrics.Inc(metrics.FragmentsReceived, 1)

	if !h.Type.IsSystemType() {
		if err := m.writeData(ctx, rank, h, body); err != nil {
			return true, err
		}
		return false, nil
	}

	switch h.Type {
	case fragment.TypeInit:
		metaLen := int(h.MetadataWordCount) * 8
		f := &fragment.Fragment{Header: h, Metadata: body[:metaLen], Payload: body[metaLen:]}
		if err := m.smem.SetInitFragment(f); err != nil {
			m.log.Warnw("failed to broadcast init fragment", "error", err)
		}
		return false, nil

	case fragment.TypeEndOfSubrun:
		seq := h.SequenceID
		if seq == fragment.InvalidSequenceID {
			m.mu.Lock()
			seq = m.ranks[rank].lastSeenSeq
			m.mu.Unlock()
		}
		m.smem.RolloverSubrun(seq)
		return false, nil

	case fragment.TypeEndOfRun:
		m.log.Infow("end of run received", "source_rank", rank)
		return false, nil

	case fragment.TypeEndOfData:
		payload, err := fragment.DecodeEndOfDataPayload(body)
		if err != nil {
			m.log.Warnw("malformed end_of_data payload", "error", err)
			return true, nil
		}
		m.mu.Lock()
		st := m.ranks[rank]
		st.expected = payload.ExpectedFragments
		st.haveExpected = true
		if st.receivedFromRank != st.expected {
			m.log.Warnw("end_of_data fragment-count mismatch",
				"source_rank", rank, "expected", st.expected, "received", st.receivedFromRank)
		}
		m.mu.Unlock()
		return true, nil

	case fragment.TypeShutdown:
		m.log.Infow("shutdown received", "source_rank", rank)
		return true, nil

	default:
		return false, nil
	}
}

// writeData streams a data fragment's body into SMEM, blocking (reliable
// mode) or dropping after a bounded retry (non-reliable mode) when no slot
// is available. It returns a non-nil error only once the oversize fragment
// count has exceeded the SMEM config's MaximumOversizeFragmentCount (§7 OversizedFragment
// ⇒ fatal abort); a single oversized fragment below that threshold is
// dropped (its buffer header marked TypeError by smem) and reported through
// metrics only.
func (m *Manager) writeData(ctx context.Context, rank int32, h fragment.RawHeader, body []byte) error {
	dropIfFull := false
	attempts := 1
	if m.cfg.NonReliableMode {
		attempts = m.cfg.NonReliableModeRetryCount
		if attempts <= 0 {
			attempts = 1
		}
	}

	var cursor *smem.WriteCursor
	for attempt := 0; ; attempt++ {
		if m.cfg.NonReliableMode && attempt >= attempts {
			dropIfFull = true
		}

		c, err := m.smem.WriteFragmentHeader(h, dropIfFull)
		if err == nil {
			cursor = c
			break
		}
		if err != smem.ErrBusy {
			m.log.Warnw("failed to claim smem buffer", "error", err, "sequence_id", h.SequenceID)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.cfg.ReceiveTimeout()):
		}
	}

	if err := m.smem.WriteAt(cursor, body); err != nil {
		m.log.Warnw("oversized fragment body, dropping", "error", err, "sequence_id", h.SequenceID)
		m.metrics.Inc(metrics.OversizeFragments, 1)
		if fatal := m.smem.NoteOversizeFragment(); fatal {
			m.smem.DoneWritingFragment(h)
			return fmt.Errorf("drm: oversize fragment count exceeded maximum_oversize_fragment_count (source rank %d, sequence_id %d)", rank, h.SequenceID)
		}
	}
	m.smem.DoneWritingFragment(h)

	m.mu.Lock()
	st := m.ranks[rank]
	st.lastSeenSeq = h.SequenceID
	st.receivedFromRank++
	m.mu.Unlock()
	return nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
