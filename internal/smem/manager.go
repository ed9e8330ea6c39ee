// Package smem implements the shared-memory event manager: the
// lock-light multi-producer/multi-consumer ring of fixed-size event
// buffers described in spec §4.1, plus its parallel broadcast ring for
// control fragments.
package smem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/daqfabric/internal/fragment"
)

// ErrBusy is returned by WriteFragmentHeader in reliable mode when no
// Empty buffer is available.
var ErrBusy = errors.New("smem: no empty buffer available")

// ErrTimeout is returned by AddFragment when the bounded retry expires.
var ErrTimeout = errors.New("smem: timed out waiting for a buffer")

const eventHeaderBytes = 4 + 4 + 8 + 8 + 1 // RunID, SubrunID, SequenceID, EventID, IsComplete

// ReleasedEvent is a completed (or forcibly reaped) event handed to a
// consumer. The consumer must call Release once it is done reading Data,
// which performs the Reading->Empty transition.
type ReleasedEvent struct {
	Header           EventHeader
	Data             []byte
	MissingFragments int

	mgr    *Manager
	bufIdx int
}

// Release returns the backing buffer to the Empty state.
func (e *ReleasedEvent) Release() {
	e.mgr.releaseConsumed(e.bufIdx)
}

// Manager is the shared-memory event manager for one builder instance.
type Manager struct {
	cfg Config
	log *zap.SugaredLogger

	// mu is the single global sequence-id mutex: it serializes buffer
	// allocation and guards the Active/free-list set membership (§4.1
	// Concurrency).
	mu      sync.Mutex
	buffers []*buffer
	free    []int              // indices of Empty buffers
	active  map[uint64]*buffer // sequence_id -> buffer, for every buffer not Empty

	lastReleasedSeq uint64
	haveReleased    bool

	incompleteMissing map[uint64]int // released-incomplete seq -> missing fragment count
	incompleteCount   int
	droppedFragments  int
	oversizeCount     int

	runID     uint32
	subrunID  uint32
	nextEvtID uint64
	rollover  *uint64 // pending rollover_subrun boundary, if any

	initFragment *fragment.Fragment

	events    chan *ReleasedEvent
	broadcast *broadcastRing

	dropScratch []byte

	// artSupportsDuplicateEvents governs whether a late fragment for an
	// already-released sequence id may re-open the event (Design Note
	// open question; default false, see DESIGN.md).
	artSupportsDuplicateEvents bool
}

// NewManager constructs a Manager backed by segment, with buffer geometry
// taken from cfg.
func NewManager(cfg Config, segment Segment, log *zap.SugaredLogger) (*Manager, error) {
	if cfg.BufferCount <= 0 {
		return nil, fmt.Errorf("smem: buffer_count must be positive")
	}

	data := segment.Bytes()
	need := cfg.BufferCount * int(cfg.BufferSize)
	if len(data) < need {
		return nil, fmt.Errorf("smem: segment too small: have %d bytes, need %d", len(data), need)
	}

	m := &Manager{
		cfg:               cfg,
		log:               log,
		buffers:           make([]*buffer, cfg.BufferCount),
		free:              make([]int, 0, cfg.BufferCount),
		active:            make(map[uint64]*buffer),
		incompleteMissing: make(map[uint64]int),
		events:            make(chan *ReleasedEvent, cfg.BufferCount),
		dropScratch:       make([]byte, int(cfg.BufferSize)),
	}
	for i := 0; i < cfg.BufferCount; i++ {
		b := newBuffer(i, int(cfg.BufferSize))
		m.buffers[i] = b
		m.free = append(m.free, i)
	}

	broadcast, err := newBroadcastRing(cfg.BroadcastBufferCount, int(cfg.BroadcastBufferSize), log)
	if err != nil {
		return nil, fmt.Errorf("smem: failed to initialize broadcast ring: %w", err)
	}
	m.broadcast = broadcast

	return m, nil
}

// Events returns the channel of events released to consumers, in
// non-decreasing sequence_id order (Invariant §8: "∀ consecutive releases
// E1, E2 to the same consumer: E1.sequence_id < E2.sequence_id").
func (m *Manager) Events() <-chan *ReleasedEvent {
	return m.events
}

// Broadcast returns the control-fragment broadcast ring.
func (m *Manager) Broadcast() *broadcastRing {
	return m.broadcast
}

// WriteFragmentHeader claims (or reuses) the buffer bound to
// header.SequenceID and returns a cursor to write the fragment body at.
func (m *Manager) WriteFragmentHeader(h fragment.RawHeader, dropIfFull bool) (*WriteCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	if buf, ok := m.active[h.SequenceID]; ok {
		buf.mu.Lock()
		cursor := buf.cursor
		buf.cursor += fragment.HeaderBytes + int(h.MetadataWordCount)*8 + int(h.PayloadWords())*8
		buf.pendingWrites++
		buf.touch(now)
		buf.mu.Unlock()

		return &WriteCursor{BufferIndex: buf.idx, Offset: cursor, Fragment: &h}, nil
	}

	// Late arrival for an already-released sequence id: diverted to the
	// drop area unconditionally — duplicates never mutate a released
	// buffer (§4.1 Invariant 5) — unless explicitly configured to re-open
	// (Open Question, §9 — left false here, see DESIGN.md).
	if m.haveReleased && h.SequenceID <= m.lastReleasedSeq && !m.artSupportsDuplicateEvents {
		return m.divertAlways(h), nil
	}

	if len(m.free) == 0 {
		if m.cfg.OverwriteMode {
			if idx, ok := m.recycleLocked(); ok {
				return m.claimLocked(idx, h, now), nil
			}
		}
		if dropIfFull {
			return m.divertAlways(h), nil
		}
		return nil, ErrBusy
	}

	idx := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	return m.claimLocked(idx, h, now), nil
}

// claimLocked transitions buffer idx from Empty to Writing and initializes
// its EventHeader. Caller must hold m.mu.
func (m *Manager) claimLocked(idx int, h fragment.RawHeader, now time.Time) *WriteCursor {
	buf := m.buffers[idx]
	buf.mu.Lock()
	buf.resetForReuse()
	buf.state = StateWriting
	buf.touch(now)

	runID, subrunID := m.runID, m.subrunID
	if m.rollover != nil && h.SequenceID >= *m.rollover {
		m.subrunID++
		subrunID = m.subrunID
		m.rollover = nil
	}

	buf.header = EventHeader{
		RunID:      runID,
		SubrunID:   subrunID,
		SequenceID: h.SequenceID,
		EventID:    m.nextEvtID,
		IsComplete: false,
	}
	m.nextEvtID++
	buf.cursor = eventHeaderBytes + fragment.HeaderBytes + int(h.MetadataWordCount)*8 + int(h.PayloadWords())*8
	if buf.cursor > len(buf.data) {
		buf.cursor = len(buf.data) // oversize body: WriteAt rejects it, keep released Data in bounds
	}
	buf.pendingWrites = 1
	buf.mu.Unlock()

	m.active[h.SequenceID] = buf

	return &WriteCursor{BufferIndex: idx, Offset: eventHeaderBytes, Fragment: &h}
}

// recycleLocked picks an eligible buffer to reclaim under overwrite mode:
// a buffer currently Full (released-but-not-yet-consumed is not possible
// in this implementation since release hands directly to a channel, so
// the eligible set is buffers the consumer is still Reading). Caller must
// hold m.mu.
func (m *Manager) recycleLocked() (int, bool) {
	var best *buffer
	for _, b := range m.buffers {
		if b.state == StateReading {
			if best == nil || b.header.SequenceID < best.header.SequenceID {
				best = b
			}
		}
	}
	if best == nil {
		return 0, false
	}

	delete(m.active, best.header.SequenceID)
	return best.idx, true
}

// divertAlways returns a scratch cursor for a dropped fragment and
// increments the drop counter. Caller must hold m.mu.
func (m *Manager) divertAlways(h fragment.RawHeader) *WriteCursor {
	m.droppedFragments++
	return &WriteCursor{BufferIndex: -1, Offset: 0, Fragment: &h}
}

// DoneWritingFragment decrements the pending-write counter for the
// fragment's event and recomputes completeness when it reaches zero.
func (m *Manager) DoneWritingFragment(h fragment.RawHeader) {
	m.mu.Lock()
	buf, ok := m.active[h.SequenceID]
	m.mu.Unlock()
	if !ok {
		return // dropped/diverted fragment, nothing to finalize
	}

	buf.mu.Lock()
	buf.pendingWrites--
	if !buf.fragmentIDs.Has(uint32(h.FragmentID)) {
		buf.fragmentIDs.Insert(uint32(h.FragmentID))
		buf.distinctCount++
	}
	if buf.pendingWrites == 0 && buf.distinctCount == m.cfg.ExpectedFragmentsPerEvent {
		buf.header.IsComplete = true
		buf.pendingRelease = true
	}
	buf.touch(time.Now())
	buf.mu.Unlock()
}

// ErrOversizeFragment is returned by WriteAt when a fragment's body does not
// fit in the buffer at its claimed offset (§7 OversizedFragment). The
// fragment's header word in the buffer is rewritten with Type=TypeError
// before the body is dropped (§8: "Oversized fragment: dropped; header
// remains, type=Error").
var ErrOversizeFragment = errors.New("smem: fragment body overflows buffer")

// WriteAt copies body into the buffer addressed by cursor, starting at the
// fragment's data offset (i.e. immediately after the wire header). It is the
// zero-copy streaming counterpart to AddFragment, used by receivers that read
// a fragment body directly off the wire into shared memory. A BufferIndex of
// -1 (a diverted/dropped fragment) is a no-op.
func (m *Manager) WriteAt(cursor *WriteCursor, body []byte) error {
	if cursor.BufferIndex < 0 {
		return nil
	}

	buf := m.buffers[cursor.BufferIndex]
	buf.mu.Lock()
	defer buf.mu.Unlock()

	start := cursor.Offset + fragment.HeaderBytes
	if start+len(body) > len(buf.data) {
		errHeader := *cursor.Fragment
		errHeader.Type = fragment.TypeError
		copy(buf.data[cursor.Offset:], errHeader.Encode())
		return fmt.Errorf("smem: fragment body overflows buffer: offset %d, len %d, capacity %d: %w", start, len(body), len(buf.data), ErrOversizeFragment)
	}
	copy(buf.data[start:], body)
	return nil
}

// AddFragment is a convenience combining claim + copy + release with a
// bounded retry against ErrBusy.
func (m *Manager) AddFragment(ctx context.Context, f *fragment.Fragment, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		cursor, err := m.WriteFragmentHeader(f.Header, false)
		if err == nil {
			buf := m.buffers[cursor.BufferIndex]
			buf.mu.Lock()
			body := f.Bytes()[fragment.HeaderBytes:]
			copy(buf.data[cursor.Offset+fragment.HeaderBytes:], body)
			buf.mu.Unlock()
			m.DoneWritingFragment(f.Header)
			return nil
		}
		if !errors.Is(err, ErrBusy) {
			return err
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// CheckPendingBuffers scans the Active set in ascending sequence_id order
// and releases the contiguous leading prefix that is ready (Pending) or
// has been stale-reaped, to consumers.
func (m *Manager) CheckPendingBuffers() int {
	m.mu.Lock()
	now := time.Now()
	staleAfter := time.Duration(m.cfg.StaleTimeoutMs) * time.Millisecond

	seqs := make([]uint64, 0, len(m.active))
	for seq := range m.active {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var toRelease []*ReleasedEvent
	for _, seq := range seqs {
		buf := m.active[seq]
		buf.mu.Lock()

		ready := buf.pendingRelease
		if !ready && now.Sub(buf.lastActivity) > staleAfter {
			missing := m.cfg.ExpectedFragmentsPerEvent - buf.distinctCount
			buf.header.IsComplete = false
			buf.pendingRelease = true
			ready = true
			m.incompleteCount++
			m.incompleteMissing[seq] = missing
		}

		if !ready {
			buf.mu.Unlock()
			break // preserves Invariant §4.1-3: stop at the first non-ready buffer
		}

		ev := &ReleasedEvent{
			Header:           buf.header,
			Data:             append([]byte(nil), buf.data[:buf.cursor]...),
			MissingFragments: m.cfg.ExpectedFragmentsPerEvent - buf.distinctCount,
			mgr:              m,
			bufIdx:           buf.idx,
		}
		buf.state = StateReading
		buf.mu.Unlock()

		delete(m.active, seq)
		m.lastReleasedSeq = seq
		m.haveReleased = true

		toRelease = append(toRelease, ev)
	}
	m.mu.Unlock()

	for _, ev := range toRelease {
		m.events <- ev
	}

	return len(toRelease)
}

// releaseConsumed performs the Reading->Empty transition once a consumer
// is done with a buffer.
func (m *Manager) releaseConsumed(idx int) {
	buf := m.buffers[idx]
	buf.mu.Lock()
	buf.state = StateEmpty
	buf.mu.Unlock()

	m.mu.Lock()
	m.free = append(m.free, idx)
	m.mu.Unlock()
}

// SetInitFragment stores a copy of the init fragment and broadcasts it.
func (m *Manager) SetInitFragment(f *fragment.Fragment) error {
	m.mu.Lock()
	cp := *f
	cp.Metadata = append([]byte(nil), f.Metadata...)
	cp.Payload = append([]byte(nil), f.Payload...)
	m.initFragment = &cp
	m.mu.Unlock()

	return m.broadcast.Write(&cp, time.Duration(m.cfg.BroadcastTimeoutMs)*time.Millisecond)
}

// StartRun begins a new run.
func (m *Manager) StartRun(runID uint32) {
	m.mu.Lock()
	m.runID = runID
	m.mu.Unlock()
}

// EndRun marks the end of the current run.
func (m *Manager) EndRun() {
	// Run teardown proper happens via EndOfData; EndRun only clears the
	// run id bookkeeping so a subsequent StartRun starts clean.
	m.mu.Lock()
	m.runID = 0
	m.subrunID = 0
	m.mu.Unlock()
}

// StartSubrun begins a new subrun under the current run.
func (m *Manager) StartSubrun(subrunID uint32) {
	m.mu.Lock()
	m.subrunID = subrunID
	m.mu.Unlock()
}

// EndSubrun ends the current subrun.
func (m *Manager) EndSubrun() {}

// RolloverSubrun arranges for the subrun id to increment at (or
// immediately before) the next buffer whose sequence_id >= boundarySeq.
func (m *Manager) RolloverSubrun(boundarySeq uint64) {
	m.mu.Lock()
	m.rollover = &boundarySeq
	m.mu.Unlock()
}

// Stats reports SMEM bookkeeping counters, useful for the metrics registry.
type Stats struct {
	DroppedFragments int
	OversizeCount    int
	IncompleteCount  int
	FreeBuffers      int
	ActiveBuffers    int
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		DroppedFragments: m.droppedFragments,
		OversizeCount:    m.oversizeCount,
		IncompleteCount:  m.incompleteCount,
		FreeBuffers:      len(m.free),
		ActiveBuffers:    len(m.active),
	}
}

// MissingForSequence reports how many fragments were missing when the
// given (released-incomplete) sequence id was reaped, if any.
func (m *Manager) MissingForSequence(seq uint64) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.incompleteMissing[seq]
	return n, ok
}

// NoteOversizeFragment records an oversized fragment drop and reports
// whether the configured fatal threshold has been exceeded.
func (m *Manager) NoteOversizeFragment() (fatal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oversizeCount++
	return m.oversizeCount > m.cfg.MaximumOversizeFragmentCount
}

// EndOfData drains pending work, waits for consumers to catch up, and
// broadcasts an EndOfData control fragment.
func (m *Manager) EndOfData(ctx context.Context) error {
	m.CheckPendingBuffers()

	deadline := time.Duration(m.cfg.ExpectedArtEventProcessingTimeUs) * time.Duration(m.cfg.BufferCount) * time.Microsecond
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

drain:
	for {
		m.mu.Lock()
		drained := len(m.active) == 0 && len(m.free) == len(m.buffers)
		m.mu.Unlock()
		if drained {
			break
		}
		select {
		case <-waitCtx.Done():
			m.log.Warnw("end_of_data: timed out waiting for consumers to drain")
			break drain
		case <-time.After(time.Millisecond):
		}
	}

	eod := &fragment.Fragment{
		Header: fragment.RawHeader{
			WordCount:  fragment.HeaderWords + 1,
			SequenceID: fragment.InvalidSequenceID,
			Type:       fragment.TypeEndOfData,
		},
	}
	return m.broadcast.Write(eod, time.Duration(m.cfg.BroadcastTimeoutMs)*time.Millisecond)
}
