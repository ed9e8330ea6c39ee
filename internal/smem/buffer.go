package smem

import (
	"sync"
	"time"

	"github.com/yanet-platform/daqfabric/internal/bitset"
	"github.com/yanet-platform/daqfabric/internal/fragment"
)

// State is a buffer's place in the SMEM buffer state machine (§4.1).
//
//	Empty -> Writing -> Full -> Reading -> Empty
//
// OverwriteMode additionally permits Full->Writing and Reading->Writing.
type State int

const (
	StateEmpty State = iota
	StateWriting
	StateFull
	StateReading
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StateWriting:
		return "Writing"
	case StateFull:
		return "Full"
	case StateReading:
		return "Reading"
	default:
		return "Unknown"
	}
}

// EventHeader precedes the concatenated fragments of an event inside a
// buffer.
type EventHeader struct {
	RunID      uint32
	SubrunID   uint32
	SequenceID uint64
	EventID    uint64
	IsComplete bool
}

// buffer is one fixed-size slot of the data ring.
type buffer struct {
	mu sync.Mutex

	idx   int
	state State
	data  []byte // backing storage, sized to Config.BufferSize

	header EventHeader
	cursor int // write cursor, bytes already used (header + fragments)

	pendingWrites  int
	fragmentIDs    bitset.TinyBitset
	distinctCount  int
	pendingRelease bool // set once pendingWrites hits zero and the event is complete, or once stale-reaped

	lastActivity time.Time
}

// WriteCursor is a handle returned by WriteFragmentHeader: Offset is where
// the fragment's wire header sits in the buffer; the caller streams the
// fragment's metadata/payload bytes right after it (Manager.WriteAt writes
// them at Offset+fragment.HeaderBytes), then calls
// Manager.DoneWritingFragment.
type WriteCursor struct {
	BufferIndex int
	Offset      int
	Fragment    *fragment.RawHeader
}

func newBuffer(idx int, size int) *buffer {
	return &buffer{
		idx:   idx,
		state: StateEmpty,
		data:  make([]byte, size),
	}
}

// touch resets the stale-timeout clock; called on every operation on the
// buffer, per §4.1.
func (b *buffer) touch(now time.Time) {
	b.lastActivity = now
}

// resetForReuse clears per-event bookkeeping when a buffer transitions back
// to Empty (or is recycled under overwrite mode).
func (b *buffer) resetForReuse() {
	b.header = EventHeader{}
	b.cursor = 0
	b.pendingWrites = 0
	b.fragmentIDs = bitset.TinyBitset{}
	b.distinctCount = 0
	b.pendingRelease = false
}
