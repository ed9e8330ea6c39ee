package request

import "sync"

// BufferedFragment is one retained data fragment, keyed for windowing by its
// timestamp rather than its sequence id (§4.4: "matching is by timestamp").
type BufferedFragment struct {
	Timestamp  uint64
	SequenceID uint64
	Payload    []byte
}

// FragmentBuffer is the generator's retained-fragment window: an
// append-only, timestamp-ordered ring that Single/Buffer/Window modes
// consult to answer a request.
type FragmentBuffer struct {
	mu       sync.Mutex
	items    []BufferedFragment
	depth    int
	circular bool
	version  int
}

// NewFragmentBuffer constructs a buffer. depth<=0 means unbounded; circular
// only applies when depth is positive.
func NewFragmentBuffer(depth int, circular bool) *FragmentBuffer {
	return &FragmentBuffer{depth: depth, circular: circular}
}

// Append adds a fragment, dropping the oldest once depth is exceeded in
// circular mode.
func (b *FragmentBuffer) Append(f BufferedFragment) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, f)
	if b.circular && b.depth > 0 && len(b.items) > b.depth {
		drop := len(b.items) - b.depth
		b.items = append([]BufferedFragment(nil), b.items[drop:]...)
	}
	b.version++
}

// Snapshot returns a copy of the currently retained fragments, oldest first.
func (b *FragmentBuffer) Snapshot() []BufferedFragment {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BufferedFragment(nil), b.items...)
}

// Bounds reports the half-open timestamp range [start, end) currently
// covered by the buffer. ok is false when the buffer is empty.
func (b *FragmentBuffer) Bounds() (start, end uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return 0, 0, false
	}
	return b.items[0].Timestamp, b.items[len(b.items)-1].Timestamp + 1, true
}

// Version returns a monotonically increasing counter bumped on every
// Append, used by Window mode to detect "the buffer grew" without polling
// its full contents.
func (b *FragmentBuffer) Version() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}
