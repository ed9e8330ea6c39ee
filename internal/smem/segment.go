package smem

import "fmt"

// Segment is a named block of memory shared by a writer process (the
// builder) and any number of reader processes (consumers). The manager
// operates purely in terms of byte offsets into a Segment, so tests can run
// against a plain heap-backed segment while production processes could
// attach to a real System V or POSIX shared-memory region through the same
// interface. No such backend ships here; only the in-process heap segment
// below is implemented.
type Segment interface {
	// Bytes returns the full backing slice. Callers must not retain it past
	// Close.
	Bytes() []byte
	// Close detaches (and, for the creator, removes) the segment.
	Close() error
}

// heapSegment is an in-process Segment, used by tests and by any component
// that does not need true cross-process sharing (e.g. a single-process
// demo wiring reader, builder and consumer as goroutines).
type heapSegment struct {
	data []byte
}

// NewHeapSegment allocates a heapSegment of the given size.
func NewHeapSegment(size int) (Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("smem: invalid segment size %d", size)
	}
	return &heapSegment{data: make([]byte, size)}, nil
}

func (s *heapSegment) Bytes() []byte { return s.data }
func (s *heapSegment) Close() error  { return nil }
