package smem

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/daqfabric/internal/fragment"
)

// ErrBroadcastTimeout is returned by broadcastRing.Write when no Empty
// buffer became available before broadcast_timeout_ms elapsed; the caller
// is expected to clear and retry per §4.1.
var ErrBroadcastTimeout = fmt.Errorf("smem: broadcast write timed out")

// broadcastRing is the secondary shared-memory ring carrying control
// fragments (Init, EndOfRun, EndOfSubrun, EndOfData, Shutdown). Unlike the
// data ring, every consumer observes every broadcast fragment: a
// broadcast is modeled as a fan-out to one channel per currently
// registered subscriber rather than a single-owner buffer handoff.
type broadcastRing struct {
	mu          sync.Mutex
	subscribers []chan *fragment.Fragment
	size        int
	log         *zap.SugaredLogger
}

func newBroadcastRing(bufferCount int, bufferSize int, log *zap.SugaredLogger) (*broadcastRing, error) {
	if bufferCount <= 0 {
		return nil, fmt.Errorf("smem: broadcast_buffer_count must be positive")
	}
	return &broadcastRing{size: bufferCount, log: log}, nil
}

// Subscribe registers a new consumer and returns the channel it should
// read broadcast fragments from. The channel is buffered to the ring's
// configured depth, matching the Empty-buffer budget of a real ring.
func (r *broadcastRing) Subscribe() <-chan *fragment.Fragment {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan *fragment.Fragment, r.size)
	r.subscribers = append(r.subscribers, ch)
	return ch
}

// Write fans a control fragment out to every subscriber, waiting up to
// timeout for room in each subscriber's channel.
func (r *broadcastRing) Write(f *fragment.Fragment, timeout time.Duration) error {
	r.mu.Lock()
	subs := append([]chan *fragment.Fragment(nil), r.subscribers...)
	r.mu.Unlock()

	deadline := time.Now().Add(timeout)

	for _, ch := range subs {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		select {
		case ch <- f:
			timer.Stop()
		case <-timer.C:
			r.log.Warnw("broadcast write timed out", zap.String("type", f.Header.Type.String()))
			return ErrBroadcastTimeout
		}
	}
	return nil
}
