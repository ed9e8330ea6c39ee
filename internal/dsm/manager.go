// Package dsm implements the Data Sender Manager of spec §4.2: destination
// selection driven by a cached routing table, reliable and min-blocking
// send modes, and the EndOfData shutdown handshake.
package dsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/yanet-platform/daqfabric/internal/fragment"
	"github.com/yanet-platform/daqfabric/internal/metrics"
)

// ErrRoutingTimeout is returned when no table entry arrives for a pending
// sequence id within RoutingTimeoutMs * RoutingRetryCount.
var ErrRoutingTimeout = errors.New("dsm: routing timeout")

// ErrSendFailed is returned by min-blocking sends that exhaust their retry
// budget.
var ErrSendFailed = errors.New("dsm: send failed")

// Endpoint is a destination's transport connection, owned by the caller
// (typically resolved once via hostmap and kept open for the process
// lifetime).
type Endpoint interface {
	Send(b []byte) error
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

// Manager is one DSM instance: a map of destination endpoints plus the
// enabled-destination set and routing-table cache backing compute_destination.
type Manager struct {
	cfg     Config
	log     *zap.SugaredLogger
	metrics *metrics.Registry

	mu           sync.RWMutex
	endpoints    map[int32]Endpoint
	enabled      map[int32]bool
	fragmentsOut uint64

	cache *tableCache
}

// New constructs a Manager. endpoints must cover every configured
// destination.
func New(cfg Config, endpoints map[int32]Endpoint, opts ...Option) *Manager {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	enabled := make(map[int32]bool, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		enabled[d] = true
	}

	return &Manager{
		cfg:       cfg,
		log:       o.Log.With("component", "dsm", "rank", cfg.Rank),
		metrics:   o.Metrics,
		endpoints: endpoints,
		enabled:   enabled,
		cache:     newTableCache(cfg.Rank, o.Log, o.Metrics),
	}
}

// RunTableCache runs the background routing-table cache until ctx is
// canceled, reconnecting the ack sender with exponential backoff if the
// multicast join or ack dial fails.
func (m *Manager) RunTableCache(ctx context.Context) error {
	bo := backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
	}
	bo.Reset()

	for {
		err := m.cache.run(ctx, m.cfg.MulticastGroup, m.cfg.TableUDPPort, m.cfg.Interface, m.cfg.AckUDPAddr)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			m.log.Warnw("table cache stopped, retrying", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// EnabledDestinations returns the currently enabled destination ranks, in
// the order of cfg.Destinations.
func (m *Manager) EnabledDestinations() []int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int32, 0, len(m.enabled))
	for _, rank := range m.cfg.Destinations {
		if m.enabled[rank] {
			out = append(out, rank)
		}
	}
	return out
}

// computeDestination resolves the target rank(s) for a fragment, per spec
// §4.2. System fragments and broadcast mode fan out to every enabled
// destination; routed mode consults the table cache with bounded retry;
// the fallback is plain round robin by sequence id.
func (m *Manager) computeDestination(ctx context.Context, h fragment.RawHeader) ([]int32, error) {
	if m.cfg.Mode == Broadcast || h.Type.IsSystemType() {
		return m.EnabledDestinations(), nil
	}

	switch m.cfg.Mode {
	case Routed:
		rank, err := m.awaitRoute(ctx, h.SequenceID)
		if err != nil {
			return nil, err
		}
		return []int32{rank}, nil
	default:
		dests := m.EnabledDestinations()
		if len(dests) == 0 {
			return nil, fmt.Errorf("dsm: no enabled destinations")
		}
		return []int32{dests[int(h.SequenceID)%len(dests)]}, nil
	}
}

func (m *Manager) awaitRoute(ctx context.Context, seq uint64) (int32, error) {
	retries := m.cfg.RoutingRetryCount
	if retries <= 0 {
		retries = 1
	}
	timeout := m.cfg.RoutingTimeout()
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}

	for attempt := 0; attempt < retries; attempt++ {
		if rank, ok := m.cache.lookup(seq); ok {
			return rank, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(timeout):
		}
	}

	if rank, ok := m.cache.lookup(seq); ok {
		return rank, nil
	}
	return 0, fmt.Errorf("%w: sequence %d", ErrRoutingTimeout, seq)
}

// Send transports one fragment, resolving its destination(s) and honoring
// the configured SendMode.
func (m *Manager) Send(ctx context.Context, f *fragment.Fragment) error {
	dests, err := m.computeDestination(ctx, f.Header)
	if err != nil {
		return err
	}

	payload := f.Bytes()
	reliable := m.cfg.SendMode == Reliable || f.Header.Type.IsSystemType()

	for _, dest := range dests {
		ep, ok := m.endpointFor(dest)
		if !ok {
			continue
		}
		if err := m.sendTo(ctx, ep, payload, reliable); err != nil {
			return fmt.Errorf("dsm: send to rank %d: %w", dest, err)
		}
	}

	m.mu.Lock()
	m.fragmentsOut++
	m.mu.Unlock()
	m.metrics.Inc(metrics.FragmentsSent, 1)

	return nil
}

func (m *Manager) endpointFor(rank int32) (Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[rank]
	return ep, ok
}

func (m *Manager) sendTo(ctx context.Context, ep Endpoint, payload []byte, reliable bool) error {
	if reliable {
		for {
			if err := ep.Send(payload); err == nil {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	retries := m.cfg.SendRetryCount
	if retries <= 0 {
		retries = 1
	}
	timeout := m.cfg.SendTimeout()

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		errCh := make(chan error, 1)
		go func() { errCh <- ep.Send(payload) }()

		select {
		case lastErr = <-errCh:
			cancel()
			if lastErr == nil {
				return nil
			}
		case <-sendCtx.Done():
			cancel()
			lastErr = sendCtx.Err()
		}
	}
	if lastErr == nil {
		lastErr = ErrSendFailed
	}
	return fmt.Errorf("%w: %v", ErrSendFailed, lastErr)
}

// Shutdown sends an EndOfData fragment carrying the total fragment count
// sent to every enabled destination, per spec §4.2.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	total := m.fragmentsOut
	m.mu.RUnlock()

	payload := fragment.EndOfDataPayload{ExpectedFragments: total}.Encode()
	h := fragment.RawHeader{
		WordCount:  fragment.HeaderWords + 1, // header + one payload word
		SequenceID: fragment.InvalidSequenceID,
		FragmentID: uint16(m.cfg.Rank),
		Timestamp:  fragment.InvalidTimestamp,
		Type:       fragment.TypeEndOfData,
	}

	f := &fragment.Fragment{
		Header:  h,
		Payload: payload,
	}

	return m.Send(ctx, f)
}
