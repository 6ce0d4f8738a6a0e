package redis

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatusWriter is the write side of StatusRepository.
type StatusWriter interface {
	SetRelayStatus(ctx context.Context, st RelayStatus) error
	SetRelayMetrics(ctx context.Context, metrics any) error
	SetSensorStatus(ctx context.Context, status any) error
}

// Mirror copies relay and sensor state into Redis off the caller's goroutine.
// Writes are coalesced per key: only the newest pending value of each key is
// written, so a slow or absent server never stalls the relay. Recording on a
// nil *Mirror is a no-op.
type Mirror struct {
	log     *zap.Logger
	w       StatusWriter
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]func(context.Context) error
	order   []string
	wake    chan struct{}
}

func NewMirror(log *zap.Logger, w StatusWriter) *Mirror {
	return &Mirror{
		log:     log.Named("mirror"),
		w:       w,
		timeout: 2 * time.Second,
		pending: make(map[string]func(context.Context) error),
		wake:    make(chan struct{}, 1),
	}
}

func (m *Mirror) enqueue(key string, write func(context.Context) error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if _, ok := m.pending[key]; !ok {
		m.order = append(m.order, key)
	}
	m.pending[key] = write
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// RelayLive records an active session.
func (m *Mirror) RelayLive(sessionID, remote string) {
	st := RelayStatus{Liveness: LivenessLive, Metadata: remote, SessionID: sessionID, Timestamp: time.Now().UnixMilli()}
	m.enqueue(RelayStatusKey, func(ctx context.Context) error { return m.w.SetRelayStatus(ctx, st) })
}

// RelayDead records that no session is active and why the last one ended.
func (m *Mirror) RelayDead(sessionID, reason string) {
	st := RelayStatus{Liveness: LivenessDead, Metadata: reason, SessionID: sessionID, Timestamp: time.Now().UnixMilli()}
	m.enqueue(RelayStatusKey, func(ctx context.Context) error { return m.w.SetRelayStatus(ctx, st) })
}

// RelayMetrics records the latest worker metrics.
func (m *Mirror) RelayMetrics(v any) {
	m.enqueue(RelayMetricsKey, func(ctx context.Context) error { return m.w.SetRelayMetrics(ctx, v) })
}

// SensorStatus records the latest probe status.
func (m *Mirror) SensorStatus(v any) {
	m.enqueue(SensorStatusKey, func(ctx context.Context) error { return m.w.SetSensorStatus(ctx, v) })
}

// Run performs pending writes until ctx is done, then flushes what is left.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.flush(context.Background())
			return nil
		case <-m.wake:
			m.flush(ctx)
		}
	}
}

// Flush performs pending writes now. It catches updates enqueued after Run
// has returned.
func (m *Mirror) Flush(ctx context.Context) {
	if m == nil {
		return
	}
	m.flush(ctx)
}

func (m *Mirror) flush(parent context.Context) {
	m.mu.Lock()
	order, pending := m.order, m.pending
	m.order = nil
	m.pending = make(map[string]func(context.Context) error)
	m.mu.Unlock()

	for _, key := range order {
		ctx, cancel := context.WithTimeout(parent, m.timeout)
		if err := pending[key](ctx); err != nil {
			m.log.Warn("mirror write failed", zap.String("key", key), zap.Error(err))
		}
		cancel()
	}
}
