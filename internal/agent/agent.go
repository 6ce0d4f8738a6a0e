// Package agent implements the client side of a telemetry push channel: it
// keeps one logical channel connected with a fixed reconnect delay,
// normalizes incoming messages and keeps a bounded history of them.
//
// Every state transition happens on a single event loop goroutine. Dialing
// and reading run in helper goroutines that only post events; events carry a
// generation number so results from a superseded channel are ignored.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/edirooss/mptcp-relay/internal/telemetry"
	"github.com/edirooss/mptcp-relay/pkg/ringbuf"
	"go.uber.org/zap"
)

// State of the channel connection.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateStopped    State = "stopped" // terminal, after Close
)

const (
	DefaultReconnectDelay = 3000 * time.Millisecond
	DefaultBufferSize     = 100
)

// ErrStopped is returned by Start after Close.
var ErrStopped = errors.New("agent stopped")

// Options configure an Agent.
type Options struct {
	URL            string
	Stream         string // telemetry.StreamSensor, telemetry.StreamStreaming, or "" to detect per message
	ReconnectDelay time.Duration
	BufferSize     int
	Dialer         Dialer
	Log            *zap.Logger

	// OnState is called after every transition, from the agent's goroutines.
	OnState func(State)
	// Resync is called, in its own goroutine, every time the channel opens.
	Resync func()
}

type eventKind int

const (
	evConnect eventKind = iota
	evDialed
	evMessage
	evLost
)

type event struct {
	kind eventKind
	gen  uint64
	ch   Channel
	data []byte
	err  error
}

// Agent owns exactly one logical push channel.
type Agent struct {
	opts Options
	log  *zap.Logger

	events   chan event
	quit     chan struct{}
	loopDone chan struct{}

	mu         sync.Mutex
	state      State
	stopped    bool
	started    bool
	gen        uint64
	ch         Channel
	dialed     Channel // dial result posted to the loop, not yet adopted
	timer      *time.Timer
	dialCancel context.CancelFunc
	lastErr    error
	attempts   int
	malformed  int

	packets *ringbuf.Buffer[telemetry.Packet]
	metrics *ringbuf.Buffer[telemetry.Metric]
	summary *telemetry.Summary
}

// New returns an idle agent; call Start to connect.
func New(opts Options) *Agent {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	a := &Agent{
		opts:     opts,
		log:      opts.Log.Named("agent").With(zap.String("url", opts.URL)),
		events:   make(chan event, 64),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		state:    StateClosed,
		packets:  ringbuf.New[telemetry.Packet](opts.BufferSize),
		metrics:  ringbuf.New[telemetry.Metric](opts.BufferSize),
	}
	go a.loop()
	return a
}

// Start makes the first connection attempt. Calling it again is a no-op.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return ErrStopped
	}
	if a.started {
		return nil
	}
	a.started = true
	gen := a.gen
	go a.post(event{kind: evConnect, gen: gen})
	return nil
}

// post delivers ev to the loop. It reports false once the agent is closed.
func (a *Agent) post(ev event) bool {
	select {
	case <-a.quit:
		return false
	default:
	}
	select {
	case a.events <- ev:
		return true
	case <-a.quit:
		return false
	}
}

func (a *Agent) loop() {
	defer close(a.loopDone)
	for {
		select {
		case <-a.quit:
			return
		case ev := <-a.events:
			a.handle(ev)
		}
	}
}

func (a *Agent) handle(ev event) {
	a.mu.Lock()
	if a.stopped || ev.gen != a.gen {
		a.mu.Unlock()
		if ev.kind == evDialed && ev.ch != nil {
			_ = ev.ch.Close()
		}
		return
	}

	var (
		notify bool
		resync bool
	)

	switch ev.kind {
	case evConnect:
		a.timer = nil
		a.attempts++
		a.state = StateConnecting
		notify = true
		ctx, cancel := context.WithCancel(context.Background())
		a.dialCancel = cancel
		go a.dial(ctx, ev.gen)
		a.log.Debug("connecting", zap.Int("attempt", a.attempts))

	case evDialed:
		a.dialed = nil
		if a.dialCancel != nil {
			a.dialCancel()
			a.dialCancel = nil
		}
		if ev.err != nil {
			a.lastErr = ev.err
			a.log.Debug("connect failed", zap.Error(ev.err))
			a.closeLocked()
			notify = true
			break
		}
		a.ch = ev.ch
		a.lastErr = nil
		a.state = StateOpen
		notify, resync = true, true
		go a.read(ev.gen, ev.ch)
		a.log.Info("channel open", zap.Int("attempt", a.attempts))

	case evMessage:
		a.consumeLocked(ev.data)

	case evLost:
		ch := a.ch
		a.ch = nil
		if ch != nil {
			_ = ch.Close()
		}
		a.lastErr = ev.err
		a.log.Info("channel lost", zap.Error(ev.err))
		a.closeLocked()
		notify = true
	}

	state := a.state
	a.mu.Unlock()

	if notify && a.opts.OnState != nil {
		a.opts.OnState(state)
	}
	if resync && a.opts.Resync != nil {
		go a.opts.Resync()
	}
}

// closeLocked moves to closed and arms the single reconnect timer. Bumping the
// generation invalidates any event still in flight from the old channel.
func (a *Agent) closeLocked() {
	a.state = StateClosed
	a.gen++
	a.scheduleReconnectLocked()
}

func (a *Agent) scheduleReconnectLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	gen := a.gen
	a.timer = time.AfterFunc(a.opts.ReconnectDelay, func() {
		a.post(event{kind: evConnect, gen: gen})
	})
}

func (a *Agent) dial(ctx context.Context, gen uint64) {
	ch, err := a.opts.Dialer.Dial(ctx, a.opts.URL)
	if err == nil && ch == nil {
		err = errors.New("dialer returned no channel")
	}

	a.mu.Lock()
	if a.stopped || gen != a.gen {
		a.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		return
	}
	a.dialed = ch
	a.mu.Unlock()

	a.post(event{kind: evDialed, gen: gen, ch: ch, err: err})
}

func (a *Agent) read(gen uint64, ch Channel) {
	for {
		data, err := ch.ReadMessage()
		if err != nil {
			a.post(event{kind: evLost, gen: gen, err: err})
			return
		}
		if !a.post(event{kind: evMessage, gen: gen, data: data}) {
			return
		}
	}
}

// consumeLocked normalizes one message into the buffers. Malformed messages
// are logged and dropped; the channel stays open.
func (a *Agent) consumeLocked(data []byte) {
	stream, skip := a.classify(data)
	if skip {
		return
	}

	switch stream {
	case telemetry.StreamSensor:
		b, err := telemetry.DecodePackets(data)
		if err != nil {
			a.dropLocked(err)
			return
		}
		a.packets.AppendBatch(b.Packets...)
		if b.Summary != nil {
			s := *b.Summary
			a.summary = &s
		}
	default:
		m, err := telemetry.DecodeMetric(data)
		if err != nil {
			a.dropLocked(err)
			return
		}
		a.metrics.Append(m)
	}
}

func (a *Agent) dropLocked(err error) {
	a.malformed++
	a.log.Warn("dropping malformed message", zap.Error(err))
}

// classify picks the decoder for data and filters control messages such as
// {"type":"pong"}.
func (a *Agent) classify(data []byte) (stream string, skip bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(trimmed, &probe) == nil && (probe.Type == "pong" || probe.Type == "ping") {
			return "", true
		}
	}

	if a.opts.Stream != "" {
		return a.opts.Stream, false
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return telemetry.StreamSensor, false
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(trimmed, &fields) == nil {
		_, hasPackets := fields["packets"]
		_, hasSeq := fields["sequenceNumber"]
		if hasPackets || hasSeq {
			return telemetry.StreamSensor, false
		}
	}
	return telemetry.StreamStreaming, false
}

// Close tears the agent down synchronously: the pending timer and channel
// handles are cleared before the underlying close calls, so nothing scheduled
// earlier can reopen the channel. No transitions happen afterwards.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.gen++
	timer := a.timer
	a.timer = nil
	ch := a.ch
	a.ch = nil
	dialed := a.dialed
	a.dialed = nil
	cancel := a.dialCancel
	a.dialCancel = nil
	a.state = StateStopped
	a.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if dialed != nil {
		_ = dialed.Close()
	}
	var err error
	if ch != nil {
		err = ch.Close()
	}

	close(a.quit)
	<-a.loopDone

	if a.opts.OnState != nil {
		a.opts.OnState(StateStopped)
	}
	return err
}

// State returns the current connection state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Connected reports whether the channel is open.
func (a *Agent) Connected() bool { return a.State() == StateOpen }

// Err returns the error that closed the channel last, or nil while open.
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Attempts returns the number of connection attempts made.
func (a *Agent) Attempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

// Malformed returns the number of dropped messages.
func (a *Agent) Malformed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.malformed
}

// Packets returns the buffered packets, oldest first.
func (a *Agent) Packets() []telemetry.Packet { return a.packets.Snapshot() }

// Metrics returns the buffered metric frames, oldest first.
func (a *Agent) Metrics() []telemetry.Metric { return a.metrics.Snapshot() }

// LatestMetric returns the newest metric frame.
func (a *Agent) LatestMetric() (telemetry.Metric, bool) {
	newest := a.metrics.Newest(1)
	if len(newest) == 0 {
		return telemetry.Metric{}, false
	}
	return newest[0], true
}

// Summary returns the totals of the last envelope message received.
func (a *Agent) Summary() (telemetry.Summary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.summary == nil {
		return telemetry.Summary{}, false
	}
	return *a.summary, true
}

// BufferSummary totals the packets currently buffered. LossRate is a
// percentage.
func (a *Agent) BufferSummary() telemetry.Summary {
	pkts := a.Packets()
	s := telemetry.Summary{Total: int64(len(pkts))}
	for _, p := range pkts {
		if p.IsLost {
			s.Lost++
		}
	}
	if s.Total > 0 {
		s.LossRate = float64(s.Lost) / float64(s.Total) * 100
	}
	return s
}
