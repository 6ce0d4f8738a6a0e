package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

var errDropped = errors.New("connection reset")

type fakeChannel struct {
	msgs      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{msgs: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeChannel) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-c.closed:
		return nil, errDropped
	}
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer fails the first `failures` dials, then hands out fresh channels.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    []time.Time
	chans    []*fakeChannel

	// gate, if set, holds every dial until closed.
	gate chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Channel, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, time.Now())
	if len(d.dials) <= d.failures {
		return nil, fmt.Errorf("dial #%d refused", len(d.dials))
	}
	c := newFakeChannel()
	d.chans = append(d.chans, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) channel(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.chans) {
		return nil
	}
	return d.chans[i]
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestAgent(t *testing.T, d Dialer, delay time.Duration, opts ...func(*Options)) *Agent {
	t.Helper()
	o := Options{
		URL:            "ws://relay.test/ws/sensor",
		ReconnectDelay: delay,
		Dialer:         d,
		Log:            zaptest.NewLogger(t),
	}
	for _, fn := range opts {
		fn(&o)
	}
	a := New(o)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func packetsJSON(from, to int) []byte {
	var b strings.Builder
	b.WriteByte('[')
	for i := from; i < to; i++ {
		if i > from {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"sequenceNumber":%d,"timestamp":%d,"isLost":false}`, i, 1700000000000+i)
	}
	b.WriteByte(']')
	return []byte(b.String())
}

func TestAgent_ReconnectConvergence(t *testing.T) {
	const failures = 4
	d := &fakeDialer{failures: failures}
	a := newTestAgent(t, d, 10*time.Millisecond)

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "open", a.Connected)

	if got := d.dialCount(); got != failures+1 {
		t.Errorf("dials = %d, want %d", got, failures+1)
	}
	if got := a.Attempts(); got != failures+1 {
		t.Errorf("Attempts = %d, want %d", got, failures+1)
	}
	if a.Err() != nil {
		t.Errorf("Err = %v while open", a.Err())
	}
}

func TestAgent_FixedReconnectDelay(t *testing.T) {
	const delay = 80 * time.Millisecond
	d := &fakeDialer{failures: 2}
	a := newTestAgent(t, d, delay)
	_ = a.Start()
	waitFor(t, "open", a.Connected)

	d.mu.Lock()
	dials := append([]time.Time(nil), d.dials...)
	d.mu.Unlock()
	for i := 1; i < len(dials); i++ {
		if gap := dials[i].Sub(dials[i-1]); gap < delay {
			t.Errorf("attempt %d came %v after the previous one, want >= %v", i+1, gap, delay)
		}
	}
}

func TestAgent_SinglePendingTimer(t *testing.T) {
	d := &fakeDialer{}
	a := newTestAgent(t, d, 40*time.Millisecond)

	// Rapid closes re-arm the same timer instead of stacking new ones.
	a.mu.Lock()
	for i := 0; i < 5; i++ {
		a.closeLocked()
	}
	a.mu.Unlock()

	waitFor(t, "open", a.Connected)
	time.Sleep(150 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want exactly 1", got)
	}
}

func TestAgent_DropThenRecover(t *testing.T) {
	const delay = 150 * time.Millisecond
	d := &fakeDialer{}
	states := &stateLog{}
	var resyncs sync.WaitGroup
	resyncs.Add(2)
	a := newTestAgent(t, d, delay, func(o *Options) {
		o.OnState = states.record
		o.Resync = resyncs.Done
	})

	_ = a.Start()
	waitFor(t, "open", a.Connected)
	d.channel(0).msgs <- packetsJSON(0, 3)
	waitFor(t, "first packets", func() bool { return len(a.Packets()) == 3 })

	dropped := time.Now()
	_ = d.channel(0).Close()
	waitFor(t, "disconnected", func() bool { return !a.Connected() })
	if !errors.Is(a.Err(), errDropped) {
		t.Errorf("Err = %v, want %v", a.Err(), errDropped)
	}

	waitFor(t, "reconnected", a.Connected)
	if since := time.Since(dropped); since < delay {
		t.Errorf("reconnected after %v, before the %v delay", since, delay)
	}
	if d.dialCount() != 2 {
		t.Errorf("dials = %d, want 2", d.dialCount())
	}

	d.channel(1).msgs <- packetsJSON(3, 5)
	waitFor(t, "buffering resumed", func() bool { return len(a.Packets()) == 5 })
	resyncs.Wait()

	got := states.snapshot()
	want := []State{StateConnecting, StateOpen, StateClosed, StateConnecting, StateOpen}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestAgent_LargeBatchKeepsMostRecent(t *testing.T) {
	d := &fakeDialer{}
	a := newTestAgent(t, d, time.Second)
	_ = a.Start()
	waitFor(t, "open", a.Connected)

	d.channel(0).msgs <- packetsJSON(0, 150)
	waitFor(t, "batch", func() bool { return len(a.Packets()) > 0 })

	pkts := a.Packets()
	if len(pkts) != 100 {
		t.Fatalf("buffer size = %d, want 100", len(pkts))
	}
	for i, p := range pkts {
		if p.SequenceNumber != int64(50+i) {
			t.Fatalf("pkts[%d].SequenceNumber = %d, want %d", i, p.SequenceNumber, 50+i)
		}
	}
}

func TestAgent_NormalizesAndDropsMalformed(t *testing.T) {
	d := &fakeDialer{}
	a := newTestAgent(t, d, time.Second)
	_ = a.Start()
	waitFor(t, "open", a.Connected)
	ch := d.channel(0)

	ch.msgs <- []byte(`not json`)
	ch.msgs <- []byte(`[{"sequenceNumber":1,"timestamp":5}, {"timestamp":6}]`)
	ch.msgs <- []byte(`{"type":"pong","ts":123}`)
	ch.msgs <- []byte(`{"packets":[{"sequenceNumber":2,"timestamp":7,"lost":true}],"total":2,"lost":1,"lossRate":50}`)
	ch.msgs <- []byte(`[{"sequenceNumber":3,"timestamp":8,"isLost":true}]`)

	waitFor(t, "packets", func() bool { return len(a.Packets()) == 2 })
	if !a.Connected() {
		t.Error("malformed messages closed the channel")
	}
	if got := a.Malformed(); got != 2 {
		t.Errorf("Malformed = %d, want 2", got)
	}
	for _, p := range a.Packets() {
		if !p.IsLost {
			t.Errorf("packet %d: isLost not normalized", p.SequenceNumber)
		}
	}
	sum, ok := a.Summary()
	if !ok || sum.Total != 2 || sum.LossRate != 50 {
		t.Errorf("Summary = %+v, %v", sum, ok)
	}
}

func TestAgent_MetricStream(t *testing.T) {
	d := &fakeDialer{}
	a := newTestAgent(t, d, time.Second)
	_ = a.Start()
	waitFor(t, "open", a.Connected)

	d.channel(0).msgs <- []byte(`{"frameRate":30,"bitrate":1800,"scheduler":"LRTT","port":6060,"timestamp":1}`)
	d.channel(0).msgs <- []byte(`{"frameRate":29,"bitrate":1700,"scheduler":"LRTT","port":6060,"timestamp":2}`)
	waitFor(t, "metrics", func() bool { return len(a.Metrics()) == 2 })

	m, ok := a.LatestMetric()
	if !ok || m.Values["frameRate"] != 29 || m.Scheduler != "LRTT" {
		t.Errorf("LatestMetric = %+v, %v", m, ok)
	}
	if len(a.Packets()) != 0 {
		t.Error("metric frames ended up in the packet buffer")
	}
}

func TestAgent_CloseCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{failures: 100}
	states := &stateLog{}
	a := newTestAgent(t, d, 50*time.Millisecond, func(o *Options) { o.OnState = states.record })
	_ = a.Start()

	waitFor(t, "first failure", func() bool { return a.State() == StateClosed && d.dialCount() == 1 })
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials after Close = %d, want 1", got)
	}
	if a.State() != StateStopped {
		t.Errorf("State = %s, want stopped", a.State())
	}
	got := states.snapshot()
	if got[len(got)-1] != StateStopped {
		t.Errorf("last state = %s, want stopped (all: %v)", got[len(got)-1], got)
	}
	if err := a.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Close = %v, want ErrStopped", err)
	}
}

func TestAgent_CloseDuringDialClosesLateChannel(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	a := newTestAgent(t, d, time.Second)
	_ = a.Start()
	waitFor(t, "connecting", func() bool { return a.State() == StateConnecting })

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	close(d.gate)

	waitFor(t, "late dial", func() bool { return d.channel(0) != nil })
	waitFor(t, "late channel closed", d.channel(0).isClosed)
	if a.State() != StateStopped {
		t.Errorf("State = %s, want stopped", a.State())
	}
}

func TestAgent_CloseOpenChannel(t *testing.T) {
	d := &fakeDialer{}
	a := newTestAgent(t, d, 10*time.Millisecond)
	_ = a.Start()
	waitFor(t, "open", a.Connected)

	ch := d.channel(0)
	_ = a.Close()
	if !ch.isClosed() {
		t.Error("Close did not close the open channel")
	}

	// A drop racing the teardown must not resurrect the channel.
	time.Sleep(50 * time.Millisecond)
	if d.dialCount() != 1 || a.State() != StateStopped {
		t.Errorf("dials=%d state=%s after Close", d.dialCount(), a.State())
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestAgent_BufferSummary(t *testing.T) {
	d := &fakeDialer{}
	a := newTestAgent(t, d, time.Second)
	if s := a.BufferSummary(); s.Total != 0 || s.LossRate != 0 {
		t.Fatalf("empty summary = %+v", s)
	}
	_ = a.Start()
	waitFor(t, "open", a.Connected)

	d.channel(0).msgs <- []byte(`[{"sequenceNumber":1,"timestamp":1},{"sequenceNumber":2,"timestamp":2,"isLost":true},` +
		`{"sequenceNumber":3,"timestamp":3},{"sequenceNumber":4,"timestamp":4,"lost":true}]`)
	waitFor(t, "packets", func() bool { return len(a.Packets()) == 4 })

	s := a.BufferSummary()
	if s.Total != 4 || s.Lost != 2 || s.LossRate != 50 {
		t.Fatalf("summary = %+v", s)
	}
}
