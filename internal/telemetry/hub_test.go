package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeConn struct {
	mu      sync.Mutex
	msgs    [][]byte
	failErr error
	block   chan struct{} // if non-nil, writes wait on it
	closed  bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	c.msgs = append(c.msgs, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = string(m)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_BroadcastReachesAll(t *testing.T) {
	h := NewHub(zap.NewNop(), StreamSensor, HubOptions{})
	defer h.Close()

	a, b := &fakeConn{}, &fakeConn{}
	h.Register(a)
	h.Register(b)

	if n := h.Broadcast([]byte("one")); n != 2 {
		t.Errorf("Broadcast = %d, want 2", n)
	}
	waitFor(t, "both deliveries", func() bool {
		return len(a.messages()) == 1 && len(b.messages()) == 1
	})
}

func TestHub_FailedSubscriberRemovedOthersUnaffected(t *testing.T) {
	h := NewHub(zap.NewNop(), StreamSensor, HubOptions{})
	defer h.Close()

	good := &fakeConn{}
	bad := &fakeConn{failErr: errors.New("broken pipe")}
	h.Register(good)
	sub := h.Register(bad)

	h.Broadcast([]byte("x"))

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("failed subscriber was not removed")
	}
	if !bad.isClosed() {
		t.Error("failed subscriber connection not closed")
	}
	if h.Len() != 1 {
		t.Errorf("Len = %d, want 1", h.Len())
	}

	h.Broadcast([]byte("y"))
	waitFor(t, "good subscriber", func() bool { return len(good.messages()) == 2 })
}

func TestHub_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	var drops int
	var mu sync.Mutex
	h := NewHub(zap.NewNop(), StreamStreaming, HubOptions{
		QueueSize: 1,
		OnDrop: func(string) {
			mu.Lock()
			drops++
			mu.Unlock()
		},
	})
	slow := &fakeConn{block: make(chan struct{})}
	fast := &fakeConn{}
	h.Register(slow)
	h.Register(fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Broadcast([]byte("m"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a slow subscriber")
	}

	mu.Lock()
	got := drops
	mu.Unlock()
	if got == 0 {
		t.Error("expected drops for the slow subscriber")
	}

	close(slow.block)
	h.Close()
}

func TestHub_CloseRefusesNewSubscribers(t *testing.T) {
	h := NewHub(zap.NewNop(), StreamSensor, HubOptions{})
	c := &fakeConn{}
	h.Register(c)
	h.Close()

	if h.Len() != 0 || !c.isClosed() {
		t.Errorf("Close left Len=%d closed=%v", h.Len(), c.isClosed())
	}

	late := &fakeConn{}
	sub := h.Register(late)
	select {
	case <-sub.Done():
	default:
		t.Error("registration on closed hub should be done")
	}
	if !late.isClosed() || h.Len() != 0 {
		t.Error("late connection should be closed and not registered")
	}
}

func TestHub_OnChangeTracksCount(t *testing.T) {
	var mu sync.Mutex
	var counts []int
	h := NewHub(zap.NewNop(), StreamSensor, HubOptions{OnChange: func(_ string, n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	}})
	s := h.Register(&fakeConn{})
	s.Close()
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 0 {
		t.Errorf("counts = %v, want [1 0]", counts)
	}
}

func TestHub_OnPublishReportsAccepted(t *testing.T) {
	var got []int
	h := NewHub(zap.NewNop(), StreamStreaming, HubOptions{OnPublish: func(stream string, n int) {
		if stream != StreamStreaming {
			t.Errorf("stream = %q", stream)
		}
		got = append(got, n)
	}})
	defer h.Close()

	h.Broadcast([]byte("a"))
	h.Register(&fakeConn{})
	h.Register(&fakeConn{})
	h.Broadcast([]byte("b"))

	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("published = %v, want [0 2]", got)
	}
}
