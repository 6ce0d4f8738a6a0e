package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeWriter struct {
	mu      sync.Mutex
	status  []RelayStatus
	metrics []any
	sensor  []any
	fail    bool
}

func (f *fakeWriter) SetRelayStatus(_ context.Context, st RelayStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	f.status = append(f.status, st)
	return nil
}

func (f *fakeWriter) SetRelayMetrics(_ context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, v)
	return nil
}

func (f *fakeWriter) SetSensorStatus(_ context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sensor = append(f.sensor, v)
	return nil
}

func TestMirror_CoalescesPerKey(t *testing.T) {
	w := &fakeWriter{}
	m := NewMirror(zap.NewNop(), w)

	// Nothing runs yet: all three status updates collapse into the newest.
	m.RelayLive("s1", "10.0.0.1:4000")
	m.RelayDead("s1", "ingest_closed")
	m.RelayLive("s2", "10.0.0.1:4001")
	m.RelayMetrics(map[string]float64{"frameRate": 30})
	m.SensorStatus(map[string]int{"sentPackets": 10})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if len(w.status) != 1 || w.status[0].SessionID != "s2" || w.status[0].Liveness != LivenessLive {
		t.Errorf("status writes = %+v", w.status)
	}
	if len(w.metrics) != 1 || len(w.sensor) != 1 {
		t.Errorf("metrics=%d sensor=%d writes, want 1 each", len(w.metrics), len(w.sensor))
	}
}

func TestMirror_RunWritesAsync(t *testing.T) {
	w := &fakeWriter{}
	m := NewMirror(zap.NewNop(), w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	m.RelayDead("s1", "worker_exited")
	deadline := time.Now().Add(2 * time.Second)
	for {
		w.mu.Lock()
		n := len(w.status)
		w.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("status never written")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if w.status[0].Metadata != "worker_exited" || w.status[0].Timestamp == 0 {
		t.Errorf("status = %+v", w.status[0])
	}
}

func TestMirror_WriteFailureIsNotFatal(t *testing.T) {
	w := &fakeWriter{fail: true}
	m := NewMirror(zap.NewNop(), w)
	m.RelayLive("s1", "x")
	m.SensorStatus("ok")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = m.Run(ctx)

	if len(w.sensor) != 1 {
		t.Error("a failed write blocked the others")
	}
}

func TestRelayStatus_JSONShape(t *testing.T) {
	data, err := json.Marshal(RelayStatus{Liveness: LivenessLive, Metadata: "m", Timestamp: 5})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"liveness":"Live","metadata":"m","timestamp":5}` {
		t.Errorf("json = %s", data)
	}
}

func TestAsRawJSON(t *testing.T) {
	log := zap.NewNop()
	if got := asRawJSON(log, "k", `{"a":1}`); string(got) != `{"a":1}` {
		t.Errorf("string = %s", got)
	}
	if got := asRawJSON(log, "k", []byte(`[1]`)); string(got) != `[1]` {
		t.Errorf("bytes = %s", got)
	}
	if got := asRawJSON(log, "k", 42); got != nil {
		t.Errorf("int = %s, want nil", got)
	}
}

func TestMirror_NilIsNoop(t *testing.T) {
	var m *Mirror
	m.RelayLive("s1", "127.0.0.1:1")
	m.RelayDead("s1", "stopped")
	m.RelayMetrics(map[string]float64{"bitrate": 1})
	m.SensorStatus(nil)
}

func TestMirror_FlushAfterRunReturned(t *testing.T) {
	w := &fakeWriter{}
	m := NewMirror(zap.NewNop(), w)
	m.RelayLive("s1", "10.0.0.1:4000")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatal(err)
	}

	// A session that ends during shutdown reports after Run is gone.
	m.RelayDead("s1", "stopped")
	m.Flush(context.Background())

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.status) != 2 {
		t.Fatalf("status writes = %+v, want live then dead", w.status)
	}
	if last := w.status[1]; last.Liveness != LivenessDead || last.Metadata != "stopped" {
		t.Errorf("last status = %+v", last)
	}

	var nilMirror *Mirror
	nilMirror.Flush(context.Background())
}
