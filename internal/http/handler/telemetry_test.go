package handler

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edirooss/mptcp-relay/internal/agent"
	"github.com/edirooss/mptcp-relay/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTelemetryServer(t *testing.T) (*telemetry.Manager, string) {
	t.Helper()
	mgr := telemetry.NewManager(zap.NewNop(), telemetry.HubOptions{})
	h := NewTelemetryHandler(zap.NewNop(), mgr)

	r := gin.New()
	r.GET("/ws/sensor", h.Sensor)
	r.GET("/ws/streaming", h.Streaming)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		mgr.Close()
		srv.Close()
	})
	return mgr, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestTelemetry_SensorPush(t *testing.T) {
	mgr, base := newTelemetryServer(t)
	conn := dialWS(t, base+"/ws/sensor")
	eventually(t, "subscriber", func() bool { return mgr.Sensor().Len() == 1 })

	n := mgr.PublishPackets(
		telemetry.Packet{SequenceNumber: 1, Timestamp: 1000},
		telemetry.Packet{SequenceNumber: 2, Timestamp: 1100, IsLost: true},
	)
	if n != 1 {
		t.Fatalf("delivered to %d subscribers", n)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	b, err := telemetry.DecodePackets(data)
	if err != nil {
		t.Fatalf("DecodePackets(%s): %v", data, err)
	}
	if len(b.Packets) != 2 || !b.Packets[1].IsLost {
		t.Fatalf("batch = %+v", b)
	}

	// metrics do not reach sensor subscribers
	if mgr.PublishMetric(telemetry.NewMetric("LRTT", 6060).Set("bitrate", 1)) != 0 {
		t.Fatal("metric reached the sensor hub")
	}
}

func TestTelemetry_PingPong(t *testing.T) {
	mgr, base := newTelemetryServer(t)
	conn := dialWS(t, base+"/ws/streaming")
	eventually(t, "subscriber", func() bool { return mgr.Streaming().Len() == 1 })

	before := time.Now().UnixMilli()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var pong struct {
		Type string `json:"type"`
		TS   int64  `json:"ts"`
	}
	if err := json.Unmarshal(data, &pong); err != nil {
		t.Fatal(err)
	}
	if pong.Type != "pong" || pong.TS < before {
		t.Fatalf("pong = %+v", pong)
	}
}

func TestTelemetry_DisconnectRemovesSubscriber(t *testing.T) {
	mgr, base := newTelemetryServer(t)
	conn := dialWS(t, base+"/ws/sensor")
	eventually(t, "subscriber", func() bool { return mgr.Sensor().Len() == 1 })

	conn.Close()
	eventually(t, "removal", func() bool { return mgr.Sensor().Len() == 0 })
}

func TestTelemetry_AgentReceivesMetrics(t *testing.T) {
	mgr, base := newTelemetryServer(t)

	a := agent.New(agent.Options{
		URL:            base + "/ws/streaming",
		Stream:         telemetry.StreamStreaming,
		ReconnectDelay: 100 * time.Millisecond,
	})
	defer a.Close()
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "agent open", a.Connected)
	eventually(t, "subscriber", func() bool { return mgr.Streaming().Len() == 1 })

	mgr.PublishMetric(telemetry.NewMetric("LRTT", 6060).Set("frameRate", 30).Set("bitrate", 2500))
	eventually(t, "metric", func() bool {
		_, ok := a.LatestMetric()
		return ok
	})
	m, _ := a.LatestMetric()
	if m.Values["frameRate"] != 30 || m.Scheduler != "LRTT" || m.Port != 6060 {
		t.Fatalf("metric = %+v", m)
	}
}
