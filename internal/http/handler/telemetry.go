package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/edirooss/mptcp-relay/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxClientMessage caps inbound push-channel frames; clients only send pings.
const maxClientMessage = 4 << 10

// TelemetryHandler upgrades requests to push channels and registers them on
// the matching hub.
//
//   - GET /ws/sensor     → packet batches
//   - GET /ws/streaming  → worker metrics
type TelemetryHandler struct {
	log      *zap.Logger
	mgr      *telemetry.Manager
	upgrader websocket.Upgrader
}

func NewTelemetryHandler(log *zap.Logger, mgr *telemetry.Manager) *TelemetryHandler {
	return &TelemetryHandler{
		log: log.Named("telemetry_http"),
		mgr: mgr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *TelemetryHandler) Sensor(c *gin.Context)    { h.serve(c, h.mgr.Sensor()) }
func (h *TelemetryHandler) Streaming(c *gin.Context) { h.serve(c, h.mgr.Streaming()) }

func (h *TelemetryHandler) serve(c *gin.Context, hub *telemetry.Hub) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered the client.
		c.Error(err)
		return
	}
	sub := hub.Register(conn)
	h.log.Debug("subscriber connected",
		zap.String("stream", hub.Stream()),
		zap.String("subscriber", sub.ID()),
		zap.String("remote", c.ClientIP()),
	)

	conn.SetReadLimit(maxClientMessage)
	h.readLoop(conn, sub)
	sub.Close()

	h.log.Debug("subscriber disconnected",
		zap.String("stream", hub.Stream()),
		zap.String("subscriber", sub.ID()),
	)
}

type clientMessage struct {
	Type string `json:"type"`
}

type pongMessage struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// readLoop answers pings until the client goes away or the hub drops the
// subscriber. Other client frames are ignored.
func (h *TelemetryHandler) readLoop(conn *websocket.Conn, sub *telemetry.Subscriber) {
	go func() {
		<-sub.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if json.Unmarshal(data, &msg) != nil || msg.Type != "ping" {
			continue
		}
		pong, _ := json.Marshal(pongMessage{Type: "pong", TS: time.Now().UnixMilli()})
		sub.Send(pong)
	}
}
