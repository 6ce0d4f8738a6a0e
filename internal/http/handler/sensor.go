package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/edirooss/mptcp-relay/internal/probe"
	"github.com/edirooss/mptcp-relay/pkg/hostutil"
	"github.com/edirooss/mptcp-relay/pkg/jsonx"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SensorController is the part of the probe sender the HTTP surface drives.
type SensorController interface {
	Start(ctx context.Context, target string, rate int) error
	Stop() error
	Status() probe.Status
}

// SensorHandler exposes probe control.
//
//   - POST /api/sensor/start   {"server": "host:port", "packetsPerSecond": 10}
//   - POST /api/sensor/stop
//   - GET  /api/sensor/status
type SensorHandler struct {
	log *zap.Logger
	ctl SensorController
}

func NewSensorHandler(log *zap.Logger, ctl SensorController) *SensorHandler {
	return &SensorHandler{log: log.Named("sensor_http"), ctl: ctl}
}

type sensorStartRequest struct {
	Server string `json:"server"`
	Rate   int    `json:"packetsPerSecond"`
}

// Start handles POST /api/sensor/start. An empty body uses the configured
// target and rate; the rate is clamped to 1..100.
//
// Status Codes:
//   - 200 OK           → running, body is the status
//   - 400 Bad Request  → malformed body or server address
//   - 409 Conflict     → already running
//   - 502 Bad Gateway  → echo target unreachable
func (h *SensorHandler) Start(c *gin.Context) {
	var req sensorStartRequest
	if err := jsonx.DecodeStrictBody(c.Request, &req, true); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body: " + err.Error()})
		return
	}
	if req.Server != "" {
		if err := hostutil.ValidateHostPort(req.Server); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid server: " + err.Error()})
			return
		}
	}
	if req.Rate < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "packetsPerSecond must be positive"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	err := h.ctl.Start(ctx, req.Server, req.Rate)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, h.ctl.Status())
	case errors.Is(err, probe.ErrRunning):
		c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
	default:
		c.Error(err)
		c.JSON(http.StatusBadGateway, gin.H{"message": err.Error()})
	}
}

// Stop handles POST /api/sensor/stop.
func (h *SensorHandler) Stop(c *gin.Context) {
	if err := h.ctl.Stop(); err != nil {
		if errors.Is(err, probe.ErrNotRunning) {
			c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
			return
		}
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.ctl.Status())
}

// GetStatus handles GET /api/sensor/status.
func (h *SensorHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctl.Status())
}
