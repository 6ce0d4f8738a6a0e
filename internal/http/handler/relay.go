package handler

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/edirooss/mptcp-relay/internal/relay"
	"github.com/edirooss/mptcp-relay/internal/segstore"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RelayController is the part of the relay supervisor the HTTP surface drives.
type RelayController interface {
	Preflight() error
	Stop(ctx context.Context) error
	Status() relay.Status
	Logs(n int) []string
}

// RelayHandler serves the segment store and the relay control endpoints.
//
// Routes:
//   - GET  <store-path>/:file        → playlist or segment, 404 when absent
//   - GET  /health                   → files, ports, active session
//   - GET  /api/relay/status         → supervisor state
//   - POST /api/relay/start          → preflight the worker and store
//   - POST /api/relay/stop           → end the active session
//   - GET  /api/relay/logs?lines=N   → worker output, newest first
//   - GET  /api/relay/manifest       → parsed playlist
type RelayHandler struct {
	log        *zap.Logger
	ctl        RelayController
	store      *segstore.Store
	ingestPort int
	httpPort   int
}

func NewRelayHandler(log *zap.Logger, ctl RelayController, store *segstore.Store, ingestPort, httpPort int) *RelayHandler {
	return &RelayHandler{
		log:        log.Named("relay_http"),
		ctl:        ctl,
		store:      store,
		ingestPort: ingestPort,
		httpPort:   httpPort,
	}
}

const (
	defaultLogLines = 100
	maxLogLines     = 500
)

var hlsContentTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
	".m4s":  "video/iso.segment",
	".mp4":  "video/mp4",
}

// ServeFile serves one file from the store. Only plain file names resolve;
// sub-paths, dot files and directories are 404.
func (h *RelayHandler) ServeFile(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("file"), "/")
	if name == "" || strings.HasPrefix(name, ".") || name != filepath.Base(name) {
		c.JSON(http.StatusNotFound, gin.H{"message": "not found"})
		return
	}

	p := filepath.Join(h.store.Dir(), name)
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		c.JSON(http.StatusNotFound, gin.H{"message": "not found"})
		return
	}

	if ct, ok := hlsContentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		c.Header("Content-Type", ct)
	}
	if name == h.store.ManifestName() {
		c.Header("Cache-Control", "no-cache")
	}
	c.File(p)
}

type healthResponse struct {
	Status   string             `json:"status"`
	HLSFiles []string           `json:"hlsFiles"`
	TCPPort  int                `json:"tcpPort"`
	HTTPPort int                `json:"httpPort"`
	Session  *relay.SessionInfo `json:"session"`
}

// Health handles GET /health. Diagnostic only.
func (h *RelayHandler) Health(c *gin.Context) {
	files, err := h.store.Files()
	if err != nil {
		c.Error(err)
	}
	if files == nil {
		files = []string{}
	}
	c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		HLSFiles: files,
		TCPPort:  h.ingestPort,
		HTTPPort: h.httpPort,
		Session:  h.ctl.Status().Session,
	})
}

const (
	stateStreaming   = "streaming"
	stateIdle        = "idle"
	stateUnavailable = "stream unavailable"
)

type statusResponse struct {
	State string `json:"state"`
	relay.Status
	Error string `json:"error,omitempty"`
}

// state folds the supervisor status into what a player UI shows. A session
// lost to a worker failure reads as unavailable until the next one starts.
func state(st relay.Status) statusResponse {
	resp := statusResponse{State: stateIdle, Status: st}
	switch {
	case st.Active:
		resp.State = stateStreaming
	case st.Last != nil && (st.Last.Reason == "spawn_failed" || st.Last.Reason == "worker_exited"):
		resp.State = stateUnavailable
		resp.Error = st.Last.Error
	}
	return resp
}

// GetStatus handles GET /api/relay/status.
func (h *RelayHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, state(h.ctl.Status()))
}

// Start handles POST /api/relay/start. Sessions begin when an ingest
// connection arrives; this only verifies that one could be served.
//
// Status Codes:
//   - 200 OK                   → ready, waiting for ingest
//   - 503 Service Unavailable  → worker binary or store not usable
func (h *RelayHandler) Start(c *gin.Context) {
	if err := h.ctl.Preflight(); err != nil {
		c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": stateUnavailable, "error": err.Error()})
		return
	}
	st := h.ctl.Status()
	msg := "waiting for ingest"
	if st.Active {
		msg = "already streaming"
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "tcpPort": h.ingestPort})
}

// Stop handles POST /api/relay/stop.
//
// Status Codes:
//   - 200 OK        → session ended, store purged
//   - 409 Conflict  → no active session
func (h *RelayHandler) Stop(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	err := h.ctl.Stop(ctx)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "stopped"})
	case errors.Is(err, relay.ErrNoSession):
		c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
	default:
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
	}
}

// GetLogs handles GET /api/relay/logs?lines=N (default 100, max 500).
func (h *RelayHandler) GetLogs(c *gin.Context) {
	n := defaultLogLines
	if s := c.Query("lines"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "lines must be a positive integer"})
			return
		}
		n = min(v, maxLogLines)
	}
	lines := h.ctl.Logs(n)
	if lines == nil {
		lines = []string{}
	}
	c.Header("X-Total-Count", strconv.Itoa(len(lines)))
	c.JSON(http.StatusOK, lines)
}

// GetManifest handles GET /api/relay/manifest.
func (h *RelayHandler) GetManifest(c *gin.Context) {
	m, err := h.store.Manifest()
	switch {
	case err == nil:
		c.JSON(http.StatusOK, m)
	case errors.Is(err, segstore.ErrNoManifest):
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
	default:
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
	}
}
