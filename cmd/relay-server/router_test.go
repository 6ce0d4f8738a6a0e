//go:build linux

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/edirooss/mptcp-relay/internal/config"
	"github.com/edirooss/mptcp-relay/internal/metrics"
	"github.com/edirooss/mptcp-relay/internal/probe"
	"github.com/edirooss/mptcp-relay/internal/relay"
	"github.com/edirooss/mptcp-relay/internal/segstore"
	"github.com/edirooss/mptcp-relay/internal/telemetry"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type idleRelay struct{}

func (idleRelay) Preflight() error           { return nil }
func (idleRelay) Stop(context.Context) error { return relay.ErrNoSession }
func (idleRelay) Status() relay.Status       { return relay.Status{} }
func (idleRelay) Logs(int) []string          { return nil }

type idleSensor struct{}

func (idleSensor) Start(context.Context, string, int) error { return nil }
func (idleSensor) Stop() error                              { return probe.ErrNotRunning }
func (idleSensor) Status() probe.Status                     { return probe.Status{} }

func testRouter(t *testing.T, cfg config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := segstore.New(filepath.Join(t.TempDir(), "hls"), cfg.Store.Manifest)
	if err != nil {
		t.Fatal(err)
	}
	mgr := telemetry.NewManager(zap.NewNop(), telemetry.HubOptions{})
	t.Cleanup(mgr.Close)
	return newRouter(zap.NewNop(), cfg, routerDeps{
		relay:     idleRelay{},
		store:     store,
		telemetry: mgr,
		sensor:    idleSensor{},
		metrics:   metrics.New(),
	})
}

func TestRouter_Routes(t *testing.T) {
	r := testRouter(t, config.Default())

	cases := []struct {
		method, path string
		code         int
	}{
		{http.MethodGet, "/api/ping", http.StatusOK},
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/hls/stream.m3u8", http.StatusNotFound},
		{http.MethodGet, "/api/relay/status", http.StatusOK},
		{http.MethodPost, "/api/relay/start", http.StatusOK},
		{http.MethodPost, "/api/relay/stop", http.StatusConflict},
		{http.MethodGet, "/api/relay/manifest", http.StatusNotFound},
		{http.MethodGet, "/api/sensor/status", http.StatusOK},
		{http.MethodPost, "/api/sensor/stop", http.StatusConflict},
		{http.MethodGet, "/ws/sensor", http.StatusBadRequest}, // not an upgrade
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.code {
			t.Errorf("%s %s: code %d, want %d", tc.method, tc.path, rec.Code, tc.code)
		}
	}
}

func TestRouter_CORS(t *testing.T) {
	r := testRouter(t, config.Default())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://player.example")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Allow-Origin = %q", got)
	}
}

func TestCORSConfig(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.AllowOrigins = []string{"https://ui.example/"}
	c := corsConfig(cfg)
	if c.AllowAllOrigins || len(c.AllowOrigins) != 1 || c.AllowOrigins[0] != "https://ui.example" {
		t.Fatalf("cors = %+v", c)
	}

	cfg.Dev = true
	if !corsConfig(cfg).AllowAllOrigins {
		t.Fatal("dev mode should allow all origins")
	}
}
