//go:build linux

package main

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/edirooss/mptcp-relay/internal/config"
	"github.com/edirooss/mptcp-relay/internal/http/handler"
	mw "github.com/edirooss/mptcp-relay/internal/http/middleware"
	"github.com/edirooss/mptcp-relay/internal/metrics"
	"github.com/edirooss/mptcp-relay/internal/segstore"
	"github.com/edirooss/mptcp-relay/internal/telemetry"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type routerDeps struct {
	relay     handler.RelayController
	store     *segstore.Store
	telemetry *telemetry.Manager
	sensor    handler.SensorController
	metrics   *metrics.Metrics
}

func newRouter(log *zap.Logger, cfg config.Config, d routerDeps) *gin.Engine {
	r := gin.New()

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery())
		r.Use(mw.RequestID())
		r.Use(cors.New(corsConfig(cfg)))

		if !cfg.Dev {
			if err := r.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
				log.Warn("invalid trusted proxies", zap.Error(err))
			}
			r.Use(secure.New(secure.Config{
				ContentTypeNosniff: true,
				SSLProxyHeaders: map[string]string{
					"X-Forwarded-Proto": "https",
				},
			}))
		}

		r.Use(mw.AccessLog(log.Named("http"), d.metrics, cfg.Store.URLPath+"/"))

		r.Use(func(c *gin.Context) {
			// Control requests are tiny; cap bodies at 1MB.
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
			c.Next()
		})
	}

	// Register route handlers
	{
		r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
		r.GET("/metrics", gin.WrapH(d.metrics.Handler()))

		relayhndlr := handler.NewRelayHandler(log, d.relay, d.store, config.Port(cfg.Ingest.Address), config.Port(cfg.HTTP.Address))

		// --- Segment store ---
		r.GET(cfg.Store.URLPath+"/*file", relayhndlr.ServeFile)
		r.HEAD(cfg.Store.URLPath+"/*file", relayhndlr.ServeFile)
		r.GET("/health", relayhndlr.Health)

		api := r.Group("/api", mw.LimitConcurrentRequests(cfg.HTTP.MaxConcurrent))

		// --- Relay control ---
		api.GET("/relay/status", relayhndlr.GetStatus)
		api.POST("/relay/start", relayhndlr.Start)
		api.POST("/relay/stop", relayhndlr.Stop)
		api.GET("/relay/logs", relayhndlr.GetLogs)
		api.GET("/relay/manifest", relayhndlr.GetManifest)

		// --- Sensor probe ---
		sensorhndlr := handler.NewSensorHandler(log, d.sensor)
		api.POST("/sensor/start", sensorhndlr.Start)
		api.POST("/sensor/stop", sensorhndlr.Stop)
		api.GET("/sensor/status", sensorhndlr.GetStatus)

		// --- Push channels ---
		telemetryhndlr := handler.NewTelemetryHandler(log, d.telemetry)
		r.GET("/ws/sensor", telemetryhndlr.Sensor)
		r.GET("/ws/streaming", telemetryhndlr.Streaming)
	}

	return r
}

func corsConfig(cfg config.Config) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowHeaders:  []string{"X-Request-ID", "Content-Type", "Range"},
		ExposeHeaders: []string{"X-Request-ID", "X-Total-Count", "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if cfg.Dev || len(cfg.HTTP.AllowOrigins) == 0 || slices.Contains(cfg.HTTP.AllowOrigins, "*") {
		c.AllowAllOrigins = true
		return c
	}
	for _, o := range cfg.HTTP.AllowOrigins {
		c.AllowOrigins = append(c.AllowOrigins, strings.TrimRight(o, "/"))
	}
	return c
}
