//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edirooss/mptcp-relay/internal/config"
	"github.com/edirooss/mptcp-relay/internal/logging"
	"github.com/edirooss/mptcp-relay/internal/metrics"
	"github.com/edirooss/mptcp-relay/internal/probe"
	rds "github.com/edirooss/mptcp-relay/internal/redis"
	"github.com/edirooss/mptcp-relay/internal/relay"
	"github.com/edirooss/mptcp-relay/internal/segstore"
	"github.com/edirooss/mptcp-relay/internal/telemetry"
	"github.com/edirooss/mptcp-relay/pkg/workercmd"
	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath, configSet := parseFlags()

	cfg, err := config.Load(configPath, configSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)
	defer log.Sync()
	log = log.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg); err != nil {
		log.Fatal("relay-server failed", zap.Error(err))
	}
	log.Info("relay-server stopped")
}

func run(ctx context.Context, log *zap.Logger, cfg config.Config) error {
	m := metrics.New()

	var mirror *rds.Mirror
	if cfg.Redis.Address != "" {
		client := rds.NewClient(cfg.Redis.Address, cfg.Redis.DB, log)
		defer client.Close()
		mirror = rds.NewMirror(log, rds.NewStatusRepository(log, client, cfg.Redis.TTL))
		mirror.RelayDead("", "idle")
	}

	mgr := telemetry.NewManager(log, telemetry.HubOptions{
		QueueSize:    cfg.Telemetry.QueueSize,
		WriteTimeout: cfg.Telemetry.WriteTimeout,
		OnChange:     m.SetSubscribers,
		OnDrop:       m.Dropped,
		OnPublish:    m.Published,
	})
	mgr.Tap(func(ev telemetry.Event) {
		if ev.Kind == telemetry.KindMetric {
			mirror.RelayMetrics(ev.Metric)
		}
	})

	store, err := segstore.New(cfg.Store.Dir, cfg.Store.Manifest)
	if err != nil {
		return err
	}

	ingestPort := config.Port(cfg.Ingest.Address)
	progress := relay.NewProgressReporter(mgr, cfg.Telemetry.Scheduler, ingestPort, m)
	sup := relay.NewSupervisor(log, store, relay.Options{
		Argv:         workercmd.BuildHLS(cfg.HLSOptions()),
		KillGrace:    cfg.Worker.KillGrace,
		LogLines:     cfg.Worker.LogLines,
		Observer:     &sessionObserver{mirror: mirror, progress: progress},
		OnWorkerLine: progress.OnLine,
		Metrics:      m,
	})
	if err := sup.Preflight(); err != nil {
		log.Warn("worker preflight failed, sessions will fail until fixed", zap.Error(err))
	}
	ingest := relay.NewListener(log, cfg.Ingest.Address, sup)

	sender := probe.NewSender(log, mgr, probe.SenderOptions{
		Target:         cfg.Probe.Target,
		Rate:           cfg.Probe.Rate,
		DelayThreshold: cfg.Probe.DelayThreshold,
		LossWindow:     cfg.Probe.LossWindow,
		Scheduler:      cfg.Telemetry.Scheduler,
		Port:           config.Port(cfg.Probe.Target),
		Metrics:        m,
		OnStatus:       func(st probe.Status) { mirror.SensorStatus(st) },
	})

	if !cfg.Dev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer()
	r := newRouter(log, cfg, routerDeps{
		relay:     sup,
		store:     store,
		telemetry: mgr,
		sensor:    sender,
		metrics:   m,
	})

	httpsrv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := ingest.ListenAndServe(gctx); err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
		if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if cfg.Probe.EchoAddress != "" {
		echo := probe.NewEchoServer(log, cfg.Probe.EchoAddress)
		g.Go(func() error {
			if err := echo.ListenAndServe(gctx); err != nil {
				return fmt.Errorf("echo: %w", err)
			}
			return nil
		})
	}

	if mirror != nil {
		g.Go(func() error { return mirror.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := sender.Stop(); err != nil && !errors.Is(err, probe.ErrNotRunning) {
			log.Warn("probe stop failed", zap.Error(err))
		}
		if err := sup.Shutdown(sctx); err != nil {
			log.Warn("supervisor shutdown failed", zap.Error(err))
		}
		mirror.Flush(sctx)
		mgr.Close()
		return httpsrv.Shutdown(sctx)
	})

	return g.Wait()
}

// parseFlags handles --version and returns the config path and whether it
// was given explicitly.
func parseFlags() (string, bool) {
	fs := pflag.NewFlagSet("relay-server", pflag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath, "path to the YAML config file")
	version := fs.BoolP("version", "v", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *version {
		fmt.Printf("relay-server %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
	return *configPath, fs.Changed("config")
}

// sessionObserver mirrors session boundaries to Redis and resets progress
// figures between sessions.
type sessionObserver struct {
	mirror   *rds.Mirror
	progress *relay.ProgressReporter
}

func (o *sessionObserver) SessionStarted(info relay.SessionInfo) {
	o.progress.Reset()
	o.mirror.RelayLive(info.ID, info.RemoteAddr)
}

func (o *sessionObserver) SessionEnded(info relay.SessionInfo, err error) {
	o.progress.Reset()
	o.mirror.RelayDead(info.ID, relay.Reason(err))
}
