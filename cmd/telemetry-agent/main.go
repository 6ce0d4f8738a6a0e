// telemetry-agent follows one relay push channel and logs what it sees:
// connection state changes, and a periodic summary of the buffered packets or
// the latest worker metrics.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edirooss/mptcp-relay/internal/agent"
	"github.com/edirooss/mptcp-relay/internal/config"
	"github.com/edirooss/mptcp-relay/internal/logging"
	"github.com/edirooss/mptcp-relay/internal/telemetry"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type options struct {
	url            string
	stream         string
	statusURL      string
	reconnectDelay time.Duration
	bufferSize     int
	reportEvery    time.Duration
	logLevel       string
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(opts.logLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run(ctx, log.Named("main"), opts)
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("telemetry-agent", pflag.ContinueOnError)
	fs.StringVar(&o.url, "url", config.GetEnv("RELAY_TELEMETRY_URL", "ws://127.0.0.1:6061/ws/sensor"), "push channel URL")
	fs.StringVar(&o.stream, "stream", "", `expected stream: "sensor", "streaming", or empty to detect`)
	fs.StringVar(&o.statusURL, "status-url", "", "status endpoint re-fetched on every (re)connect")
	fs.DurationVar(&o.reconnectDelay, "reconnect-delay", agent.DefaultReconnectDelay, "delay before reconnecting a dropped channel")
	fs.IntVar(&o.bufferSize, "buffer", agent.DefaultBufferSize, "packets and metrics kept in memory")
	fs.DurationVar(&o.reportEvery, "report-every", 5*time.Second, "summary log interval")
	fs.StringVar(&o.logLevel, "log-level", config.GetEnv("RELAY_LOG_LEVEL", "info"), "debug, info, warn or error")
	version := fs.BoolP("version", "v", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if *version {
		fmt.Printf("telemetry-agent %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
	switch o.stream {
	case "", telemetry.StreamSensor, telemetry.StreamStreaming:
	default:
		return o, fmt.Errorf("unknown stream %q", o.stream)
	}
	if o.reportEvery <= 0 {
		return o, fmt.Errorf("--report-every must be positive")
	}
	return o, nil
}

func run(ctx context.Context, log *zap.Logger, o options) {
	a := agent.New(agent.Options{
		URL:            o.url,
		Stream:         o.stream,
		ReconnectDelay: o.reconnectDelay,
		BufferSize:     o.bufferSize,
		Log:            log,
		OnState: func(s agent.State) {
			log.Info("channel state", zap.String("state", string(s)))
		},
		Resync: resync(log, o.statusURL),
	})
	defer a.Close()

	if err := a.Start(); err != nil {
		log.Error("agent start failed", zap.Error(err))
		return
	}

	tick := time.NewTicker(o.reportEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			report(log, a)
		}
	}
}

func report(log *zap.Logger, a *agent.Agent) {
	fields := []zap.Field{
		zap.Bool("connected", a.Connected()),
		zap.Int("attempts", a.Attempts()),
		zap.Int("malformed", a.Malformed()),
	}
	if s := a.BufferSummary(); s.Total > 0 {
		fields = append(fields,
			zap.Int64("buffered", s.Total),
			zap.Int64("lost", s.Lost),
			zap.Float64("loss_pct", s.LossRate),
		)
	}
	if sum, ok := a.Summary(); ok {
		fields = append(fields, zap.Int64("sender_total", sum.Total), zap.Float64("sender_loss_pct", sum.LossRate))
	}
	if m, ok := a.LatestMetric(); ok {
		for _, name := range m.Names() {
			fields = append(fields, zap.Float64(name, m.Values[name]))
		}
	}
	if err := a.Err(); err != nil && !a.Connected() {
		fields = append(fields, zap.NamedError("last_error", err))
	}
	log.Info("telemetry", fields...)
}

// resync returns a hook that re-fetches url and logs the body, or nil when
// url is empty.
func resync(log *zap.Logger, url string) func() {
	if url == "" {
		return nil
	}
	client := &http.Client{Timeout: 5 * time.Second}
	return func() {
		resp, err := client.Get(url)
		if err != nil {
			log.Warn("status re-fetch failed", zap.Error(err))
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		log.Info("status re-fetched", zap.Int("code", resp.StatusCode), zap.ByteString("body", body))
	}
}
