// sensor-listener is the far end of the sensor probe: a TCP server that
// echoes every "SEQ:TIMESTAMP" line back to its sender.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edirooss/mptcp-relay/internal/config"
	"github.com/edirooss/mptcp-relay/internal/logging"
	"github.com/edirooss/mptcp-relay/internal/probe"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fs := pflag.NewFlagSet("sensor-listener", pflag.ExitOnError)
	addr := fs.StringP("listen", "l", config.GetEnv("RELAY_PROBE_ECHO_ADDRESS", "0.0.0.0:5000"), "address to accept probe connections on")
	level := fs.String("log-level", config.GetEnv("RELAY_LOG_LEVEL", "info"), "debug, info, warn or error")
	version := fs.BoolP("version", "v", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *version {
		fmt.Printf("sensor-listener %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}

	log := logging.New(*level)
	defer log.Sync()
	log = log.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := probe.NewEchoServer(log, *addr)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatal("echo server failed", zap.Error(err))
	}

	log.Info("final statistics",
		zap.Int64("received", srv.Received()),
		zap.Int64s("last", srv.Recent(50)),
	)
}
