// Package config loads relay-server settings from a YAML file, an optional
// .env file and RELAY_* environment overrides, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edirooss/mptcp-relay/pkg/hostutil"
	"github.com/edirooss/mptcp-relay/pkg/workercmd"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "relay-server.yaml"

type Config struct {
	Ingest    IngestConfig    `yaml:"ingest"`
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Worker    WorkerConfig    `yaml:"worker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Probe     ProbeConfig     `yaml:"probe"`
	Redis     RedisConfig     `yaml:"redis"`
	LogLevel  string          `yaml:"log_level"`

	// Dev is set from ENV=dev.
	Dev bool `yaml:"-"`
}

type IngestConfig struct {
	Address string `yaml:"address"`
}

type HTTPConfig struct {
	Address        string   `yaml:"address"`
	TrustedProxies []string `yaml:"trusted_proxies"`
	AllowOrigins   []string `yaml:"allow_origins"`
	MaxConcurrent  int      `yaml:"max_concurrent"`
}

type StoreConfig struct {
	Dir      string `yaml:"dir"`
	URLPath  string `yaml:"url_path"`
	Manifest string `yaml:"manifest"`
}

type WorkerConfig struct {
	Binary         string        `yaml:"binary"`
	SegmentSeconds int           `yaml:"segment_seconds"`
	ListSize       int           `yaml:"list_size"`
	VideoCodec     string        `yaml:"video_codec"`
	ExtraArgs      []string      `yaml:"extra_args"`
	KillGrace      time.Duration `yaml:"kill_grace"`
	LogLines       int           `yaml:"log_lines"`
}

type TelemetryConfig struct {
	Scheduler    string        `yaml:"scheduler"`
	QueueSize    int           `yaml:"queue_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type ProbeConfig struct {
	EchoAddress    string        `yaml:"echo_address"` // empty disables the built-in echo server
	Target         string        `yaml:"target"`
	Rate           int           `yaml:"rate"`
	DelayThreshold time.Duration `yaml:"delay_threshold"`
	LossWindow     time.Duration `yaml:"loss_window"`
}

type RedisConfig struct {
	Address string        `yaml:"address"` // empty disables the status mirror
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		Ingest: IngestConfig{Address: ":6060"},
		HTTP: HTTPConfig{
			Address:       ":6061",
			AllowOrigins:  []string{"*"},
			MaxConcurrent: 256,
		},
		Store: StoreConfig{
			Dir:      "hls",
			URLPath:  "/hls",
			Manifest: "stream.m3u8",
		},
		Worker: WorkerConfig{
			Binary:         "ffmpeg",
			SegmentSeconds: 2,
			ListSize:       3,
			VideoCodec:     "copy",
			KillGrace:      3 * time.Second,
			LogLines:       500,
		},
		Telemetry: TelemetryConfig{
			Scheduler:    "LRTT",
			QueueSize:    64,
			WriteTimeout: 5 * time.Second,
		},
		Probe: ProbeConfig{
			EchoAddress:    ":5000",
			Target:         "127.0.0.1:5000",
			Rate:           10,
			DelayThreshold: time.Second,
			LossWindow:     5 * time.Second,
		},
		LogLevel: "debug",
	}
}

// Load builds the configuration. A missing file at path is an error only when
// required is set. The .env file in the working directory is optional.
func Load(path string, required bool) (Config, error) {
	cfg := Default()

	if err := LoadDotEnv(); err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files (default ".env") into the process environment
// without overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Dev = os.Getenv("ENV") == "dev"

	cfg.Ingest.Address = GetEnv("RELAY_INGEST_ADDRESS", cfg.Ingest.Address)
	cfg.HTTP.Address = GetEnv("RELAY_HTTP_ADDRESS", cfg.HTTP.Address)
	cfg.Store.Dir = GetEnv("RELAY_STORE_DIR", cfg.Store.Dir)
	cfg.Worker.Binary = GetEnv("RELAY_WORKER_BINARY", cfg.Worker.Binary)
	cfg.Telemetry.Scheduler = GetEnv("RELAY_SCHEDULER", cfg.Telemetry.Scheduler)
	cfg.Probe.EchoAddress = GetEnv("RELAY_PROBE_ECHO_ADDRESS", cfg.Probe.EchoAddress)
	cfg.Probe.Target = GetEnv("RELAY_PROBE_TARGET", cfg.Probe.Target)
	cfg.Probe.Rate = GetEnvInt("RELAY_PROBE_RATE", cfg.Probe.Rate)
	cfg.Redis.Address = GetEnv("RELAY_REDIS_ADDRESS", cfg.Redis.Address)
	cfg.LogLevel = GetEnv("RELAY_LOG_LEVEL", cfg.LogLevel)
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.Ingest.Address == "":
		return errors.New("ingest.address is required")
	case c.HTTP.Address == "":
		return errors.New("http.address is required")
	case c.Store.Dir == "":
		return errors.New("store.dir is required")
	case c.Store.Manifest == "" || strings.ContainsRune(c.Store.Manifest, '/'):
		return fmt.Errorf("store.manifest %q must be a plain file name", c.Store.Manifest)
	case !strings.HasPrefix(c.Store.URLPath, "/") || c.Store.URLPath == "/":
		return fmt.Errorf("store.url_path %q must be an absolute sub-path", c.Store.URLPath)
	case c.Worker.Binary == "":
		return errors.New("worker.binary is required")
	case c.Worker.SegmentSeconds <= 0 || c.Worker.ListSize <= 0:
		return errors.New("worker.segment_seconds and worker.list_size must be positive")
	case c.Probe.Rate < 1 || c.Probe.Rate > 100:
		return fmt.Errorf("probe.rate %d out of range 1..100", c.Probe.Rate)
	}
	if c.Probe.Target != "" {
		if err := hostutil.ValidateHostPort(c.Probe.Target); err != nil {
			return fmt.Errorf("probe.target: %w", err)
		}
	}
	return nil
}

// HLSOptions derives the worker command line settings.
func (c Config) HLSOptions() workercmd.HLSOptions {
	return workercmd.HLSOptions{
		Binary:         c.Worker.Binary,
		Dir:            c.Store.Dir,
		Manifest:       c.Store.Manifest,
		SegmentPattern: "segment%d.ts",
		SegmentSeconds: c.Worker.SegmentSeconds,
		ListSize:       c.Worker.ListSize,
		VideoCodec:     c.Worker.VideoCodec,
		ExtraArgs:      c.Worker.ExtraArgs,
	}
}

// GetEnv returns the value of key, or fallback if unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of key, or fallback if unset, empty or
// not an integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// Port extracts the numeric port of a listen address, or 0.
func Port(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
