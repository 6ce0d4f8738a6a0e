package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/edirooss/mptcp-relay/internal/metrics"
	"github.com/edirooss/mptcp-relay/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRate        = 10
	DefaultStatusEvery = 10
	expireInterval     = 250 * time.Millisecond
)

var (
	ErrRunning    = errors.New("probe already running")
	ErrNotRunning = errors.New("probe not running")
)

// ClampRate bounds a packets-per-second rate to 1..100.
func ClampRate(r int) int {
	return max(1, min(100, r))
}

// Publisher receives packet batches. *telemetry.Manager satisfies it.
type Publisher interface {
	Publish(ev telemetry.Event) int
}

// SenderOptions configure a Sender.
type SenderOptions struct {
	Target         string        // echo server address
	Rate           int           // packets per second, clamped to 1..100
	DelayThreshold time.Duration // default 1000ms
	LossWindow     time.Duration // default 5s
	DialTimeout    time.Duration // default 5s
	StatusEvery    int           // receipts per published envelope; default 10

	Scheduler string // labels on packet events
	Port      int

	Metrics  *metrics.Metrics
	OnStatus func(Status) // called with every published envelope
}

// Status is the sender state reported to the control surface.
type Status struct {
	Running   bool      `json:"isRunning"`
	Target    string    `json:"server"`
	Rate      int       `json:"packetsPerSecond"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	Error     string    `json:"error,omitempty"`
	Stats
}

// Sender drives one probe run at a time against an echo server and publishes
// classified packets as envelope messages.
type Sender struct {
	log  *zap.Logger
	pub  Publisher
	opts SenderOptions

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	tracker   *Tracker
	startedAt time.Time
	lastErr   error

	batchMu  sync.Mutex
	batch    []telemetry.Packet
	receipts int
}

func NewSender(log *zap.Logger, pub Publisher, opts SenderOptions) *Sender {
	if opts.Rate == 0 {
		opts.Rate = DefaultRate
	}
	opts.Rate = ClampRate(opts.Rate)
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.StatusEvery <= 0 {
		opts.StatusEvery = DefaultStatusEvery
	}
	return &Sender{
		log:     log.Named("probe"),
		pub:     pub,
		opts:    opts,
		tracker: NewTracker(opts.DelayThreshold, opts.LossWindow, opts.Scheduler, opts.Port),
	}
}

// Start dials the target, bounded by ctx, and runs until Stop is called or the
// connection fails. A non-empty target or a non-zero rate override the
// configured ones for this and later runs.
func (s *Sender) Start(ctx context.Context, target string, rate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrRunning
	}
	if target != "" {
		s.opts.Target = target
	}
	if rate != 0 {
		s.opts.Rate = ClampRate(rate)
	}
	if s.opts.Target == "" {
		return errors.New("probe target not configured")
	}

	d := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.opts.Target)
	if err != nil {
		s.lastErr = err
		return fmt.Errorf("dial %s: %w", s.opts.Target, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s.tracker = NewTracker(s.opts.DelayThreshold, s.opts.LossWindow, s.opts.Scheduler, s.opts.Port)
	s.batchMu.Lock()
	s.batch, s.receipts = nil, 0
	s.batchMu.Unlock()

	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.startedAt = time.Now()
	s.lastErr = nil

	s.log.Info("probe started", zap.String("target", s.opts.Target), zap.Int("rate", s.opts.Rate))
	go s.run(runCtx, conn, s.tracker, s.opts.Rate)
	return nil
}

func (s *Sender) run(ctx context.Context, conn net.Conn, tr *Tracker, rate int) {
	g, gctx := errgroup.WithContext(ctx)
	context.AfterFunc(gctx, func() { _ = conn.Close() })

	g.Go(func() error { return s.sendLoop(gctx, conn, tr, rate) })
	g.Go(func() error { return s.receiveLoop(conn, tr) })
	g.Go(func() error { return s.expireLoop(gctx, tr) })

	err := g.Wait()
	if ctx.Err() != nil {
		err = nil
	}
	s.flush(tr)

	s.mu.Lock()
	s.running = false
	s.lastErr = err
	cancel := s.cancel
	s.cancel = nil
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.log.Info("probe stopped", zap.Error(err))
	close(done)
}

func (s *Sender) sendLoop(ctx context.Context, conn net.Conn, tr *Tracker, rate int) error {
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	var seq int64
	for {
		seq++
		now := time.Now()
		tr.Sent(seq, now)
		if _, err := conn.Write([]byte(formatLine(seq, now))); err != nil {
			return fmt.Errorf("send packet %d: %w", seq, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sender) receiveLoop(conn net.Conn, tr *Tracker) error {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		seq, sentAt, err := parseLine(sc.Text())
		if err != nil {
			s.log.Debug("invalid echo", zap.String("line", sc.Text()))
			continue
		}
		p, ok := tr.Echoed(seq, sentAt, time.Now())
		if !ok {
			continue
		}
		if p.Status == telemetry.StatusDelayed {
			s.log.Debug("delayed packet", zap.Int64("seq", seq), zap.Int64("rtt_ms", p.RTTMs))
		}
		s.opts.Metrics.ProbePacket(string(p.Status), float64(p.RTTMs)/1000)
		s.add(tr, true, p)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	return errors.New("echo server closed the connection")
}

func (s *Sender) expireLoop(ctx context.Context, tr *Tracker) error {
	ticker := time.NewTicker(expireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			lost := tr.Expire(now)
			for range lost {
				s.opts.Metrics.ProbePacket(string(telemetry.StatusLost), -1)
			}
			if len(lost) > 0 {
				s.add(tr, false, lost...)
				s.flush(tr)
			}
		}
	}
}

// add queues packets for the next envelope, publishing one every StatusEvery
// receipts.
func (s *Sender) add(tr *Tracker, receipt bool, pkts ...telemetry.Packet) {
	s.batchMu.Lock()
	s.batch = append(s.batch, pkts...)
	if receipt {
		s.receipts++
	}
	due := s.receipts >= s.opts.StatusEvery
	s.batchMu.Unlock()

	if due {
		s.flush(tr)
	}
}

func (s *Sender) flush(tr *Tracker) {
	s.batchMu.Lock()
	batch := s.batch
	s.batch, s.receipts = nil, 0
	s.batchMu.Unlock()
	if len(batch) == 0 {
		return
	}

	st := tr.Stats()
	s.pub.Publish(telemetry.PacketEvent(&telemetry.Summary{
		Total:    st.Sent,
		Lost:     st.Lost,
		LossRate: st.LossRate,
	}, batch...))

	if s.opts.OnStatus != nil {
		s.opts.OnStatus(s.Status())
	}
}

// Stop ends the current run and waits for it to finish.
func (s *Sender) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Status reports the current or last run.
func (s *Sender) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:   s.running,
		Target:    s.opts.Target,
		Rate:      s.opts.Rate,
		StartedAt: s.startedAt,
		Stats:     s.tracker.Stats(),
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}
