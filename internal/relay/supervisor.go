//go:build linux

package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/edirooss/mptcp-relay/internal/infrastructure/processmgr"
	"github.com/edirooss/mptcp-relay/internal/metrics"
	"github.com/edirooss/mptcp-relay/internal/segstore"
	"github.com/edirooss/mptcp-relay/pkg/ringbuf"
	"go.uber.org/zap"
)

// copyBufferSize bounds the data held between the ingest socket and the
// worker's stdin.
const copyBufferSize = 32 << 10

// Options configure a Supervisor.
type Options struct {
	Argv      []string      // worker command line; the worker reads media from stdin
	Env       []string      // worker environment; nil inherits ours
	KillGrace time.Duration // SIGTERM to SIGKILL interval

	Observer     Observer
	OnWorkerLine func(pipe, line string)
	LogLines     int // worker log ring capacity; default 500
	Metrics      *metrics.Metrics
}

// Supervisor runs at most one worker at a time, each bound to one ingest
// connection. A new connection displaces the active session: its worker is
// killed and reaped and the store purged before the next worker is spawned.
type Supervisor struct {
	log   *zap.Logger
	store *segstore.Store
	opts  Options
	logs  *ringbuf.Buffer[string]

	// startMu serializes Start, Stop and Shutdown. It is never taken by a
	// session finalizer, which only needs mu.
	startMu sync.Mutex

	mu     sync.Mutex
	active *Session
	last   *Outcome
	closed bool
}

// NewSupervisor returns an idle supervisor writing into store.
func NewSupervisor(log *zap.Logger, store *segstore.Store, opts Options) *Supervisor {
	if opts.LogLines <= 0 {
		opts.LogLines = 500
	}
	return &Supervisor{
		log:   log.Named("supervisor"),
		store: store,
		opts:  opts,
		logs:  ringbuf.New[string](opts.LogLines),
	}
}

// Preflight checks that a session could be started: the worker binary
// resolves and the store directory exists.
func (sv *Supervisor) Preflight() error {
	if len(sv.opts.Argv) == 0 {
		return fmt.Errorf("%w: empty worker command", ErrWorkerSpawn)
	}
	if _, err := exec.LookPath(sv.opts.Argv[0]); err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerSpawn, err)
	}
	if fi, err := os.Stat(sv.store.Dir()); err != nil || !fi.IsDir() {
		return fmt.Errorf("segment store %s unavailable: %v", sv.store.Dir(), err)
	}
	return nil
}

// Start binds conn to a new worker, terminating any active session first.
// The supervisor owns conn from this call on, including on error.
func (sv *Supervisor) Start(ctx context.Context, conn net.Conn) (*Session, error) {
	sv.startMu.Lock()
	defer sv.startMu.Unlock()

	sv.mu.Lock()
	closed := sv.closed
	sv.mu.Unlock()
	if closed {
		_ = conn.Close()
		return nil, ErrClosed
	}

	if err := sv.stopActive(ctx, ErrDisplaced); err != nil {
		_ = conn.Close()
		return nil, err
	}

	sv.purge()

	proc, err := processmgr.New(sv.log.Named("worker"), sv.opts.Argv, processmgr.Options{
		Env:       sv.opts.Env,
		Logs:      sv.logs,
		OnLine:    sv.opts.OnWorkerLine,
		KillGrace: sv.opts.KillGrace,
	})
	if err == nil {
		err = proc.Start()
	}
	if err != nil {
		_ = conn.Close()
		err = fmt.Errorf("%w: %v", ErrWorkerSpawn, err)
		sv.log.Error("worker spawn failed", zap.Error(err))
		sv.opts.Metrics.SessionStarted(false)
		sv.mu.Lock()
		sv.last = &Outcome{EndedAt: time.Now(), Reason: Reason(err), Error: err.Error()}
		sv.mu.Unlock()
		return nil, err
	}

	s := newSession(conn, proc)
	sv.mu.Lock()
	sv.active = s
	sv.mu.Unlock()

	info := s.Info()
	sv.log.Info("session started",
		zap.String("session", s.ID),
		zap.String("remote", info.RemoteAddr),
		zap.Int("worker_pid", info.WorkerPID))
	sv.opts.Metrics.SessionStarted(true)
	if sv.opts.Observer != nil {
		sv.opts.Observer.SessionStarted(info)
	}

	go sv.run(s)
	return s, nil
}

// run is the only finalizer of s.
func (sv *Supervisor) run(s *Session) {
	pumped := make(chan error, 1)
	go func() {
		buf := make([]byte, copyBufferSize)
		pumped <- s.pump(buf, sv.opts.Metrics.AddIngestBytes)
	}()

	select {
	case err := <-pumped:
		if errors.Is(err, errWorkerStdin) {
			_ = s.conn.Close()
			s.proc.Close()
			<-s.proc.Done()
			s.setReason(workerExitErr(s.proc))
		} else {
			s.setReason(ingestErr(err))
			_ = s.conn.Close()
			s.proc.Close()
			<-s.proc.Done()
		}

	case <-s.proc.Done():
		s.setReason(workerExitErr(s.proc))
		_ = s.conn.Close()
		<-pumped
	}

	sv.purge()

	s.mu.Lock()
	err := s.reason
	s.mu.Unlock()
	info := s.Info()

	sv.mu.Lock()
	if sv.active == s {
		sv.active = nil
	}
	sv.last = &Outcome{SessionID: s.ID, EndedAt: time.Now(), Reason: Reason(err), Error: err.Error()}
	sv.mu.Unlock()

	sv.log.Info("session ended",
		zap.String("session", s.ID),
		zap.String("reason", Reason(err)),
		zap.Int64("bytes_in", info.BytesIn),
		zap.Error(err))
	sv.opts.Metrics.SessionEnded(Reason(err))
	if sv.opts.Observer != nil {
		sv.opts.Observer.SessionEnded(info, err)
	}

	close(s.done)
}

func (sv *Supervisor) purge() {
	err := sv.store.Purge()
	sv.opts.Metrics.StorePurged(err)
	if err != nil {
		sv.log.Warn("segment store purge failed", zap.Error(err))
	}
}

// stopActive terminates the active session, if any, and waits for it to be
// finalized. Caller holds startMu.
func (sv *Supervisor) stopActive(ctx context.Context, reason error) error {
	sv.mu.Lock()
	s := sv.active
	sv.mu.Unlock()
	if s == nil {
		return nil
	}

	sv.log.Info("terminating session", zap.String("session", s.ID), zap.String("reason", Reason(reason)))
	s.Terminate(reason)

	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session %s: %w", s.ID, ctx.Err())
	}
}

// Stop force-terminates the active session without a new connection.
func (sv *Supervisor) Stop(ctx context.Context) error {
	sv.startMu.Lock()
	defer sv.startMu.Unlock()

	if _, ok := sv.Active(); !ok {
		return ErrNoSession
	}
	return sv.stopActive(ctx, ErrStopped)
}

// Shutdown stops the active session and refuses further starts.
func (sv *Supervisor) Shutdown(ctx context.Context) error {
	sv.startMu.Lock()
	defer sv.startMu.Unlock()

	sv.mu.Lock()
	sv.closed = true
	sv.mu.Unlock()

	return sv.stopActive(ctx, ErrStopped)
}

// Active returns the current session, if any.
func (sv *Supervisor) Active() (SessionInfo, bool) {
	sv.mu.Lock()
	s := sv.active
	sv.mu.Unlock()
	if s == nil {
		return SessionInfo{}, false
	}
	return s.Info(), true
}

// Status reports the active session and the last outcome.
func (sv *Supervisor) Status() Status {
	sv.mu.Lock()
	s, last := sv.active, sv.last
	sv.mu.Unlock()

	var st Status
	if s != nil {
		info := s.Info()
		st.Active = true
		st.Session = &info
	}
	if last != nil {
		l := *last
		st.Last = &l
	}
	return st
}

// Logs returns up to n recent worker output lines, newest first.
func (sv *Supervisor) Logs(n int) []string {
	out := sv.logs.Newest(n)
	if out == nil {
		return []string{}
	}
	return out
}

// Store returns the segment store the worker writes to.
func (sv *Supervisor) Store() *segstore.Store { return sv.store }
