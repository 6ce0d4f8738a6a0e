//go:build linux

package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edirooss/mptcp-relay/internal/infrastructure/processmgr"
	"github.com/google/uuid"
)

// Session binds one ingest connection to one worker process. Both handles
// are released by a single finalizer regardless of which side ended first.
type Session struct {
	ID        string
	CreatedAt time.Time

	conn net.Conn
	proc *processmgr.Process

	bytesIn atomic.Int64

	mu     sync.Mutex
	reason error // first recorded cause wins

	termOnce sync.Once
	done     chan struct{}
}

func newSession(conn net.Conn, proc *processmgr.Process) *Session {
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		conn:      conn,
		proc:      proc,
		done:      make(chan struct{}),
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		WorkerPID: s.proc.Pid(),
		BytesIn:   s.bytesIn.Load(),
	}
	if addr := s.conn.RemoteAddr(); addr != nil {
		info.RemoteAddr = addr.String()
	}
	return info
}

// Terminate ends the session for reason: it closes the ingest connection and
// asks the worker to exit. Idempotent; the first reason recorded is kept.
// Wait on Done() for the worker to be reaped and the store purged.
func (s *Session) Terminate(reason error) {
	s.setReason(reason)
	s.termOnce.Do(func() {
		_ = s.conn.Close()
		s.proc.Close()
	})
}

// Done is closed after the worker is reaped and the store is purged.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended. Valid after Done() fires.
func (s *Session) Err() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) setReason(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.reason == nil {
		s.reason = err
	}
	s.mu.Unlock()
}

// errWorkerStdin marks a failed write to the worker's stdin, which means the
// worker is gone or going.
var errWorkerStdin = errors.New("worker stdin")

// pump copies the ingest stream into the worker's stdin through buf. The
// blocking write is the only back-pressure point: a slow worker stalls the
// socket read. Returns nil on clean EOF.
func (s *Session) pump(buf []byte, count func(int)) error {
	stdin := s.proc.Stdin()
	for {
		n, rerr := s.conn.Read(buf)
		if n > 0 {
			if _, werr := stdin.Write(buf[:n]); werr != nil {
				return fmt.Errorf("%w: %v", errWorkerStdin, werr)
			}
			s.bytesIn.Add(int64(n))
			count(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

func workerExitErr(p *processmgr.Process) error {
	if err := p.Err(); err != nil {
		return fmt.Errorf("%w (code %d): %v", ErrWorkerExited, p.ExitCode(), err)
	}
	return fmt.Errorf("%w (code 0)", ErrWorkerExited)
}

func ingestErr(err error) error {
	if err == nil {
		return ErrIngestClosed
	}
	return fmt.Errorf("%w: %v", ErrIngestClosed, err)
}
