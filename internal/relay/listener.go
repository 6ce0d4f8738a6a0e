//go:build linux

package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener accepts ingest connections on one TCP address and hands each, in
// arrival order, to the Supervisor.
type Listener struct {
	log  *zap.Logger
	addr string
	sup  *Supervisor

	mu sync.Mutex
	ln net.Listener
}

// NewListener returns a listener for addr; nothing is bound until
// ListenAndServe.
func NewListener(log *zap.Logger, addr string, sup *Supervisor) *Listener {
	return &Listener{
		log:  log.Named("ingest"),
		addr: addr,
		sup:  sup,
	}
}

// Addr returns the bound address, or nil before ListenAndServe binds.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ListenAndServe binds and accepts until ctx is done or Close is called. On
// return the active session has been stopped.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return err
	}
	return l.Serve(ctx, ln)
}

// Serve accepts on ln; see ListenAndServe.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.log.Info("ingest listening", zap.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.sup.Stop(sctx); err != nil && !errors.Is(err, ErrNoSession) {
			l.log.Warn("stop active session", zap.Error(err))
		}
	}()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// EMFILE and friends: back off and keep accepting.
			tempDelay = backoff(tempDelay)
			l.log.Warn("accept error; retrying", zap.Error(err), zap.Duration("delay", tempDelay))
			select {
			case <-time.After(tempDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		tempDelay = 0

		l.log.Info("ingest connection", zap.String("remote", conn.RemoteAddr().String()))
		if _, err := l.sup.Start(ctx, conn); err != nil {
			l.log.Error("session start failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			if errors.Is(err, ErrClosed) {
				return nil
			}
		}
	}
}

// Close stops accepting. The active session is stopped by Serve on return.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
