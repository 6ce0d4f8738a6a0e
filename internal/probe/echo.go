package probe

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/edirooss/mptcp-relay/pkg/ringbuf"
	"go.uber.org/zap"
)

// recentSeqs is how many echoed sequence numbers EchoServer remembers.
const recentSeqs = 50

// EchoServer answers every valid probe line with the same line.
type EchoServer struct {
	log  *zap.Logger
	addr string

	received atomic.Int64
	recent   *ringbuf.Buffer[int64]

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewEchoServer(log *zap.Logger, addr string) *EchoServer {
	return &EchoServer{
		log:   log.Named("echo"),
		addr:   addr,
		recent: ringbuf.New[int64](recentSeqs),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Addr returns the bound address, or nil before serving.
func (s *EchoServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Received returns the number of lines echoed so far.
func (s *EchoServer) Received() int64 { return s.received.Load() }

// Recent returns up to n of the last echoed sequence numbers, oldest first.
func (s *EchoServer) Recent(n int) []int64 {
	newest := s.recent.Newest(n)
	for i, j := 0, len(newest)-1; i < j; i, j = i+1, j-1 {
		newest[i], newest[j] = newest[j], newest[i]
	}
	return newest
}

// Active returns the number of connected clients.
func (s *EchoServer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *EchoServer) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done or Close is called, then closes all
// client connections and waits for their handlers.
func (s *EchoServer) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("echo listening", zap.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.closeConns()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *EchoServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	s.log.Info("client connected", zap.String("remote", remote))

	w := bufio.NewWriter(conn)
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		seq, _, err := parseLine(line)
		if err != nil {
			continue
		}
		if _, err := w.WriteString(line + "\n"); err != nil {
			break
		}
		// Flush per line so RTT reflects the path, not our buffering.
		if err := w.Flush(); err != nil {
			break
		}
		s.recent.Append(seq)
		if n := s.received.Add(1); n%100 == 0 {
			s.log.Debug("echoed", zap.Int64("total", n))
		}
	}
	s.log.Info("client disconnected",
		zap.String("remote", remote),
		zap.Int64("total", s.received.Load()),
		zap.Int64s("last", s.Recent(20)),
	)
}

func (s *EchoServer) closeConns() {
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Close stops accepting and drops all clients.
func (s *EchoServer) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}
