//go:build linux

package processmgr

import (
	"errors"
	"io"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/edirooss/mptcp-relay/pkg/ringbuf"
	"go.uber.org/zap/zaptest"
)

func waitDone(t *testing.T, p *Process, within time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(within):
		t.Fatalf("process %d not reaped within %s", p.Pid(), within)
	}
}

func TestProcess_ExitStatusAndLogs(t *testing.T) {
	logs := ringbuf.New[string](10)
	p, err := New(zaptest.NewLogger(t), []string{"/bin/sh", "-c", "echo out; echo err >&2; exit 3"}, Options{Logs: logs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p, 5*time.Second)

	if got := p.ExitCode(); got != 3 {
		t.Errorf("ExitCode = %d, want 3", got)
	}
	if p.Err() == nil {
		t.Error("Err should report the non-zero exit")
	}

	joined := strings.Join(logs.Snapshot(), "|")
	if !strings.Contains(joined, "out") || !strings.Contains(joined, "err") {
		t.Errorf("expected both pipes in log buffer, got %q", joined)
	}
}

func TestProcess_StdinIsForwarded(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	p, err := New(zaptest.NewLogger(t), []string{"/bin/cat"}, Options{
		OnLine: func(pipe, line string) {
			mu.Lock()
			defer mu.Unlock()
			if pipe == Stdout {
				lines = append(lines, line)
			}
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := io.WriteString(p.Stdin(), "hello\rworld\n"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	_ = p.stdin.Close() // EOF lets cat flush and exit on its own
	waitDone(t, p, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(lines, ",") != "hello,world" {
		t.Errorf("lines = %q, want [hello world]", lines)
	}
}

func TestProcess_CloseEscalatesToSIGKILL(t *testing.T) {
	p, err := New(zaptest.NewLogger(t),
		[]string{"/bin/sh", "-c", `trap "" TERM; while :; do sleep 0.05; done`},
		Options{KillGrace: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	p.Close()
	p.Close() // idempotent
	waitDone(t, p, 5*time.Second)

	if got := p.ExitCode(); got != -1 {
		t.Errorf("ExitCode = %d, want -1 (signaled)", got)
	}
	if err := syscall.Kill(p.Pid(), 0); !errors.Is(err, syscall.ESRCH) {
		t.Errorf("process still exists after reap: %v", err)
	}
}

func TestProcess_StartFailure(t *testing.T) {
	p, err := New(zaptest.NewLogger(t), []string{"/nonexistent/worker-binary"}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(); err == nil {
		t.Fatal("expected Start to fail for a missing binary")
	}
	if err := p.Start(); err == nil {
		t.Fatal("second Start must not succeed")
	}
}

func TestNew_RejectsEmptyArgv(t *testing.T) {
	if _, err := New(nil, nil, Options{}); !errors.Is(err, ErrInvalidArgv) {
		t.Errorf("err = %v, want ErrInvalidArgv", err)
	}
}
