//go:build linux

package processmgr

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/edirooss/mptcp-relay/pkg/ringbuf"
	"go.uber.org/zap"
)

// Process encapsulates a supervised external worker command.
// Features:
//   - race-free pipe setup (stdin/stdout/stderr)
//   - continuous pipe supervision with failure detection
//   - deterministic teardown (SIGTERM → grace → SIGKILL) of the whole process group
//   - idempotent Start / Close lifecycle
//
// Canonical usage:
//
//	p → Start() → write Stdin() → <-Done()
//
// Close() is valid only after Start() succeeds.
type Process struct {
	log    *zap.Logger
	logBuf *ringbuf.Buffer[string]
	onLine func(pipe, line string)
	grace  time.Duration

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	stdin  io.WriteCloser

	// Closed after the process is fully reaped.
	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	started atomic.Bool
	cmdPid  atomic.Int64

	// Exit metadata; written before done is closed.
	exitErr  error
	exitCode int

	// Protects mutable state during lifecycle transitions.
	mu sync.Mutex
}

// Options configures a Process. The zero value is usable.
type Options struct {
	Env []string

	// Logs receives every stdout/stderr line. Optional.
	Logs *ringbuf.Buffer[string]

	// OnLine is invoked for every stdout/stderr line. It is called from the
	// pipe drain goroutines (possibly concurrently) and must not block.
	OnLine func(pipe, line string)

	// KillGrace is the interval between SIGTERM and SIGKILL. Default 3s.
	KillGrace time.Duration
}

const defaultKillGrace = 3 * time.Second

// ErrInvalidArgv is returned by New for an empty argument vector.
var ErrInvalidArgv = errors.New("invalid argv")

// New constructs a process wrapper around exec.Cmd.
//
// It performs early pipe allocation and applies Linux-specific attributes:
//   - Setpgid: isolates the child into its own process group
//   - Pdeathsig: ensures child receives SIGKILL if the parent dies
func New(log *zap.Logger, argv []string, opts Options) (*Process, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrInvalidArgv
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Logs == nil {
		opts.Logs = ringbuf.New[string](500)
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, stderr, stdin, err := pipes(cmd)
	if err != nil {
		return nil, fmt.Errorf("pipe initialization: %w", err)
	}

	cmd.Env = opts.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	return &Process{
		log:      log,
		logBuf:   opts.Logs,
		onLine:   opts.OnLine,
		grace:    opts.KillGrace,
		cmd:      cmd,
		stdout:   stdout,
		stderr:   stderr,
		stdin:    stdin,
		done:     make(chan struct{}),
		exitCode: -1,
	}, nil
}

// Start launches the command exactly once. On success background supervisors
// begin consuming stdout/stderr and Done() fires when the process is reaped.
func (p *Process) Start() error {
	err := errors.New("process already started")

	p.startOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		if err = p.cmd.Start(); err != nil {
			p.log.Error("failed to start command", zap.Error(err))
			return
		}

		pid := p.cmd.Process.Pid
		p.started.Store(true)
		p.cmdPid.Store(int64(pid))

		p.log.Info("process started", zap.Int("cmd_pid", pid))
		go p.supervise()
	})

	return err
}

const (
	Stdout string = "stdout"
	Stderr string = "stderr"
)

// supervise orchestrates the complete end-to-end lifecycle:
//
//   - multiplexes stdout/stderr readers
//   - differentiates genuine pipe faults from exit-transition races
//   - performs a single Wait() to reap the child
//   - fires the Done() signal
//
// On Linux, pipe closure frequently precedes actual process exit due to
// user-space teardown ordering. A bounded grace interval is applied to
// avoid misclassifying such events.
func (p *Process) supervise() {
	pipeDone := make(chan string, 2)

	go func() {
		p.drain(Stdout, p.stdout)
		pipeDone <- Stdout
	}()
	go func() {
		p.drain(Stderr, p.stderr)
		pipeDone <- Stderr
	}()

	first := <-pipeDone
	p.log.Debug("first pipe ended", zap.String("pipe", first))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	select {
	case second := <-pipeDone:
		p.log.Debug("second pipe ended", zap.String("pipe", second))

		// Both pipes closed but the process may still be alive (e.g. it closed
		// its stdio on purpose). Give it a bounded window to exit naturally.
		go func() {
			select {
			case <-p.done:
			case <-time.After(250 * time.Millisecond):
				p.Close()
			}
		}()

	case <-ctx.Done():
		p.log.Warn("second pipe did not close in grace interval; issuing shutdown")
		p.Close()

		second := <-pipeDone
		p.log.Debug("second pipe ended", zap.String("pipe", second))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.cmd.Wait()
	p.exitErr = err
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}

	if err != nil {
		var eerr *exec.ExitError
		if errors.As(err, &eerr) {
			status := eerr.ProcessState.Sys().(syscall.WaitStatus)
			p.log.Info("process exited with error status",
				zap.Int("exit_code", status.ExitStatus()),
				zap.Bool("signaled", status.Signaled()),
				zap.String("signal", status.Signal().String()))
		} else {
			p.log.Error("failed to wait for process", zap.Error(err))
		}
	} else {
		p.log.Info("process exited cleanly")
	}

	close(p.done)
}

// drain streams one pipe line by line into the shared log buffer and the
// line hook. Both \n and \r terminate a line, since encoders redraw their
// progress line with a bare carriage return.
func (p *Process) drain(pipe string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(scanLinesCR)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		p.logBuf.Append(line)
		if p.onLine != nil {
			p.onLine(pipe, line)
		}
	}

	if err := sc.Err(); err != nil {
		p.log.Error("pipe scanner failure", zap.String("pipe", pipe), zap.Error(err))
	}
}

// scanLinesCR is bufio.ScanLines extended to treat a lone '\r' as a terminator.
func scanLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Stdin returns the write side of the child's standard input.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Pid returns the OS process ID, or 0 before Start.
func (p *Process) Pid() int { return int(p.cmdPid.Load()) }

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the Wait() result. Valid after Done() fires.
func (p *Process) Err() error {
	<-p.done
	return p.exitErr
}

// ExitCode returns the exit code, or -1 if the process was terminated by a
// signal. Valid after Done() fires.
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

// Close initiates deterministic shutdown:
//
//   - closes stdin to interrupt blocking reads in the child
//   - sends SIGTERM to the process group
//   - escalates to SIGKILL after the grace interval if still alive
//
// Close() is idempotent, concurrency-safe and non-blocking; wait on Done()
// to observe the reap.
func (p *Process) Close() {
	p.closeOnce.Do(func() {
		go func() {
			if !p.started.Load() {
				p.log.Warn("Close() called before Start(); ignored")
				return
			}

			select {
			case <-p.done:
				p.log.Debug("Close() called after Done(); ignored")
				return
			default:
			}

			_ = p.stdin.Close()

			pid := int(p.cmdPid.Load())
			if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
				p.log.Warn("SIGTERM failed", zap.Error(err), zap.Int("cmd_pid", pid))
			} else {
				p.log.Debug("SIGTERM sent", zap.Int("cmd_pid", pid))
			}

			timer := time.NewTimer(p.grace)
			defer timer.Stop()

			select {
			case <-p.done:
				p.log.Info("process exited gracefully", zap.Int("cmd_pid", pid))

			case <-timer.C:
				p.log.Warn("grace timeout expired; sending SIGKILL", zap.Int("cmd_pid", pid))
				if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
					p.log.Error("SIGKILL failed", zap.Error(err), zap.Int("cmd_pid", pid))
				}
			}
		}()
	})
}

// pipes prepares stdin, stdout and stderr for exec.Cmd.
//
// exec.Cmd does NOT own these pipes until Start() succeeds; if any pipe fails
// here, all previously-created pipes are closed so no file descriptors leak.
func pipes(cmd *exec.Cmd) (io.ReadCloser, io.ReadCloser, io.WriteCloser, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe creation failure: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, nil, nil, fmt.Errorf("stderr pipe creation failure: %w", err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, nil, nil, fmt.Errorf("stdin pipe creation failure: %w", err)
	}

	return stdout, stderr, stdin, nil
}
