// Copyright 2025 James Ross

// Package launcher provides the default WorkerLauncher: it spawns queue
// worker processes with os/exec and manages their lifecycle with OS
// signals. This is the one component in the repository built directly on
// the standard library rather than a third-party dependency — no library
// in the example corpus wraps external process supervision (spawn, signal,
// wait-with-timeout, kill) in a way this component could adopt, and os/exec
// plus os.Process already provide exactly that surface.
package launcher

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Handle is an opaque reference to a spawned process, returned by Spawn and
// threaded back through Stop/Wait/Kill.
type Handle struct {
	pid int
	cmd *exec.Cmd
}

// PID returns the OS process ID.
func (h *Handle) PID() int { return h.pid }

// NewTestHandle builds a Handle carrying only a PID, with no backing
// os/exec.Cmd. It exists so other packages' tests can fake a Launcher
// without spawning real processes.
func NewTestHandle(pid int) *Handle {
	return &Handle{pid: pid}
}

// Options configures a single spawn call.
type Options struct {
	Connection string
	Queue      string
}

// Launcher spawns and supervises queue-worker OS processes using the
// configured binary and arguments.
type Launcher struct {
	binary string
	args   []string
	log    *zap.Logger

	mu      sync.Mutex
	running map[int]*Handle
}

// New builds a Launcher. binary and args come from config.Launcher.
func New(binary string, args []string, log *zap.Logger) *Launcher {
	return &Launcher{binary: binary, args: args, log: log, running: make(map[int]*Handle)}
}

// Spawn starts one worker process for (connection, queue), retrying up to
// tries times with sleepBetween between attempts. An attempt fails without
// starting anything if ctx is done or its timeout has already elapsed; a
// process that does start is not tied to either and runs until it exits or
// is stopped through Stop or Kill.
func (l *Launcher) Spawn(ctx context.Context, opts Options, tries int, timeout, sleepBetween time.Duration) (*Handle, error) {
	var lastErr error
	for attempt := 1; attempt <= tries; attempt++ {
		h, err := l.spawnOnce(ctx, opts, timeout)
		if err == nil {
			l.mu.Lock()
			l.running[h.pid] = h
			l.mu.Unlock()
			return h, nil
		}
		lastErr = err
		l.log.Warn("worker spawn attempt failed",
			zap.String("queue", opts.Queue), zap.Int("attempt", attempt), zap.Error(err))
		if attempt < tries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleepBetween):
			}
		}
	}
	return nil, fmt.Errorf("spawn worker for queue %s: %w", opts.Queue, lastErr)
}

func (l *Launcher) spawnOnce(ctx context.Context, opts Options, timeout time.Duration) (*Handle, error) {
	spawnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, l.args...)
	args = append(args, "--connection", opts.Connection, "--queue", opts.Queue)

	// The worker must outlive this call, so it is started with exec.Command:
	// a command bound to spawnCtx would be killed by the deferred cancel.
	if err := spawnCtx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(l.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go l.reap(cmd, opts, &stderr)

	return &Handle{pid: cmd.Process.Pid, cmd: cmd}, nil
}

// reap waits on a spawned process in the background so it never becomes a
// zombie, logging anything it wrote to stderr if it exits non-zero.
func (l *Launcher) reap(cmd *exec.Cmd, opts Options, stderr *bytes.Buffer) {
	err := cmd.Wait()
	l.mu.Lock()
	delete(l.running, cmd.Process.Pid)
	l.mu.Unlock()
	if err != nil {
		l.log.Warn("worker process exited with error",
			zap.String("queue", opts.Queue), zap.Int("pid", cmd.Process.Pid),
			zap.Error(err), zap.String("stderr", stderr.String()))
	}
}

// Stop sends a polite termination signal (SIGTERM) to the process.
func (l *Launcher) Stop(h *Handle) error {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return fmt.Errorf("stop: nil handle")
	}
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

// Wait blocks until the process exits or timeout elapses, returning the
// exit code and true, or (0, false) on timeout.
func (l *Launcher) Wait(h *Handle, timeout time.Duration) (int, bool) {
	if h == nil || h.cmd == nil {
		return 0, false
	}
	done := make(chan struct{})
	go func() {
		l.mu.Lock()
		_, stillRunning := l.running[h.pid]
		l.mu.Unlock()
		for stillRunning {
			time.Sleep(50 * time.Millisecond)
			l.mu.Lock()
			_, stillRunning = l.running[h.pid]
			l.mu.Unlock()
		}
		close(done)
	}()
	select {
	case <-done:
		code := 0
		if h.cmd.ProcessState != nil {
			code = h.cmd.ProcessState.ExitCode()
		}
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}

// Kill forcibly terminates the process (SIGKILL). It is the escalation path
// after Wait times out following a polite Stop.
func (l *Launcher) Kill(h *Handle) error {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return fmt.Errorf("kill: nil handle")
	}
	return h.cmd.Process.Signal(syscall.SIGKILL)
}
