// Package process owns the lifetime of a single engine subprocess: spawn,
// monitor, stop, and capture its stdout/stderr as two independent line
// streams. Grounded on the teacher's sideload.Module.startStdio (pipe
// capture + a joined monitor goroutine) and sandbox.ProcessSandbox
// (process-group isolation via SysProcAttr), generalized from a one-shot
// tool runner to a long-lived, explicitly stoppable handle.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/pkg/ekerr"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/safego"
)

// Status is the subprocess lifecycle state: initialized -> running ->
// {stopped, crashed, failed}, matching spec §4.1.
type Status int32

const (
	StatusInitialized Status = iota
	StatusRunning
	StatusStopped
	StatusCrashed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusCrashed:
		return "crashed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Process manages one OS subprocess. Not safe for concurrent Start calls;
// EngineManager serializes access via its own locking (spec §5).
type Process struct {
	binary string
	args   []string
	logger *zap.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	status    Status
	startedAt time.Time
	stoppedCh chan struct{} // closed once cmd.Wait returns
	readersWG sync.WaitGroup
	stopped   bool // true iff Stop() initiated the exit
}

// New creates a handle for (but does not launch) binary with args.
func New(binary string, args []string, logger *zap.Logger) *Process {
	return &Process{
		binary: binary,
		args:   args,
		logger: logger.With(zap.String("component", "engine-process"), zap.String("binary", binary)),
		status: StatusInitialized,
	}
}

// Start launches the subprocess. Fails with CodeNotFound if binary can't be
// resolved, CodeAlreadyRunning if called twice, CodeSpawnFailed otherwise.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status == StatusRunning {
		return ekerr.New(ekerr.CodeAlreadyRunning, "process already running")
	}

	resolved, err := exec.LookPath(p.binary)
	if err != nil {
		return ekerr.Wrap(ekerr.CodeNotFound, fmt.Sprintf("engine binary %q not found", p.binary), err)
	}

	cmd := exec.Command(resolved, p.args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ekerr.Wrap(ekerr.CodeSpawnFailed, "create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ekerr.Wrap(ekerr.CodeSpawnFailed, "create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return ekerr.Wrap(ekerr.CodeSpawnFailed, "spawn engine process", err)
	}

	p.cmd = cmd
	p.status = StatusRunning
	p.startedAt = time.Now()
	p.stoppedCh = make(chan struct{})
	p.stopped = false

	p.readersWG.Add(2)
	safego.Go(p.logger, "engine-stdout-drain", func() { p.drain(stdout, false) })
	safego.Go(p.logger, "engine-stderr-drain", func() { p.drain(stderr, true) })

	safego.Go(p.logger, "engine-monitor", p.monitor)

	p.logger.Info("Engine process started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// drain line-splits r, logging each line at INFO (stdout) or WARN (stderr)
// per spec §4.1, until EOF or pipe closure during Stop.
func (p *Process) drain(r io.Reader, isStderr bool) {
	defer p.readersWG.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if isStderr {
			p.logger.Warn("engine stderr", zap.String("line", line))
		} else {
			p.logger.Info("engine stdout", zap.String("line", line))
		}
	}
}

// monitor waits for the subprocess to exit and classifies the resulting
// status: crashed iff the exit was not stop-initiated, stopped iff we
// asked it to stop.
func (p *Process) monitor() {
	p.mu.Lock()
	cmd := p.cmd
	done := p.stoppedCh
	p.mu.Unlock()

	err := cmd.Wait()

	p.mu.Lock()
	p.readersWG.Wait()
	if p.stopped {
		p.status = StatusStopped
	} else if err != nil {
		p.status = StatusCrashed
		p.logger.Warn("Engine process crashed", zap.Error(err))
	} else {
		p.status = StatusCrashed
		p.logger.Warn("Engine process exited unexpectedly")
	}
	p.mu.Unlock()

	close(done)
}

// Stop sends SIGTERM to the process group, waits up to timeout, then sends
// SIGKILL and waits again. Idempotent: a no-op on a non-running handle.
// Always completes even if the process ignores SIGTERM.
func (p *Process) Stop(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	if p.status != StatusRunning {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cmd := p.cmd
	done := p.stoppedCh
	pgid := cmd.Process.Pid
	p.mu.Unlock()

	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-done:
		p.logger.Info("Engine process stopped", zap.Duration("grace", timeout))
		return nil
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	_ = syscall.Kill(-pgid, syscall.SIGKILL)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.logger.Error("Engine process did not exit after SIGKILL")
	}
	return nil
}

// IsRunning reports whether the process is currently running.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status == StatusRunning
}

// PID returns the process ID, or 0 if never started.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// StatusNow returns the current lifecycle status.
func (p *Process) StatusNow() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Uptime returns how long the process has been running, or 0 if not running.
func (p *Process) Uptime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusRunning {
		return 0
	}
	return time.Since(p.startedAt)
}
