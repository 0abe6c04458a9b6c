package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/eliteGoblin/resticd/internal/domain"
)

// maxCaptureBytes caps each of stdout/stderr kept in memory per run.
const maxCaptureBytes = 4 * 1024 * 1024

// timeoutExitCode mirrors the shell convention for timed-out commands.
const timeoutExitCode = 124

// captureWriter buffers subprocess output up to a fixed limit.
type captureWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCaptureWriter(limit int) *captureWriter {
	return &captureWriter{limit: limit}
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	remaining := w.limit - w.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
			w.truncated = true
		} else {
			w.buf.Write(p)
		}
	} else {
		w.truncated = true
	}
	return len(p), nil
}

func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// ExecRunner implements domain.Runner using os/exec. Each subprocess
// runs in its own process group so termination reaps children too.
type ExecRunner struct {
	logger *zap.Logger
}

// NewExecRunner creates a runner.
func NewExecRunner(logger *zap.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Start launches the prepared command with its timeout applied.
func (r *ExecRunner) Start(ctx context.Context, prepared domain.PreparedCommand) (domain.Process, error) {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if prepared.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, prepared.Timeout)
	}

	cmd := exec.CommandContext(runCtx, prepared.Command, prepared.Args...)
	cmd.Dir = prepared.WorkingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := make([]string, 0, len(prepared.Env))
	for k, v := range prepared.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	stdout := newCaptureWriter(maxCaptureBytes)
	stderr := newCaptureWriter(maxCaptureBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", domain.ErrLaunchFailed, err)
	}

	pgid := 0
	if gp, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		pgid = gp
	}

	r.logger.Debug("subprocess started",
		zap.String("command", prepared.Command),
		zap.Int("pid", cmd.Process.Pid))

	return &execProcess{
		cmd:    cmd,
		ctx:    runCtx,
		cancel: cancel,
		pgid:   pgid,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

// execProcess is a handle to one running subprocess.
type execProcess struct {
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc
	pgid   int
	stdout *captureWriter
	stderr *captureWriter
}

// PID returns the OS process id.
func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

// Wait blocks until exit, drains output, and maps the outcome.
func (p *execProcess) Wait() (domain.ProcessResult, error) {
	defer p.cancel()

	waitErr := p.cmd.Wait()

	result := domain.ProcessResult{
		Output: p.stdout.String(),
		Error:  p.stderr.String(),
	}

	if p.ctx.Err() != nil {
		// Make sure no stragglers in the group survive.
		_ = p.killGroup()
	}

	switch {
	case errors.Is(p.ctx.Err(), context.DeadlineExceeded):
		result.ExitCode = timeoutExitCode
		return result, domain.ErrTimeout
	case errors.Is(p.ctx.Err(), context.Canceled):
		result.ExitCode = timeoutExitCode
		return result, domain.ErrCancelled
	}

	if waitErr == nil {
		result.ExitCode = 0
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("%w: %v", domain.ErrLaunchFailed, waitErr)
}

// Terminate kills the whole process group. Safe to call concurrently
// with Wait; a second call is a no-op at the OS level.
func (p *execProcess) Terminate() error {
	return p.killGroup()
}

func (p *execProcess) killGroup() error {
	if p.pgid > 0 {
		return syscall.Kill(-p.pgid, syscall.SIGKILL)
	}
	if p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// Ensure implementations satisfy the domain interfaces.
var _ domain.Runner = (*ExecRunner)(nil)
var _ domain.Process = (*execProcess)(nil)
