package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/resticd/internal/domain"
)

// spawnWaitTimeout bounds how long the client waits for a freshly
// spawned helper to start accepting connections.
const spawnWaitTimeout = 10 * time.Second

// SocketPinger checks channel liveness by dialing the helper socket.
// The helper itself uses it as a self-check; clients prefer a full
// protocol ping over an established Connection.
type SocketPinger struct {
	SocketPath string
}

// Ping dials the socket and reports failure when nothing accepts.
func (p SocketPinger) Ping(ctx context.Context) error {
	dialer := net.Dialer{Timeout: time.Second}
	conn, err := dialer.DialContext(ctx, "unix", p.SocketPath)
	if err != nil {
		return fmt.Errorf("socket %s unreachable: %w", p.SocketPath, domain.ErrProxyUnavailable)
	}
	conn.Close()
	return nil
}

// HelperRunning reports whether a helper is accepting on the socket.
func HelperRunning(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// EnsureHelperRunning spawns the helper process if nothing is accepting
// on the socket, then waits until it is reachable. The helper is the
// same binary re-executed with the serve command, detached into its own
// session so it survives the client exiting.
func EnsureHelperRunning(ctx context.Context, socketPath string, logger *zap.Logger) error {
	if HelperRunning(socketPath) {
		return nil
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate own binary: %w", err)
	}

	cmd := exec.Command(self, "serve")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn helper: %w: %v", domain.ErrLaunchFailed, err)
	}
	// Detach: the helper's lifetime is not tied to this process.
	go func() { _ = cmd.Wait() }()

	logger.Info("Spawned helper", zap.Int("pid", cmd.Process.Pid))

	deadline := time.Now().Add(spawnWaitTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		if HelperRunning(socketPath) {
			return nil
		}
	}
	return fmt.Errorf("helper did not come up within %s: %w", spawnWaitTimeout, domain.ErrProxyUnavailable)
}

// WritePIDFile records the current pid for later stop commands.
func WritePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}

// ReadPIDFile returns the recorded helper pid.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile deletes the pid file, ignoring a missing one.
func RemovePIDFile(path string) {
	_ = os.Remove(path)
}

// StopHelper kills the helper recorded in the pid file. Returns false
// when no helper was running.
func StopHelper(pidFile string, pm domain.ProcessManager, logger *zap.Logger) (bool, error) {
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !pm.IsRunning(pid) {
		RemovePIDFile(pidFile)
		return false, nil
	}
	if err := pm.Kill(pid); err != nil {
		return false, fmt.Errorf("failed to stop helper pid %d: %w", pid, err)
	}
	RemovePIDFile(pidFile)
	logger.Info("Stopped helper", zap.Int("pid", pid))
	return true, nil
}
