package domain

import (
	"context"
	"time"
)

// Runner starts external processes on behalf of the helper.
// Implementation: os/exec with process-group termination.
type Runner interface {
	// Start launches the prepared command and returns a handle to the
	// running process. The context bounds the whole execution; its
	// cancellation terminates the process.
	Start(ctx context.Context, cmd PreparedCommand) (Process, error)
}

// Process is a handle to one running subprocess.
type Process interface {
	// PID returns the OS process id.
	PID() int

	// Wait blocks until the process exits and returns the captured
	// result. Timeout and cancellation surface as ErrTimeout and
	// ErrCancelled respectively, alongside whatever output was drained.
	Wait() (ProcessResult, error)

	// Terminate kills the process group. Safe to call concurrently
	// with Wait.
	Terminate() error
}

// ResourceProbe samples the helper's resource budget.
// Implementation: uses gopsutil for cross-platform support.
type ResourceProbe interface {
	// Snapshot returns a point-in-time resource sample.
	Snapshot(ctx context.Context) (SystemResources, error)
}

// Recorder appends security operation records. Record is fire-and-forget:
// it never fails and never blocks the caller's critical path.
type Recorder interface {
	// Record appends one entry to the audit trail.
	Record(rec SecurityOperationRecord)

	// Records returns a copy of the in-memory trail, oldest first.
	Records() []SecurityOperationRecord
}

// Scope is an active security-scoped claim on one filesystem location.
// Start and stop are idempotent; stop is always safe to call.
type Scope interface {
	// Path returns the resolved filesystem path.
	Path() string

	// StartAccessing begins access. Calling it on an already-accessing
	// scope is a no-op.
	StartAccessing() error

	// StopAccessing ends access. Calling it on a scope that never
	// started is a no-op.
	StopAccessing()

	// IsAccessing reports whether access is currently started.
	IsAccessing() bool
}

// ScopeResolver turns opaque bookmark blobs back into scopes.
type ScopeResolver interface {
	// FromBookmark resolves a bookmark. A stale bookmark is a distinct
	// failure (ErrBookmarkStale) from an undecodable one
	// (ErrBookmarkInvalid).
	FromBookmark(data []byte) (Scope, error)
}

// Pinger checks liveness of the helper connection.
type Pinger interface {
	// Ping performs one round trip over the channel.
	Ping(ctx context.Context) error
}

// DelayFunc waits for d or until the context is cancelled. Injected so
// retry backoff can be made instantaneous in tests.
type DelayFunc func(ctx context.Context, d time.Duration) error

// KeyProvider abstracts the source of encryption keys for the audit
// store.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}
