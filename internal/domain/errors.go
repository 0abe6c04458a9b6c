package domain

import (
	"errors"
	"fmt"
)

// Connection errors. Each validation condition is reported with its own
// sentinel so callers can tell exactly what is wrong with the channel.
var (
	// ErrNotConnected means no connection has been established yet.
	ErrNotConnected = errors.New("connection not established")

	// ErrConnectionInvalidated means the connection was torn down and
	// must be re-created before use.
	ErrConnectionInvalidated = errors.New("connection invalidated")

	// ErrConnectionInterrupted means the channel dropped mid-exchange.
	// Interrupted requests are candidates for bounded retry.
	ErrConnectionInterrupted = errors.New("connection interrupted")

	// ErrNoInvalidationHandler means the caller never attached an
	// invalidation handler, so connection loss would go unnoticed.
	ErrNoInvalidationHandler = errors.New("invalidation handler not set")

	// ErrInterfaceMissing means the handshake did not advertise the
	// expected capability set on one side of the channel.
	ErrInterfaceMissing = errors.New("interface configuration missing")

	// ErrProxyUnavailable means the remote endpoint cannot be reached
	// even though a connection object exists.
	ErrProxyUnavailable = errors.New("remote endpoint unavailable")

	// ErrAuditSessionMismatch means the peer does not belong to the
	// same user session as the helper.
	ErrAuditSessionMismatch = errors.New("audit session mismatch")

	// ErrServiceUnavailable means the helper or its restic binary is
	// not in a state to accept commands.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Security errors.
var (
	// ErrAccessDenied means security-scoped access could not be started
	// for a required path.
	ErrAccessDenied = errors.New("access denied")

	// ErrBookmarkStale means a bookmark resolved to a target whose
	// identity changed since creation. Stale bookmarks must be
	// re-created, never silently reused.
	ErrBookmarkStale = errors.New("bookmark is stale")

	// ErrBookmarkInvalid means the bookmark blob could not be decoded
	// or resolved at all.
	ErrBookmarkInvalid = errors.New("bookmark resolution failed")
)

// Execution errors.
var (
	// ErrLaunchFailed means the subprocess could not be started.
	ErrLaunchFailed = errors.New("process launch failed")

	// ErrTimeout means the subprocess exceeded its configured timeout
	// and was terminated.
	ErrTimeout = errors.New("command timed out")

	// ErrCancelled means the operation was cancelled by the caller.
	// Cancellation is a distinct outcome from failure.
	ErrCancelled = errors.New("operation cancelled")
)

// ValidationError reports a malformed command or configuration value.
// Detected before any subprocess is spawned; carries no side effects.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ResourceError reports that the helper's resource budget is below the
// configured minimum for the named resource.
type ResourceError struct {
	Resource string
	Reason   string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("insufficient %s: %s", e.Resource, e.Reason)
}

// ExitError reports a subprocess that ran to completion with a non-zero
// exit code. The captured stderr is preserved for diagnosis.
type ExitError struct {
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("restic exited with code %d", e.ExitCode)
}

// IsTransient reports whether err is a connection-level failure worth a
// bounded retry. Validation, resource, and execution failures are
// terminal by definition.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionInterrupted) ||
		errors.Is(err, ErrProxyUnavailable) ||
		errors.Is(err, ErrServiceUnavailable)
}
