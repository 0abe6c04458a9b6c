// Package ipc implements the framed message-passing channel between the
// GUI client and the privileged helper over a unix domain socket.
//
// Every message is one frame: a 4-byte big-endian length prefix followed
// by a JSON-encoded Envelope. Requests and replies are correlated by
// envelope ID, so replies may arrive out of order.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/eliteGoblin/resticd/internal/domain"
)

// ProtocolVersion is bumped on any wire-incompatible change. Both sides
// must agree during the handshake.
const ProtocolVersion = 1

// maxFrameSize bounds a single frame. Command output is capped well
// below this by the runner, so anything larger is a protocol violation.
const maxFrameSize = 16 * 1024 * 1024

// Message types carried in Envelope.Type.
const (
	TypeHandshake = "handshake"
	TypeExecute   = "execute"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeResources = "resources"
	TypeCancel    = "cancel"
	TypeStatus    = "status"
	TypeResult    = "result"
	TypeError     = "error"
)

// Capabilities advertised by the helper during the handshake. A client
// refuses to talk to a helper that does not cover RequiredCapabilities.
var (
	ServerCapabilities   = []string{"execute", "ping", "resources", "cancel", "status"}
	RequiredCapabilities = []string{"execute", "ping"}
)

// Envelope is the unit of exchange on the wire.
type Envelope struct {
	ID      uuid.UUID       `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handshake is the first frame in each direction. Session carries the
// numeric user id of the sender so both sides can verify they belong to
// the same user session.
type Handshake struct {
	ProtocolVersion int      `json:"protocol_version"`
	Session         int      `json:"session"`
	PID             int      `json:"pid"`
	Capabilities    []string `json:"capabilities"`
}

// ExecuteRequest asks the helper to run one command.
type ExecuteRequest struct {
	Command domain.CommandConfig `json:"command"`
}

// ResultReply carries the outcome of an execute request. ErrorKind is
// empty on success.
type ResultReply struct {
	Result    domain.ProcessResult `json:"result"`
	ErrorKind string               `json:"error_kind,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// ResourcesReply carries a resource sample.
type ResourcesReply struct {
	Resources domain.SystemResources `json:"resources"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// CancelReply reports whether anything was cancelled.
type CancelReply struct {
	Cancelled bool `json:"cancelled"`
}

// StatusReply is the helper's self-report.
type StatusReply struct {
	Health  domain.HealthStatus `json:"health"`
	Version string              `json:"version"`
	PID     int                 `json:"pid"`
}

// ErrorReply rejects a request outright (bad handshake, unknown type).
type ErrorReply struct {
	ErrorKind string `json:"error_kind"`
	Error     string `json:"error"`
}

// WriteFrame encodes env as one length-prefixed frame.
func WriteFrame(w io.Writer, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame decodes the next frame from r.
func ReadFrame(r io.Reader) (Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Envelope{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return Envelope{}, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	return env, nil
}

// Error kinds carried on the wire. Kinds map one-to-one onto the domain
// sentinels so callers on the client side can use errors.Is across the
// process boundary.
const (
	KindNotConnected       = "not_connected"
	KindInvalidated        = "invalidated"
	KindInterrupted        = "interrupted"
	KindNoHandler          = "no_invalidation_handler"
	KindInterfaceMissing   = "interface_missing"
	KindProxyUnavailable   = "proxy_unavailable"
	KindAuditSession       = "audit_session_mismatch"
	KindServiceUnavailable = "service_unavailable"
	KindAccessDenied       = "access_denied"
	KindBookmarkStale      = "bookmark_stale"
	KindBookmarkInvalid    = "bookmark_invalid"
	KindLaunchFailed       = "launch_failed"
	KindTimeout            = "timeout"
	KindCancelled          = "cancelled"
	KindValidation         = "validation"
	KindResource           = "resource"
	KindExit               = "exit"
	KindInternal           = "internal"
)

var sentinelKinds = []struct {
	err  error
	kind string
}{
	{domain.ErrNotConnected, KindNotConnected},
	{domain.ErrConnectionInvalidated, KindInvalidated},
	{domain.ErrConnectionInterrupted, KindInterrupted},
	{domain.ErrNoInvalidationHandler, KindNoHandler},
	{domain.ErrInterfaceMissing, KindInterfaceMissing},
	{domain.ErrProxyUnavailable, KindProxyUnavailable},
	{domain.ErrAuditSessionMismatch, KindAuditSession},
	{domain.ErrServiceUnavailable, KindServiceUnavailable},
	{domain.ErrAccessDenied, KindAccessDenied},
	{domain.ErrBookmarkStale, KindBookmarkStale},
	{domain.ErrBookmarkInvalid, KindBookmarkInvalid},
	{domain.ErrLaunchFailed, KindLaunchFailed},
	{domain.ErrTimeout, KindTimeout},
	{domain.ErrCancelled, KindCancelled},
}

// KindOf classifies an error for the wire. Returns empty kind for nil.
func KindOf(err error) (kind, message string) {
	if err == nil {
		return "", ""
	}
	for _, s := range sentinelKinds {
		if errors.Is(err, s.err) {
			return s.kind, err.Error()
		}
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return KindValidation, err.Error()
	}
	var rerr *domain.ResourceError
	if errors.As(err, &rerr) {
		return KindResource, err.Error()
	}
	var exitErr *domain.ExitError
	if errors.As(err, &exitErr) {
		return KindExit, err.Error()
	}
	return KindInternal, err.Error()
}

// ErrorFromKind reconstructs an error on the client side. Sentinel
// kinds come back wrapping the matching domain sentinel; exit errors are
// rebuilt from the accompanying result.
func ErrorFromKind(kind, message string, result domain.ProcessResult) error {
	if kind == "" {
		return nil
	}
	for _, s := range sentinelKinds {
		if s.kind != kind {
			continue
		}
		if message == s.err.Error() {
			return s.err
		}
		return fmt.Errorf("%s: %w", message, s.err)
	}
	switch kind {
	case KindValidation:
		return &domain.ValidationError{Field: "command", Reason: message}
	case KindResource:
		return &domain.ResourceError{Resource: "helper", Reason: message}
	case KindExit:
		return &domain.ExitError{ExitCode: result.ExitCode, Stderr: result.Error}
	default:
		return errors.New(message)
	}
}
