package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/resticd/internal/domain"
)

// handshakeTimeout bounds the initial exchange on a fresh connection.
const handshakeTimeout = 5 * time.Second

// Connection is the client side of the channel. It owns one socket,
// demultiplexes replies to in-flight requests by envelope ID, and
// notifies the invalidation handler when the channel is lost.
//
// A Connection must have an invalidation handler attached before it can
// pass validation; connection loss without an observer is treated as a
// configuration error.
type Connection struct {
	socketPath string
	logger     *zap.Logger

	mu          sync.Mutex
	conn        net.Conn
	invalidated bool
	peerSession int
	peerCaps    map[string]bool
	pending     map[uuid.UUID]chan Envelope

	// writeMu serializes frames from concurrent requests onto the
	// socket; WriteFrame is two writes and must not interleave.
	writeMu sync.Mutex

	handlerMu           sync.Mutex
	invalidationHandler func(error)
	interruptionHandler func()
}

// NewConnection creates an unconnected Connection for the given socket.
func NewConnection(socketPath string, logger *zap.Logger) *Connection {
	return &Connection{
		socketPath: socketPath,
		logger:     logger,
		pending:    make(map[uuid.UUID]chan Envelope),
	}
}

// SetInvalidationHandler attaches the handler invoked once when the
// connection becomes unusable. Must be set before Connect.
func (c *Connection) SetInvalidationHandler(fn func(error)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.invalidationHandler = fn
}

// SetInterruptionHandler attaches an optional handler invoked when the
// channel drops mid-exchange, before invalidation is reported.
func (c *Connection) SetInterruptionHandler(fn func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.interruptionHandler = fn
}

// Connect dials the helper socket and performs the handshake. The
// helper must speak the same protocol version, advertise the required
// capabilities, and run in the caller's user session.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.invalidated {
		return nil
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.socketPath, domain.ErrProxyUnavailable)
	}

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	hello := Handshake{
		ProtocolVersion: ProtocolVersion,
		Session:         os.Getuid(),
		PID:             os.Getpid(),
		Capabilities:    RequiredCapabilities,
	}
	payload, _ := json.Marshal(hello)
	if err := c.writeFrame(conn, Envelope{ID: uuid.New(), Type: TypeHandshake, Payload: payload}); err != nil {
		conn.Close()
		return fmt.Errorf("handshake send failed: %w", domain.ErrConnectionInterrupted)
	}

	reply, err := ReadFrame(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake read failed: %w", domain.ErrConnectionInterrupted)
	}
	if reply.Type == TypeError {
		conn.Close()
		var rej ErrorReply
		if err := json.Unmarshal(reply.Payload, &rej); err != nil {
			return domain.ErrInterfaceMissing
		}
		return ErrorFromKind(rej.ErrorKind, rej.Error, domain.ProcessResult{})
	}
	if reply.Type != TypeHandshake {
		conn.Close()
		return fmt.Errorf("unexpected handshake reply %q: %w", reply.Type, domain.ErrInterfaceMissing)
	}

	var peer Handshake
	if err := json.Unmarshal(reply.Payload, &peer); err != nil {
		conn.Close()
		return fmt.Errorf("malformed handshake reply: %w", domain.ErrInterfaceMissing)
	}
	if peer.ProtocolVersion != ProtocolVersion {
		conn.Close()
		return fmt.Errorf("helper speaks protocol %d, want %d: %w",
			peer.ProtocolVersion, ProtocolVersion, domain.ErrInterfaceMissing)
	}
	caps := make(map[string]bool, len(peer.Capabilities))
	for _, name := range peer.Capabilities {
		caps[name] = true
	}
	for _, want := range RequiredCapabilities {
		if !caps[want] {
			conn.Close()
			return fmt.Errorf("helper lacks capability %q: %w", want, domain.ErrInterfaceMissing)
		}
	}

	_ = conn.SetDeadline(time.Time{})
	c.conn = conn
	c.invalidated = false
	c.peerSession = peer.Session
	c.peerCaps = caps
	go c.readLoop(conn)

	c.logger.Info("Connected to helper",
		zap.String("socket", c.socketPath),
		zap.Int("helper_pid", peer.PID))
	return nil
}

// Validate checks the connection is usable. Each failure mode has its
// own sentinel; checks run in a fixed order and the first failure wins.
func (c *Connection) Validate() error {
	c.handlerMu.Lock()
	hasHandler := c.invalidationHandler != nil
	c.handlerMu.Unlock()
	if !hasHandler {
		return domain.ErrNoInvalidationHandler
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil && !c.invalidated {
		return domain.ErrNotConnected
	}
	if c.invalidated {
		return domain.ErrConnectionInvalidated
	}
	for _, want := range RequiredCapabilities {
		if !c.peerCaps[want] {
			return domain.ErrInterfaceMissing
		}
	}
	if c.peerSession != os.Getuid() {
		return domain.ErrAuditSessionMismatch
	}
	return nil
}

// Ping performs one round trip over the channel.
func (c *Connection) Ping(ctx context.Context) error {
	reply, err := c.roundTrip(ctx, TypePing, nil)
	if err != nil {
		return err
	}
	if reply.Type != TypePong {
		return fmt.Errorf("unexpected ping reply %q: %w", reply.Type, domain.ErrProxyUnavailable)
	}
	return nil
}

// Execute runs one command on the helper and returns its result.
// Satisfies the queue worker's Executor interface.
func (c *Connection) Execute(ctx context.Context, cmd domain.CommandConfig) (domain.ProcessResult, error) {
	payload, err := json.Marshal(ExecuteRequest{Command: cmd})
	if err != nil {
		return domain.ProcessResult{}, fmt.Errorf("failed to encode command: %w", err)
	}
	reply, err := c.roundTrip(ctx, TypeExecute, payload)
	if err != nil {
		return domain.ProcessResult{}, err
	}
	var res ResultReply
	if err := json.Unmarshal(reply.Payload, &res); err != nil {
		return domain.ProcessResult{}, fmt.Errorf("malformed result: %w", domain.ErrProxyUnavailable)
	}
	return res.Result, ErrorFromKind(res.ErrorKind, res.Error, res.Result)
}

// CheckResources asks the helper for a resource sample.
func (c *Connection) CheckResources(ctx context.Context) (domain.SystemResources, error) {
	reply, err := c.roundTrip(ctx, TypeResources, nil)
	if err != nil {
		return domain.SystemResources{}, err
	}
	var res ResourcesReply
	if err := json.Unmarshal(reply.Payload, &res); err != nil {
		return domain.SystemResources{}, fmt.Errorf("malformed resources reply: %w", domain.ErrProxyUnavailable)
	}
	return res.Resources, ErrorFromKind(res.ErrorKind, res.Error, domain.ProcessResult{})
}

// Cancel asks the helper to terminate its in-flight command. Returns
// true when something was actually cancelled.
func (c *Connection) Cancel(ctx context.Context) (bool, error) {
	reply, err := c.roundTrip(ctx, TypeCancel, nil)
	if err != nil {
		return false, err
	}
	var res CancelReply
	if err := json.Unmarshal(reply.Payload, &res); err != nil {
		return false, fmt.Errorf("malformed cancel reply: %w", domain.ErrProxyUnavailable)
	}
	return res.Cancelled, nil
}

// Status fetches the helper's health self-report.
func (c *Connection) Status(ctx context.Context) (StatusReply, error) {
	reply, err := c.roundTrip(ctx, TypeStatus, nil)
	if err != nil {
		return StatusReply{}, err
	}
	var res StatusReply
	if err := json.Unmarshal(reply.Payload, &res); err != nil {
		return StatusReply{}, fmt.Errorf("malformed status reply: %w", domain.ErrProxyUnavailable)
	}
	return res, nil
}

// Close tears the connection down. In-flight requests fail with
// ErrConnectionInvalidated.
func (c *Connection) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.invalidated = true
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Connection) roundTrip(ctx context.Context, msgType string, payload json.RawMessage) (Envelope, error) {
	if err := c.Validate(); err != nil {
		return Envelope{}, err
	}

	id := uuid.New()
	ch := make(chan Envelope, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Envelope{}, domain.ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(conn, Envelope{ID: id, Type: msgType, Payload: payload}); err != nil {
		return Envelope{}, fmt.Errorf("send failed: %w", domain.ErrConnectionInterrupted)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Envelope{}, domain.ErrConnectionInterrupted
		}
		return reply, nil
	case <-ctx.Done():
		return Envelope{}, fmt.Errorf("request abandoned: %w", domain.ErrCancelled)
	}
}

func (c *Connection) writeFrame(conn net.Conn, env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(conn, env)
}

// readLoop demultiplexes replies until the socket dies, then fails all
// in-flight requests and reports invalidation exactly once.
func (c *Connection) readLoop(conn net.Conn) {
	for {
		env, err := ReadFrame(conn)
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		} else {
			c.logger.Debug("Dropping reply with no waiter", zap.String("type", env.Type))
		}
	}
}

func (c *Connection) handleDisconnect(conn net.Conn, cause error) {
	c.mu.Lock()
	deliberate := c.conn == nil || c.conn != conn
	if c.conn == conn {
		c.conn = nil
	}
	c.invalidated = true
	waiters := c.pending
	c.pending = make(map[uuid.UUID]chan Envelope)
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	c.handlerMu.Lock()
	interruption := c.interruptionHandler
	invalidation := c.invalidationHandler
	c.handlerMu.Unlock()

	if !deliberate {
		c.logger.Warn("Connection to helper lost", zap.Error(cause))
		if interruption != nil {
			interruption()
		}
	}
	if invalidation != nil {
		invalidation(domain.ErrConnectionInvalidated)
	}
}
