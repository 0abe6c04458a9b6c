package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/resticd/internal/domain"
)

// CommandService is the subset of the restic service the wire protocol
// dispatches to.
type CommandService interface {
	ExecuteCommand(ctx context.Context, cfg domain.CommandConfig) (domain.ProcessResult, error)
	CancelOperation() bool
}

// HealthSource exposes the helper's latest health snapshot for status
// replies. May be nil when no monitor runs.
type HealthSource interface {
	Status() domain.HealthStatus
}

// ServerConfig carries the fixed parameters of the helper endpoint.
type ServerConfig struct {
	SocketPath string
	Version    string
}

// Server is the helper side of the channel. It accepts one socket per
// client, verifies the handshake (protocol version and user session)
// and dispatches requests to the command service.
type Server struct {
	cfg     ServerConfig
	session int
	service CommandService
	probe   domain.ResourceProbe
	health  HealthSource
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer constructs the helper endpoint. The server's own uid is the
// session every client must match.
func NewServer(cfg ServerConfig, service CommandService, probe domain.ResourceProbe, health HealthSource, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		session: os.Getuid(),
		service: service,
		probe:   probe,
		health:  health,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve listens on the unix socket until the context is cancelled. A
// stale socket file from a crashed helper is removed before binding.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.removeStaleSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Helper listening", zap.String("socket", s.cfg.SocketPath))

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	listener := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	os.Remove(s.cfg.SocketPath)
}

// removeStaleSocket clears a leftover socket file, but only if nothing
// is accepting on it.
func (s *Server) removeStaleSocket() error {
	if _, err := os.Stat(s.cfg.SocketPath); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", s.cfg.SocketPath, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("socket %s is already in use", s.cfg.SocketPath)
	}
	s.logger.Warn("Removing stale socket", zap.String("socket", s.cfg.SocketPath))
	return os.Remove(s.cfg.SocketPath)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	w := &lockedWriter{conn: conn}
	if !s.acceptHandshake(conn, w) {
		return
	}

	for {
		env, err := ReadFrame(conn)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Client disconnected", zap.Error(err))
			}
			return
		}
		s.dispatch(ctx, w, env)
	}
}

// lockedWriter serializes frames from concurrent request handlers onto
// one socket.
type lockedWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *lockedWriter) writeFrame(env Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteFrame(w.conn, env)
}

// acceptHandshake validates the client's first frame. Rejections are
// reported back with an error kind before closing.
func (s *Server) acceptHandshake(conn net.Conn, w *lockedWriter) bool {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	env, err := ReadFrame(conn)
	if err != nil {
		return false
	}
	_ = conn.SetReadDeadline(time.Time{})

	if env.Type != TypeHandshake {
		s.reject(w, env.ID, KindInterfaceMissing, "handshake expected")
		return false
	}
	var hello Handshake
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		s.reject(w, env.ID, KindInterfaceMissing, "malformed handshake")
		return false
	}
	if hello.ProtocolVersion != ProtocolVersion {
		s.reject(w, env.ID, KindInterfaceMissing,
			fmt.Sprintf("client speaks protocol %d, want %d", hello.ProtocolVersion, ProtocolVersion))
		return false
	}
	if hello.Session != s.session {
		s.logger.Warn("Rejecting client from foreign session",
			zap.Int("client_session", hello.Session),
			zap.Int("helper_session", s.session))
		s.reject(w, env.ID, KindAuditSession, domain.ErrAuditSessionMismatch.Error())
		return false
	}

	payload, _ := json.Marshal(Handshake{
		ProtocolVersion: ProtocolVersion,
		Session:         s.session,
		PID:             os.Getpid(),
		Capabilities:    ServerCapabilities,
	})
	if err := w.writeFrame(Envelope{ID: env.ID, Type: TypeHandshake, Payload: payload}); err != nil {
		return false
	}

	s.logger.Info("Client connected", zap.Int("client_pid", hello.PID))
	return true
}

func (s *Server) reject(w *lockedWriter, id uuid.UUID, kind, message string) {
	payload, _ := json.Marshal(ErrorReply{ErrorKind: kind, Error: message})
	_ = w.writeFrame(Envelope{ID: id, Type: TypeError, Payload: payload})
}

// dispatch handles one request. Execute runs in its own goroutine so a
// long command never blocks ping, cancel or status on the same socket.
func (s *Server) dispatch(ctx context.Context, w *lockedWriter, env Envelope) {
	switch env.Type {
	case TypePing:
		s.reply(w, env.ID, TypePong, nil)

	case TypeExecute:
		var req ExecuteRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			s.reject(w, env.ID, KindValidation, "malformed execute request")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			result, err := s.service.ExecuteCommand(ctx, req.Command)
			kind, msg := KindOf(err)
			s.reply(w, env.ID, TypeResult, ResultReply{Result: result, ErrorKind: kind, Error: msg})
		}()

	case TypeResources:
		sample, err := s.probe.Snapshot(ctx)
		kind, msg := KindOf(err)
		s.reply(w, env.ID, TypeResources, ResourcesReply{Resources: sample, ErrorKind: kind, Error: msg})

	case TypeCancel:
		s.reply(w, env.ID, TypeCancel, CancelReply{Cancelled: s.service.CancelOperation()})

	case TypeStatus:
		var health domain.HealthStatus
		if s.health != nil {
			health = s.health.Status()
		}
		s.reply(w, env.ID, TypeStatus, StatusReply{
			Health:  health,
			Version: s.cfg.Version,
			PID:     os.Getpid(),
		})

	default:
		s.reject(w, env.ID, KindValidation, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (s *Server) reply(w *lockedWriter, id uuid.UUID, msgType string, body any) {
	var payload json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			s.logger.Error("Failed to encode reply", zap.String("type", msgType), zap.Error(err))
			return
		}
		payload = data
	}
	if err := w.writeFrame(Envelope{ID: id, Type: msgType, Payload: payload}); err != nil {
		s.logger.Debug("Failed to write reply", zap.Error(err))
	}
}
