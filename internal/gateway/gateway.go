// Package gateway accepts authenticated WebSocket connections, validates
// every inbound envelope against the protocol registry, and hands requests
// to the dispatcher. It owns the connection table and per-connection
// liveness.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/coppermind/agentbridge/internal/audit"
	"github.com/coppermind/agentbridge/internal/bus"
	"github.com/coppermind/agentbridge/internal/protocol"
)

// ProtocolVersion is reported in connection:established:success.
const ProtocolVersion = "1.0"

// livenessInterval is how often idle connections are probed. A connection
// that produced no traffic and no pong across a full interval is terminated.
const livenessInterval = 25 * time.Second

// TokenVerifier validates a bearer token and returns the principal.
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// Dispatcher consumes validated envelopes and reacts to connection death.
type Dispatcher interface {
	HandleEnvelope(w ConnWriter, env *protocol.Envelope)
	CloseConnection(connID string)
}

// ConnWriter mirrors dispatch.ConnWriter so the gateway does not import the
// dispatcher package. *Conn satisfies both.
type ConnWriter interface {
	ID() string
	Principal() string
	SendEnvelope(env *protocol.Envelope)
}

// Config wires the server's collaborators.
type Config struct {
	Verifier   TokenVerifier
	Dispatcher Dispatcher
	Bus        *bus.Bus

	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections. Empty means same-origin only.
	AllowOrigins []string

	Version string

	// Snapshot supplies the /metrics payload. Optional.
	Snapshot func() map[string]any

	// LivenessInterval overrides the 25s probe interval; tests shorten it.
	LivenessInterval time.Duration
}

// Server is the connection server.
type Server struct {
	cfg Config

	connsMu sync.RWMutex
	conns   map[string]*Conn
}

// New creates a connection server.
func New(cfg Config) *Server {
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = livenessInterval
	}
	return &Server{
		cfg:   cfg,
		conns: make(map[string]*Conn),
	}
}

// Handler returns the HTTP handler with the socket and health endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Register mounts the gateway endpoints on an existing mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"version":   s.cfg.Version,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeHTTP(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	payload := map[string]any{
		"connections":  s.ConnectionCount(),
		"auth_denials": audit.DenyCount(),
	}
	if s.cfg.Snapshot != nil {
		for k, v := range s.cfg.Snapshot() {
			payload[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) authorizeHTTP(r *http.Request) bool {
	const prefix = "Bearer "
	authz := r.Header.Get("Authorization")
	if len(authz) <= len(prefix) || authz[:len(prefix)] != prefix {
		return false
	}
	_, err := s.cfg.Verifier.VerifyToken(authz[len(prefix):])
	return err == nil
}

// handleWS upgrades the socket, authenticates the ?token query parameter,
// and runs the connection's read loop until the socket dies.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		audit.Record("deny", "ws.connect", "missing token", "")
		_ = sock.Close(websocket.StatusPolicyViolation, "Authentication required")
		return
	}
	principal, err := s.cfg.Verifier.VerifyToken(token)
	if err != nil {
		audit.Record("deny", "ws.connect", "invalid token", "")
		_ = sock.Close(websocket.StatusPolicyViolation, "Invalid token")
		return
	}

	conn := newConn(uuid.NewString(), principal, sock)
	s.addConn(conn)
	slog.Info("ws: client connected", "conn_id", conn.id, "principal", principal)
	s.publish(bus.TopicConnectionOpened, bus.ConnectionEvent{ConnectionID: conn.id, Principal: principal})

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		conn.shutdown()
		s.removeConn(conn)
		s.cfg.Dispatcher.CloseConnection(conn.id)
		s.publish(bus.TopicConnectionClosed, bus.ConnectionEvent{ConnectionID: conn.id, Principal: principal})
		slog.Info("ws: client disconnected", "conn_id", conn.id)
		_ = sock.Close(websocket.StatusNormalClosure, "bye")
	}()

	go conn.writePump(ctx)
	go s.livenessLoop(ctx, conn)

	conn.SendEnvelope(protocol.MustEnvelope(protocol.TypeConnectionEstablished, protocol.ConnectionEstablishedPayload{
		ConnectionID:    conn.id,
		ProtocolVersion: ProtocolVersion,
	}))

	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			slog.Debug("ws: read loop ended", "conn_id", conn.id, "error", err)
			return
		}
		conn.markAlive()
		s.handleFrame(conn, data)
	}
}

// livenessLoop probes the connection every interval: if no traffic and no
// pong arrived during the previous interval, the socket is terminated.
func (s *Server) livenessLoop(ctx context.Context, conn *Conn) {
	ticker := time.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			return
		case <-ticker.C:
			if !conn.alive.Load() {
				slog.Info("ws: liveness timeout, terminating", "conn_id", conn.id)
				_ = conn.sock.Close(websocket.StatusGoingAway, "liveness timeout")
				conn.shutdown()
				return
			}
			conn.alive.Store(false)
			go func() {
				pingCtx, cancel := context.WithTimeout(ctx, s.cfg.LivenessInterval)
				defer cancel()
				if err := conn.sock.Ping(pingCtx); err == nil {
					conn.markAlive()
				}
			}()
		}
	}
}

// handleFrame validates one inbound frame and routes it. Application-level
// validation failures answer with an error envelope; the connection stays
// open.
func (s *Server) handleFrame(conn *Conn, data []byte) {
	env, err := protocol.ValidateClientEnvelope(data)
	if err != nil {
		s.sendValidationError(conn, env, err)
		return
	}

	switch env.Type {
	case protocol.TypeHeartbeatRequest:
		s.handleHeartbeat(conn, env)
	default:
		s.cfg.Dispatcher.HandleEnvelope(conn, env)
	}
}

func (s *Server) sendValidationError(conn *Conn, env *protocol.Envelope, err error) {
	var msgType, code string
	switch {
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrMissingType):
		msgType, code = protocol.TypeSystemError, protocol.CodeInvalidMessage
	case errors.Is(err, protocol.ErrUnknownType):
		msgType, code = protocol.TypeSystemError, protocol.CodeUnknownType
	default:
		msgType, code = protocol.TypeSystemError, protocol.CodeInvalidParams
		if env != nil && env.Type != "" {
			msgType = protocol.ErrorSibling(env.Type)
		}
	}
	slog.Debug("ws: rejecting frame", "conn_id", conn.id, "code", code, "error", err)
	conn.SendEnvelope(protocol.MustEnvelope(msgType, nil).WithError(code, err.Error()))
}

// handleHeartbeat answers the application-level heartbeat. Latency is the
// server-observed delta against the client's envelope timestamp.
func (s *Server) handleHeartbeat(conn *Conn, env *protocol.Envelope) {
	latency := float64(time.Now().UnixMilli() - env.Timestamp)
	if latency < 0 {
		latency = 0
	}
	conn.SendEnvelope(protocol.MustEnvelope(protocol.TypeHeartbeatSuccess, protocol.HeartbeatSuccessPayload{
		Latency:    latency,
		ServerTime: time.Now().UnixMilli(),
	}))
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) addConn(c *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c.id] = c
}

func (s *Server) removeConn(c *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c.id)
}

func (s *Server) publish(topic string, payload any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, payload)
	}
}
