// Package dispatch maps validated client envelopes to agent subprocess
// calls, routes streaming notifications back as translated envelopes, and
// enforces session identity and ownership. It owns the session table and the
// one-time session-id migration performed during creation.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coppermind/agentbridge/internal/audit"
	"github.com/coppermind/agentbridge/internal/bus"
	"github.com/coppermind/agentbridge/internal/protocol"
	"github.com/coppermind/agentbridge/internal/rpc"
	"github.com/coppermind/agentbridge/internal/supervisor"
)

// ProtocolVersion is the agent-pipe protocol version sent in initialize.
const ProtocolVersion = 1

// defaultModes is the mode set reported when the agent does not announce one.
// Sessions start in build mode.
var defaultModes = protocol.Modes{
	CurrentModeID: "build",
	AvailableModes: []protocol.Mode{
		{ID: "ask", Name: "Ask"},
		{ID: "build", Name: "Build"},
	},
}

// defaultPermissionOptions is injected when the agent requests a permission
// without offering an option list.
var defaultPermissionOptions = []protocol.PermissionOption{
	{OptionID: "allow", Name: "Allow", Kind: "allow_once"},
	{OptionID: "allow_always", Name: "Always Allow", Kind: "allow_always"},
	{OptionID: "deny", Name: "Deny", Kind: "reject_once"},
}

// ConnWriter is the outgoing half of a client connection. SendEnvelope must
// not block the caller beyond buffering.
type ConnWriter interface {
	ID() string
	Principal() string
	SendEnvelope(env *protocol.Envelope)
}

// Agent is the narrow supervisor surface the dispatcher drives.
type Agent interface {
	Spawn(sessionID string, opts supervisor.Options, h supervisor.Handlers) error
	Migrate(oldID, newID string) error
	RegisterHandlers(sessionID string, h supervisor.Handlers)
	Kill(sessionID string) error
	MarkReady(sessionID string)
}

// Caller is the correlator surface: awaited calls, fire-and-forget requests,
// notifications, replies to agent-initiated requests, and per-session
// handler registration.
type Caller interface {
	Call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error)
	Fire(sessionID, method string, params any) error
	Notify(sessionID, method string, params any) error
	Respond(sessionID string, id json.RawMessage, result any) error
	Bind(sessionID string, h rpc.NotificationHandler)
	Rebind(oldID, newID string, h rpc.NotificationHandler)
	HandleMessage(sessionID string, raw []byte)
	CloseSession(sessionID string)
}

// Dispatcher is the protocol dispatcher and session manager.
type Dispatcher struct {
	agent   Agent
	caller  Caller
	bus     *bus.Bus
	version string

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a dispatcher. The bus is optional.
func New(agent Agent, caller Caller, b *bus.Bus, version string) *Dispatcher {
	return &Dispatcher{
		agent:    agent,
		caller:   caller,
		bus:      b,
		version:  version,
		sessions: make(map[string]*Session),
	}
}

// HandleEnvelope routes one validated client envelope. Session creation and
// load run in their own goroutine because they await subprocess responses;
// everything else answers inline.
func (d *Dispatcher) HandleEnvelope(w ConnWriter, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeInitializeRequest:
		d.send(w, protocol.MustEnvelope(protocol.TypeInitializeSuccess, protocol.InitializeSuccessPayload{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      protocol.ServerInfo{Name: "agentbridge", Version: d.version},
		}))
	case protocol.TypeSessionCreateRequest:
		var p protocol.SessionCreateRequestPayload
		decodePayload(env.Payload, &p)
		go d.createSession(w, p.Cwd, p.Model)
	case protocol.TypeSessionLoadRequest:
		var p protocol.SessionLoadRequestPayload
		decodePayload(env.Payload, &p)
		go d.loadSession(w, p)
	case protocol.TypePromptSendRequest:
		var p protocol.PromptSendRequestPayload
		decodePayload(env.Payload, &p)
		d.handlePromptSend(w, env.ID, p)
	case protocol.TypePromptCancelRequest:
		var p protocol.PromptCancelRequestPayload
		decodePayload(env.Payload, &p)
		d.handlePromptCancel(w, p.SessionID)
	case protocol.TypeSessionCloseRequest:
		var p protocol.SessionClosePayload
		decodePayload(env.Payload, &p)
		d.handleSessionClose(w, p.SessionID)
	case protocol.TypePermissionResponse:
		var p protocol.PermissionResponsePayload
		decodePayload(env.Payload, &p)
		d.handlePermissionResponse(w, p)
	default:
		d.send(w, protocol.MustEnvelope(protocol.TypeSystemError, nil).WithError(
			protocol.CodeUnknownType, fmt.Sprintf("unhandled message type: %s", env.Type)))
	}
}

// initializeParams is the JSON-RPC initialize request body.
type initializeParams struct {
	ProtocolVersion int                 `json:"protocolVersion"`
	ClientInfo      protocol.ServerInfo `json:"clientInfo"`
	Capabilities    map[string]any      `json:"capabilities"`
}

// sessionNewParams is the JSON-RPC session/new request body.
type sessionNewParams struct {
	Cwd        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
	Model      string `json:"model,omitempty"`
}

// sessionLoadParams is the JSON-RPC session/load request body.
type sessionLoadParams struct {
	SessionID  string `json:"sessionId"`
	Cwd        string `json:"cwd"`
	MCPServers []any  `json:"mcpServers"`
	Model      string `json:"model,omitempty"`
}

// initializeResult is the subset of the initialize response the bridge reads.
type initializeResult struct {
	AuthMethods json.RawMessage `json:"authMethods"`
}

// sessionNewResult is the subset of the session/new and session/load
// responses the bridge reads.
type sessionNewResult struct {
	SessionID string   `json:"sessionId"`
	Models    []string `json:"models"`
	Modes     *struct {
		CurrentModeID  string          `json:"currentModeId"`
		AvailableModes []protocol.Mode `json:"availableModes"`
	} `json:"modes"`
}

// createSession performs the full creation handshake: spawn, initialize,
// session/new, and the one-time id migration when the agent assigns its own
// session id. Failure at any step tears the session down completely.
func (d *Dispatcher) createSession(w ConnWriter, cwd, model string) {
	tentative := uuid.NewString()
	sess := d.registerSession(tentative, w, cwd, model)

	result, err := d.establish(sess, rpc.MethodSessionNew, sessionNewParams{
		Cwd:        cwd,
		MCPServers: []any{},
		Model:      model,
	})
	if err != nil {
		d.teardown(sess)
		d.send(w, protocol.MustEnvelope(protocol.TypeSessionCreateError, protocol.SessionScopePayload{SessionID: tentative}).WithError(
			protocol.CodeSpawnFailed, "Failed to create session", err.Error()))
		return
	}

	// Migration: the agent may assign its own session id mid-handshake. The
	// rename must land in the session table, the supervisor tables, and the
	// handler registrations as one block, before the reply goes out.
	if result.SessionID != "" && result.SessionID != tentative {
		if err := d.migrate(sess, tentative, result.SessionID); err != nil {
			d.teardown(sess)
			d.send(w, protocol.MustEnvelope(protocol.TypeSessionCreateError, protocol.SessionScopePayload{SessionID: tentative}).WithError(
				protocol.CodeInternal, "Failed to adopt agent session id", err.Error()))
			return
		}
	}

	d.finishEstablish(w, sess, result, protocol.TypeSessionCreateSuccess)
}

// loadSession resumes an existing agent session under a client-supplied id.
// No migration occurs: the id is fixed by the client.
func (d *Dispatcher) loadSession(w ConnWriter, p protocol.SessionLoadRequestPayload) {
	d.mu.Lock()
	_, exists := d.sessions[p.SessionID]
	d.mu.Unlock()
	if exists {
		d.send(w, protocol.MustEnvelope(protocol.TypeSessionLoadError, protocol.SessionScopePayload{SessionID: p.SessionID}).WithError(
			protocol.CodeInvalidParams, "Session already active"))
		return
	}

	sess := d.registerSession(p.SessionID, w, p.Cwd, p.Model)
	result, err := d.establish(sess, rpc.MethodSessionLoad, sessionLoadParams{
		SessionID:  p.SessionID,
		Cwd:        p.Cwd,
		MCPServers: []any{},
		Model:      p.Model,
	})
	if err != nil {
		d.teardown(sess)
		d.send(w, protocol.MustEnvelope(protocol.TypeSessionLoadError, protocol.SessionScopePayload{SessionID: p.SessionID}).WithError(
			protocol.CodeSpawnFailed, "Failed to load session", err.Error()))
		return
	}
	result.SessionID = p.SessionID
	d.finishEstablish(w, sess, result, protocol.TypeSessionLoadSuccess)
}

// registerSession creates the session record and inserts it into the table.
func (d *Dispatcher) registerSession(id string, w ConnWriter, cwd, model string) *Session {
	sess := &Session{
		id:          id,
		connID:      w.ID(),
		principal:   w.Principal(),
		cwd:         cwd,
		model:       model,
		status:      SessionActive,
		writer:      w,
		permissions: make(map[string]json.RawMessage),
	}
	d.mu.Lock()
	d.sessions[id] = sess
	d.mu.Unlock()
	d.publish(bus.TopicSessionCreated, bus.SessionEvent{SessionID: id, ConnectionID: sess.connID})
	return sess
}

// establish spawns the subprocess, runs initialize, and issues the given
// session-opening call (session/new or session/load).
func (d *Dispatcher) establish(sess *Session, openMethod string, openParams any) (*sessionNewResult, error) {
	id := d.sessionID(sess)

	if err := d.agent.Spawn(id, supervisor.Options{Cwd: sess.cwd, Model: sess.model}, d.agentHandlers(sess)); err != nil {
		return nil, fmt.Errorf("spawn agent: %w", err)
	}
	d.caller.Bind(id, d.notificationHandler(sess))

	initRaw, err := d.caller.Call(context.Background(), id, rpc.MethodInitialize, initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      protocol.ServerInfo{Name: "agentbridge", Version: d.version},
		Capabilities:    map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	var initRes initializeResult
	if err := json.Unmarshal(initRaw, &initRes); err == nil && len(initRes.AuthMethods) > 0 {
		// Informational: advertised auth methods do not imply auth is required.
		d.mu.Lock()
		sess.authMethods = initRes.AuthMethods
		d.mu.Unlock()
	}

	openRaw, err := d.caller.Call(context.Background(), id, openMethod, openParams)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", openMethod, err)
	}
	var result sessionNewResult
	if err := json.Unmarshal(openRaw, &result); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", openMethod, err)
	}
	return &result, nil
}

// migrate renames the session as one atomic block: session table, supervisor
// tables, and handler registrations all move to the new id, and the fresh
// closures capture the session record so they read the new id at event time.
func (d *Dispatcher) migrate(sess *Session, oldID, newID string) error {
	d.mu.Lock()
	if _, taken := d.sessions[newID]; taken {
		d.mu.Unlock()
		return fmt.Errorf("session id %s already in use", newID)
	}
	delete(d.sessions, oldID)
	sess.id = newID
	d.sessions[newID] = sess
	d.mu.Unlock()

	if err := d.agent.Migrate(oldID, newID); err != nil {
		return err
	}
	// Re-register both handler layers under the new id. The closures hold the
	// session record, never the id value, so post-migration traffic resolves
	// the new id even if a line was already in flight.
	d.caller.Rebind(oldID, newID, d.notificationHandler(sess))
	d.agent.RegisterHandlers(newID, d.agentHandlers(sess))

	slog.Info("dispatch: session migrated", "old_session_id", oldID, "new_session_id", newID)
	return nil
}

func (d *Dispatcher) finishEstablish(w ConnWriter, sess *Session, result *sessionNewResult, successType string) {
	id := d.sessionID(sess)
	d.agent.MarkReady(id)

	models := result.Models
	if len(models) == 0 {
		if sess.model != "" {
			models = []string{sess.model}
		} else {
			models = []string{"default"}
		}
	}
	currentModel := sess.model
	if currentModel == "" {
		currentModel = models[0]
	}
	modes := defaultModes
	if result.Modes != nil && len(result.Modes.AvailableModes) > 0 {
		modes = protocol.Modes{
			CurrentModeID:  result.Modes.CurrentModeID,
			AvailableModes: result.Modes.AvailableModes,
		}
		if modes.CurrentModeID == "" {
			modes.CurrentModeID = defaultModes.CurrentModeID
		}
	}

	slog.Info("dispatch: session ready", "session_id", id, "conn_id", sess.connID, "model", currentModel)

	d.send(w, protocol.MustEnvelope(successType, protocol.SessionCreateSuccessPayload{
		SessionID:       id,
		AvailableModels: models,
		CurrentModel:    currentModel,
		Modes:           modes,
	}))
}

// sessionPromptParams is the fire-and-forget session/prompt body. The
// JSON-RPC field is "prompt"; the client envelope field is "content".
type sessionPromptParams struct {
	SessionID string                  `json:"sessionId"`
	Prompt    []protocol.ContentBlock `json:"prompt"`
	AgentMode string                  `json:"agentMode,omitempty"`
}

func (d *Dispatcher) handlePromptSend(w ConnWriter, requestID string, p protocol.PromptSendRequestPayload) {
	sess, errCode, errMsg := d.ownedSession(w, p.SessionID, "prompt.send")
	if sess == nil {
		d.send(w, protocol.MustEnvelope(protocol.TypePromptSendError, protocol.SessionScopePayload{SessionID: p.SessionID}).WithError(errCode, errMsg))
		return
	}

	d.mu.Lock()
	sess.prompts = append(sess.prompts, &pendingPrompt{
		requestID: requestID,
		connID:    sess.connID,
		created:   time.Now(),
	})
	id := sess.id
	d.mu.Unlock()

	// Acceptance goes out before the prompt is written, so no streamed update
	// can overtake it.
	d.send(w, protocol.MustEnvelope(protocol.TypePromptSendSuccess, protocol.PromptAcceptedPayload{
		RequestID: requestID,
		Status:    "accepted",
	}))

	// Fire-and-forget: the reply arrives either as streamed session/update
	// notifications followed by an id-bearing response (which the correlator
	// re-delivers as a synthetic session/prompt notification), never through
	// the pending table.
	err := d.caller.Fire(id, rpc.MethodSessionPrompt, sessionPromptParams{
		SessionID: id,
		Prompt:    p.Content,
		AgentMode: p.AgentMode,
	})
	if err != nil {
		d.removePrompt(sess, requestID)
		d.send(w, protocol.MustEnvelope(protocol.TypePromptError, protocol.PromptScopePayload{
			SessionID: id,
			RequestID: requestID,
		}).WithError(protocol.CodeInternal, "Failed to deliver prompt to agent", err.Error()))
		return
	}
	d.publish(bus.TopicPromptAccepted, bus.PromptEvent{SessionID: id, RequestID: requestID})
}

func (d *Dispatcher) handlePromptCancel(w ConnWriter, sessionID string) {
	sess, errCode, errMsg := d.ownedSession(w, sessionID, "prompt.cancel")
	if sess == nil {
		d.send(w, protocol.MustEnvelope(protocol.TypePromptCancelError, protocol.SessionScopePayload{SessionID: sessionID}).WithError(errCode, errMsg))
		return
	}
	id := d.sessionID(sess)
	// No wait: the agent acknowledges by ending the turn with
	// stopReason=cancelled.
	if err := d.caller.Notify(id, rpc.MethodSessionCancel, map[string]any{"sessionId": id}); err != nil {
		slog.Warn("dispatch: cancel delivery failed", "session_id", id, "error", err)
	}
	d.send(w, protocol.MustEnvelope(protocol.TypePromptCancelSuccess, protocol.SessionScopePayload{SessionID: id}))
}

func (d *Dispatcher) handleSessionClose(w ConnWriter, sessionID string) {
	d.mu.Lock()
	sess, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		// Idempotent: a repeat close after the first success is a no-op.
		d.send(w, protocol.MustEnvelope(protocol.TypeSessionCloseSuccess, protocol.SessionClosePayload{SessionID: sessionID}))
		return
	}
	if sess.connID != w.ID() {
		audit.Record("deny", "session.close", "session not owned by connection", w.ID())
		d.send(w, protocol.MustEnvelope(protocol.TypeSessionCloseError, protocol.SessionScopePayload{SessionID: sessionID}).WithError(
			protocol.CodeUnauthorized, "Session is not owned by this connection"))
		return
	}

	// The kill blocks until the process is reaped, so the success envelope
	// is ordered after the reap.
	d.closeSession(sess)
	d.send(w, protocol.MustEnvelope(protocol.TypeSessionCloseSuccess, protocol.SessionClosePayload{SessionID: d.sessionID(sess)}))
}

func (d *Dispatcher) handlePermissionResponse(w ConnWriter, p protocol.PermissionResponsePayload) {
	sess, errCode, errMsg := d.ownedSession(w, p.SessionID, "permission.respond")
	if sess == nil {
		d.send(w, protocol.MustEnvelope(protocol.TypeSystemError, protocol.SessionScopePayload{SessionID: p.SessionID}).WithError(errCode, errMsg))
		return
	}

	d.mu.Lock()
	rpcID, ok := sess.permissions[p.RequestID]
	if ok {
		delete(sess.permissions, p.RequestID)
	}
	id := sess.id
	d.mu.Unlock()
	if !ok {
		slog.Warn("dispatch: permission response without pending request", "session_id", id, "request_id", p.RequestID)
		return
	}
	if err := d.caller.Respond(id, rpcID, map[string]any{"outcome": p.Outcome}); err != nil {
		slog.Warn("dispatch: permission response delivery failed", "session_id", id, "error", err)
	}
}

// CloseConnection closes every session owned by the connection and purges
// its pending prompts. Called by the gateway when the socket dies.
func (d *Dispatcher) CloseConnection(connID string) {
	d.mu.Lock()
	var owned []*Session
	for _, sess := range d.sessions {
		if sess.connID == connID {
			owned = append(owned, sess)
		}
	}
	d.mu.Unlock()

	for _, sess := range owned {
		d.closeSession(sess)
	}
	if len(owned) > 0 {
		slog.Info("dispatch: closed sessions for dead connection", "conn_id", connID, "count", len(owned))
	}
}

// Shutdown closes every session. Used at process exit.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	all := make([]*Session, 0, len(d.sessions))
	for _, sess := range d.sessions {
		all = append(all, sess)
	}
	d.mu.Unlock()
	for _, sess := range all {
		d.closeSession(sess)
	}
}

// SessionCount returns the number of live sessions, for tests and metrics.
func (d *Dispatcher) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// closeSession kills the process, rejects pending correlator calls, and
// removes the session. The process is dead before the record disappears.
func (d *Dispatcher) closeSession(sess *Session) {
	d.mu.Lock()
	if sess.status == SessionClosed {
		d.mu.Unlock()
		return
	}
	sess.status = SessionClosed
	id := sess.id
	sess.prompts = nil
	d.mu.Unlock()

	_ = d.agent.Kill(id)
	d.mu.Lock()
	delete(d.sessions, id)
	d.mu.Unlock()
	d.caller.CloseSession(id)
	d.publish(bus.TopicSessionClosed, bus.SessionEvent{SessionID: id, ConnectionID: sess.connID})
	slog.Info("dispatch: session closed", "session_id", id)
}

// teardown aborts a half-created session.
func (d *Dispatcher) teardown(sess *Session) {
	d.closeSession(sess)
}

// ownedSession resolves a session id and enforces ownership. A nil session
// is returned with the error code and message to send.
func (d *Dispatcher) ownedSession(w ConnWriter, sessionID, action string) (*Session, string, string) {
	d.mu.Lock()
	sess, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok || sess.status == SessionClosed {
		return nil, protocol.CodeSessionNotFound, "Session not found"
	}
	if sess.connID != w.ID() {
		audit.Record("deny", action, "session not owned by connection", w.ID())
		return nil, protocol.CodeUnauthorized, "Session is not owned by this connection"
	}
	return sess, "", ""
}

func (d *Dispatcher) sessionID(sess *Session) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sess.id
}

func (d *Dispatcher) send(w ConnWriter, env *protocol.Envelope) {
	w.SendEnvelope(env)
}

func (d *Dispatcher) publish(topic string, payload any) {
	if d.bus != nil {
		d.bus.Publish(topic, payload)
	}
}

func decodePayload(raw json.RawMessage, out any) {
	if len(raw) == 0 {
		return
	}
	// The payload already passed schema validation at the gateway.
	_ = json.Unmarshal(raw, out)
}
