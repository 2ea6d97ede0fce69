package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/coppermind/agentbridge/internal/bus"
	"github.com/coppermind/agentbridge/internal/protocol"
	"github.com/coppermind/agentbridge/internal/rpc"
	"github.com/coppermind/agentbridge/internal/shared"
	"github.com/coppermind/agentbridge/internal/supervisor"
)

// agentHandlers builds the supervisor callback set for a session. The
// closures capture the session record, not the id, so they observe the
// post-migration id. Subprocess output flows to the correlator; stderr
// matches and exits come back here.
func (d *Dispatcher) agentHandlers(sess *Session) supervisor.Handlers {
	return supervisor.Handlers{
		OnMessage: func(sessionID string, line []byte) {
			d.caller.HandleMessage(sessionID, line)
		},
		OnStderr: func(sessionID string, match supervisor.StderrMatch) {
			d.promoteStderr(sess, match)
		},
		OnExit: func(sessionID string, exitCode int, signaled bool) {
			d.handleProcessExit(sess, exitCode, signaled)
		},
	}
}

// notificationHandler builds the correlator handler for a session: agent
// notifications, agent-initiated requests, and the synthesized session/prompt
// final result.
func (d *Dispatcher) notificationHandler(sess *Session) rpc.NotificationHandler {
	return func(method string, id json.RawMessage, params json.RawMessage) {
		switch method {
		case rpc.MethodSessionUpdate:
			d.handleSessionUpdate(sess, params)
		case rpc.MethodSessionPrompt:
			d.handlePromptFinal(sess, params)
		case rpc.MethodRequestPermission:
			d.handlePermissionRequest(sess, id, params)
		case rpc.MethodSessionError:
			d.handleAgentSessionError(sess, params)
		default:
			slog.Debug("dispatch: ignoring agent notification", "method", method, "session_id", d.sessionID(sess))
		}
	}
}

// handleSessionUpdate translates one streamed update and stamps it with the
// request id of the oldest in-flight prompt for the session.
func (d *Dispatcher) handleSessionUpdate(sess *Session, params json.RawMessage) {
	var body struct {
		Update json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal(params, &body); err != nil || len(body.Update) == 0 {
		slog.Debug("dispatch: session/update without update body", "session_id", d.sessionID(sess))
		return
	}

	d.mu.Lock()
	id := sess.id
	var requestID string
	if len(sess.prompts) > 0 {
		requestID = sess.prompts[0].requestID
	}
	writer := sess.writer
	d.mu.Unlock()

	if requestID == "" {
		slog.Debug("dispatch: dropping update with no pending prompt", "session_id", id)
		return
	}

	translated := TranslateUpdate(body.Update)
	d.publish(bus.TopicPromptUpdate, bus.PromptEvent{SessionID: id, RequestID: requestID})
	d.send(writer, protocol.MustEnvelope(protocol.TypePromptUpdate, protocol.PromptUpdatePayload{
		SessionID: id,
		RequestID: requestID,
		Update:    translated,
	}))
}

// handlePromptFinal consumes the synthesized session/prompt notification
// carrying the final turn result and emits exactly one terminal envelope for
// the prompt: complete on success, error when the agent's response carried a
// JSON-RPC error.
func (d *Dispatcher) handlePromptFinal(sess *Session, params json.RawMessage) {
	d.mu.Lock()
	id := sess.id
	writer := sess.writer
	var prompt *pendingPrompt
	if len(sess.prompts) > 0 {
		prompt = sess.prompts[0]
		sess.prompts = sess.prompts[1:]
	}
	d.mu.Unlock()

	if prompt == nil {
		slog.Debug("dispatch: final prompt result with no pending prompt", "session_id", id)
		return
	}

	var body struct {
		Content    []json.RawMessage `json:"content"`
		StopReason string            `json:"stopReason"`
		Error      *rpc.Error        `json:"error"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		slog.Warn("dispatch: unparsable prompt result", "session_id", id, "error", err)
		body.StopReason = "unknown"
	}

	if body.Error != nil {
		d.publish(bus.TopicPromptCompleted, bus.PromptEvent{SessionID: id, RequestID: prompt.requestID, StopReason: "error"})
		d.send(writer, protocol.MustEnvelope(protocol.TypePromptError, protocol.PromptScopePayload{
			SessionID: id,
			RequestID: prompt.requestID,
		}).WithError(protocol.CodeAgentError, "The agent failed to complete the turn", body.Error.Message))
		return
	}

	stopReason := body.StopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	content := body.Content
	if content == nil {
		content = []json.RawMessage{}
	}

	d.publish(bus.TopicPromptCompleted, bus.PromptEvent{SessionID: id, RequestID: prompt.requestID, StopReason: stopReason})
	d.send(writer, protocol.MustEnvelope(protocol.TypePromptComplete, protocol.PromptCompletePayload{
		SessionID: id,
		RequestID: prompt.requestID,
		Result: protocol.PromptResult{
			Content:    content,
			StopReason: stopReason,
		},
	}))
}

// handlePermissionRequest bridges an agent-initiated permission request to
// the client, injecting the default option list when the agent omits one.
// The JSON-RPC id is parked until the client's acp:permission:response.
func (d *Dispatcher) handlePermissionRequest(sess *Session, rpcID json.RawMessage, params json.RawMessage) {
	var body struct {
		ToolCall json.RawMessage             `json:"toolCall"`
		Options  []protocol.PermissionOption `json:"options"`
	}
	_ = json.Unmarshal(params, &body)
	if len(body.Options) == 0 {
		body.Options = defaultPermissionOptions
	}
	if len(body.ToolCall) == 0 {
		body.ToolCall = json.RawMessage(`{}`)
	}

	requestID := uuid.NewString()
	d.mu.Lock()
	id := sess.id
	writer := sess.writer
	sess.permissions[requestID] = rpcID
	d.mu.Unlock()

	d.send(writer, protocol.MustEnvelope(protocol.TypePermissionRequest, protocol.PermissionRequestPayload{
		SessionID: id,
		RequestID: requestID,
		ToolCall:  body.ToolCall,
		Options:   body.Options,
	}))
}

// handleAgentSessionError forwards an agent-sent session/error notification.
func (d *Dispatcher) handleAgentSessionError(sess *Session, params json.RawMessage) {
	var body struct {
		Message string `json:"message"`
		Details string `json:"details"`
	}
	_ = json.Unmarshal(params, &body)
	if body.Message == "" {
		body.Message = "The agent reported an error"
	}

	d.mu.Lock()
	id := sess.id
	writer := sess.writer
	d.mu.Unlock()

	d.publish(bus.TopicSessionError, bus.SessionEvent{SessionID: id, ConnectionID: sess.connID})
	d.send(writer, protocol.MustEnvelope(protocol.TypeSessionError, protocol.SessionScopePayload{SessionID: id}).WithError(
		protocol.CodeAPIError, body.Message, shared.Redact(body.Details)))
}

// promoteStderr converts a taxonomy-matched stderr line into a session error
// envelope. The raw line rides in details, redacted.
func (d *Dispatcher) promoteStderr(sess *Session, match supervisor.StderrMatch) {
	d.mu.Lock()
	id := sess.id
	writer := sess.writer
	closed := sess.status == SessionClosed
	d.mu.Unlock()
	if closed {
		return
	}

	d.send(writer, protocol.MustEnvelope(protocol.TypeSessionError, protocol.SessionScopePayload{SessionID: id}).WithError(
		match.Code, match.Message, shared.Redact(match.Line)))
}

// handleProcessExit reports an unexpected subprocess death as a session
// error and closes the session. Expected exits (session already closed by
// the dispatcher) stay silent.
func (d *Dispatcher) handleProcessExit(sess *Session, exitCode int, signaled bool) {
	d.mu.Lock()
	id := sess.id
	writer := sess.writer
	closed := sess.status == SessionClosed
	d.mu.Unlock()
	if closed {
		return
	}

	message := fmt.Sprintf("Process exited with code %d", exitCode)
	if signaled {
		message = "Process terminated unexpectedly"
	}
	slog.Warn("dispatch: agent process died mid-session", "session_id", id, "exit_code", exitCode, "signaled", signaled)

	d.send(writer, protocol.MustEnvelope(protocol.TypeSessionError, protocol.SessionScopePayload{SessionID: id}).WithError(
		protocol.CodeProcessExited, message))
	d.closeSession(sess)
}

// removePrompt drops a pending prompt by request id.
func (d *Dispatcher) removePrompt(sess *Session, requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range sess.prompts {
		if p.requestID == requestID {
			sess.prompts = append(sess.prompts[:i], sess.prompts[i+1:]...)
			return
		}
	}
}
