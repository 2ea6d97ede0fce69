package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// DefaultRequestTimeout bounds how long a Call waits for the matching
// response.
const DefaultRequestTimeout = 30 * time.Second

var (
	// ErrTimeout is returned when no response arrives within the deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrSessionClosed is returned to callers whose session was torn down
	// while their request was pending.
	ErrSessionClosed = errors.New("session closed")
)

// Transport writes a message to the subprocess owning the session.
type Transport interface {
	Send(sessionID string, msg any) error
}

// NotificationHandler receives agent-originated traffic for one session:
// notifications (id nil), agent-initiated requests (id set), and the
// synthesized session/prompt notification carrying a final turn result.
type NotificationHandler func(method string, id json.RawMessage, params json.RawMessage)

type pendingCall struct {
	sessionID string
	ch        chan callResult
	timer     *time.Timer
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Correlator matches JSON-RPC responses to their awaiting callers and
// forwards everything else to the per-session notification handler. Request
// ids are allocated from a single process-wide sequence, so ids never collide
// across sessions or between awaited and fire-and-forget requests.
type Correlator struct {
	transport Transport
	timeout   time.Duration

	mu       sync.Mutex
	pending  map[int64]*pendingCall
	handlers map[string]NotificationHandler
	nextID   int64
}

// New creates a correlator over the given transport. A zero timeout selects
// DefaultRequestTimeout.
func New(transport Transport, timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Correlator{
		transport: transport,
		timeout:   timeout,
		pending:   make(map[int64]*pendingCall),
		handlers:  make(map[string]NotificationHandler),
	}
}

// Bind registers the notification handler for a session. At most one handler
// exists per session id; a repeat Bind replaces it.
func (c *Correlator) Bind(sessionID string, h NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[sessionID] = h
}

// Rebind moves the handler registration from oldID to newID as part of a
// session-id migration. The caller must pass a fresh handler whose closures
// capture the new id; re-registering the old closure is exactly the bug the
// migration step exists to avoid. Pending calls tagged with the old id are
// re-tagged so a later CloseSession(newID) still rejects them.
func (c *Correlator) Rebind(oldID, newID string, h NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, oldID)
	c.handlers[newID] = h
	for _, p := range c.pending {
		if p.sessionID == oldID {
			p.sessionID = newID
		}
	}
}

// Unbind removes the handler for a session.
func (c *Correlator) Unbind(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, sessionID)
}

// Call sends a request and waits for the matching response, the timeout, a
// context cancellation, or session teardown, whichever comes first.
func (c *Correlator) Call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	p := &pendingCall{
		sessionID: sessionID,
		ch:        make(chan callResult, 1),
	}
	p.timer = time.AfterFunc(c.timeout, func() {
		c.resolve(id, callResult{err: fmt.Errorf("%w: %s after %s", ErrTimeout, method, c.timeout)})
	})
	c.pending[id] = p
	c.mu.Unlock()

	req := Request{JSONRPC: Version, ID: &id, Method: method, Params: params}
	if err := c.transport.Send(sessionID, req); err != nil {
		c.drop(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case res := <-p.ch:
		return res.result, res.err
	case <-ctx.Done():
		c.drop(id)
		return nil, ctx.Err()
	}
}

// Fire sends a request without registering it in the pending table. The
// response, when it arrives, is not pending and therefore flows through the
// asynchronous-response branch of HandleMessage. The id comes from the same
// sequence as Call ids, preserving per-process uniqueness.
func (c *Correlator) Fire(sessionID, method string, params any) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()
	return c.transport.Send(sessionID, Request{JSONRPC: Version, ID: &id, Method: method, Params: params})
}

// Notify sends a JSON-RPC notification (no id, no reply expected).
func (c *Correlator) Notify(sessionID, method string, params any) error {
	return c.transport.Send(sessionID, Request{JSONRPC: Version, Method: method, Params: params})
}

// Respond answers an agent-initiated request.
func (c *Correlator) Respond(sessionID string, id json.RawMessage, result any) error {
	return c.transport.Send(sessionID, Response{JSONRPC: Version, ID: id, Result: result})
}

// CloseSession rejects every pending call for the session and removes its
// handler. Each caller observes ErrSessionClosed exactly once.
func (c *Correlator) CloseSession(sessionID string) {
	c.mu.Lock()
	var ids []int64
	for id, p := range c.pending {
		if p.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	delete(c.handlers, sessionID)
	c.mu.Unlock()

	for _, id := range ids {
		c.resolve(id, callResult{err: ErrSessionClosed})
	}
}

// HandleMessage is the supervisor's OnMessage sink: one parsed line from the
// subprocess. Classification:
//
//   - method present, no id  → notification, forwarded to the handler
//   - method present, id set → agent-initiated request, forwarded with id
//   - id only, pending       → resolves/rejects that call
//   - id only, not pending   → asynchronous response: wrapped in a synthetic
//     session/prompt notification so the final turn of a fire-and-forget
//     prompt reaches the dispatcher
func (c *Correlator) HandleMessage(sessionID string, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Debug("rpc: dropping unparsable line", "session_id", sessionID, "error", err)
		return
	}

	if msg.Method != "" {
		c.forward(sessionID, msg.Method, msg.ID, msg.Params)
		return
	}

	if len(msg.ID) == 0 {
		slog.Debug("rpc: dropping message with neither method nor id", "session_id", sessionID)
		return
	}

	if id, ok := parseNumericID(msg.ID); ok {
		c.mu.Lock()
		_, isPending := c.pending[id]
		c.mu.Unlock()
		if isPending {
			if msg.Error != nil {
				c.resolve(id, callResult{err: msg.Error})
			} else {
				c.resolve(id, callResult{result: msg.Result})
			}
			return
		}
	}

	// Asynchronous response: the reply to a fire-and-forget session/prompt.
	params := synthesizePromptParams(&msg)
	c.forward(sessionID, MethodSessionPrompt, nil, params)
}

func (c *Correlator) forward(sessionID, method string, id, params json.RawMessage) {
	c.mu.Lock()
	h := c.handlers[sessionID]
	c.mu.Unlock()
	if h == nil {
		slog.Debug("rpc: no handler for session", "session_id", sessionID, "method", method)
		return
	}
	h(method, id, params)
}

// resolve fires a pending call exactly once and removes the entry.
func (c *Correlator) resolve(id int64, res callResult) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	p.ch <- res
}

// drop removes a pending entry without delivering a result.
func (c *Correlator) drop(id int64) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

// PendingCount returns the number of in-flight calls, for tests and metrics.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func parseNumericID(raw json.RawMessage) (int64, bool) {
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// synthesizePromptParams wraps an unmatched response as the params of a
// session/prompt notification. A result passes through as-is; an error rides
// under an "error" key; an empty response becomes a stub with stopReason
// "unknown".
func synthesizePromptParams(msg *Message) json.RawMessage {
	switch {
	case msg.Error != nil:
		wrapped, err := json.Marshal(map[string]any{"error": msg.Error})
		if err != nil {
			return json.RawMessage(`{"content":[],"stopReason":"unknown"}`)
		}
		return wrapped
	case len(msg.Result) > 0 && string(msg.Result) != "null":
		return msg.Result
	default:
		return json.RawMessage(`{"content":[],"stopReason":"unknown"}`)
	}
}
