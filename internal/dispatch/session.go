package dispatch

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// pendingPrompt correlates streamed updates and the final completion with
// the client envelope that started the turn.
type pendingPrompt struct {
	requestID string
	connID    string
	created   time.Time
}

// Session pairs a client-visible handle with one agent subprocess. The id
// may change exactly once, during creation, when the agent assigns its own
// session id. All fields are guarded by the dispatcher mutex; the owning
// connection id is immutable for the session's lifetime.
type Session struct {
	id          string
	connID      string
	principal   string
	cwd         string
	model       string
	status      SessionStatus
	authMethods json.RawMessage
	writer      ConnWriter

	// prompts is the FIFO of in-flight client prompts; the head is the one
	// streamed updates are stamped with.
	prompts []*pendingPrompt

	// permissions maps the requestId sent to the client back to the
	// JSON-RPC id of the agent-initiated session/request_permission call.
	permissions map[string]json.RawMessage
}
