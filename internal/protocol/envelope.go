// Package protocol defines the typed message envelope spoken on the client
// socket and the schema registry that validates every payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the single message shape at the client boundary.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error half of an error envelope. Details may carry raw
// upstream text for debugging; Message is short and user-facing.
type ErrorObject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewEnvelope builds a well-formed envelope of the given type with a fresh id
// and the current wall-clock timestamp. A nil payload is omitted.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	if !Known(msgType) {
		return nil, fmt.Errorf("unknown message type: %s", msgType)
	}
	env := &Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload for %s: %w", msgType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// NewErrorEnvelope builds an error envelope. Error envelopes may carry both a
// payload (e.g. the session id the error is scoped to) and the error object.
func NewErrorEnvelope(msgType string, payload any, errObj *ErrorObject) (*Envelope, error) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	env.Error = errObj
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads the caller controls. It panics on
// marshal failure, which can only happen for unmarshalable Go values.
func MustEnvelope(msgType string, payload any) *Envelope {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// WithError attaches an error object to the envelope and returns it, for
// one-line construction of error envelopes. An optional single details
// argument carries raw upstream text.
func (e *Envelope) WithError(code, message string, details ...string) *Envelope {
	obj := &ErrorObject{Code: code, Message: message}
	if len(details) > 0 {
		obj.Details = details[0]
	}
	e.Error = obj
	return e
}
