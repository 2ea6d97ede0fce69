package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed marks frames that are not a JSON envelope at all.
	ErrMalformed = errors.New("malformed message")
	// ErrMissingType marks envelopes without a type field.
	ErrMissingType = errors.New("missing 'type' field")
)

// ValidateClientEnvelope parses and validates a raw frame from a client.
// It distinguishes malformed JSON, missing type, unknown type, and payload
// schema failures so the gateway can answer with the right error code.
func ValidateClientEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	if !Known(env.Type) {
		return &env, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
	}
	if env.ID == "" {
		return &env, fmt.Errorf("%w: missing 'id' field", ErrInvalidPayload)
	}
	if env.Timestamp <= 0 {
		return &env, fmt.Errorf("%w: timestamp must be a positive integer", ErrInvalidPayload)
	}
	if err := Validate(env.Type, env.Payload); err != nil {
		return &env, err
	}
	return &env, nil
}
