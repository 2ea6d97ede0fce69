package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validation failures, distinguished so the gateway can pick the right
// client-visible error code.
var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Schema fragments shared across message types. Identifiers are opaque
// non-empty strings on the wire; the gateway mints version-4 UUIDs for the
// ids it owns, but agent-assigned session ids are accepted as-is.
const (
	idStr      = `{"type":"string","minLength":1}`
	uuidStr    = `{"type":"string","pattern":"^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"}`
	contentArr = `{"type":"array","items":{"type":"object","properties":{"type":{"enum":["text"]},"text":{"type":"string"}},"required":["type","text"],"additionalProperties":false}}`
	modesObj   = `{"type":"object","properties":{"currentModeId":{"type":"string"},"availableModes":{"type":"array","items":{"type":"object","properties":{"id":{"type":"string"},"name":{"type":"string"}},"required":["id","name"],"additionalProperties":false}}},"required":["currentModeId","availableModes"],"additionalProperties":false}`
	stopReason = `{"enum":["end_turn","tool_use","cancelled","error","unknown"]}`

	// Error envelopes may scope themselves to a session or request via the
	// payload while the error object rides in the envelope's error field.
	errScope = `{"type":"object","properties":{"sessionId":` + idStr + `,"requestId":` + idStr + `},"additionalProperties":false}`

	emptyObj = `{"type":"object","additionalProperties":false}`
)

// schemaSources maps every type in the closed set to the JSON Schema for its
// payload. Schemas are structural: extra fields are rejected, required fields
// must be present, enumerations are closed. The streamed update object is the
// one deliberately open shape, because unknown update kinds are forwarded
// verbatim.
var schemaSources = map[string]string{
	TypeConnectionEstablished: `{"type":"object","properties":{"connectionId":` + uuidStr + `,"protocolVersion":{"type":"string"}},"required":["connectionId","protocolVersion"],"additionalProperties":false}`,
	TypeHeartbeatRequest:      emptyObj,
	TypeHeartbeatSuccess:      `{"type":"object","properties":{"latency":{"type":"number","minimum":0},"serverTime":{"type":"integer","exclusiveMinimum":0}},"required":["latency","serverTime"],"additionalProperties":false}`,

	TypeInitializeRequest: emptyObj,
	TypeInitializeSuccess: `{"type":"object","properties":{"protocolVersion":{"type":"integer"},"serverInfo":{"type":"object","properties":{"name":{"type":"string"},"version":{"type":"string"}},"required":["name","version"],"additionalProperties":false}},"required":["protocolVersion","serverInfo"],"additionalProperties":false}`,
	TypeInitializeError:   errScope,

	TypeSessionCreateRequest: `{"type":"object","properties":{"cwd":{"type":"string"},"model":{"type":"string"}},"additionalProperties":false}`,
	TypeSessionCreateSuccess: `{"type":"object","properties":{"sessionId":` + idStr + `,"availableModels":{"type":"array","items":{"type":"string"}},"currentModel":{"type":"string"},"modes":` + modesObj + `},"required":["sessionId","availableModels","currentModel","modes"],"additionalProperties":false}`,
	TypeSessionCreateError:   errScope,

	TypeSessionLoadRequest: `{"type":"object","properties":{"sessionId":` + idStr + `,"cwd":{"type":"string"},"model":{"type":"string"}},"required":["sessionId"],"additionalProperties":false}`,
	TypeSessionLoadSuccess: `{"type":"object","properties":{"sessionId":` + idStr + `,"availableModels":{"type":"array","items":{"type":"string"}},"currentModel":{"type":"string"},"modes":` + modesObj + `},"required":["sessionId","availableModels","currentModel","modes"],"additionalProperties":false}`,
	TypeSessionLoadError:   errScope,

	TypeSessionCloseRequest: `{"type":"object","properties":{"sessionId":` + idStr + `},"required":["sessionId"],"additionalProperties":false}`,
	TypeSessionCloseSuccess: `{"type":"object","properties":{"sessionId":` + idStr + `},"required":["sessionId"],"additionalProperties":false}`,
	TypeSessionCloseError:   errScope,

	TypeSessionError: `{"type":"object","properties":{"sessionId":` + idStr + `},"required":["sessionId"],"additionalProperties":false}`,

	TypePromptSendRequest: `{"type":"object","properties":{"sessionId":` + idStr + `,"content":` + contentArr + `,"agentMode":{"type":"string"}},"required":["sessionId","content"],"additionalProperties":false}`,
	TypePromptSendSuccess: `{"type":"object","properties":{"requestId":` + idStr + `,"status":{"enum":["accepted"]}},"required":["requestId","status"],"additionalProperties":false}`,
	TypePromptSendError:   errScope,

	TypePromptUpdate:   `{"type":"object","properties":{"sessionId":` + idStr + `,"requestId":` + idStr + `,"update":{"type":"object","properties":{"kind":{"type":"string"}},"required":["kind"]}},"required":["sessionId","requestId","update"],"additionalProperties":false}`,
	TypePromptComplete: `{"type":"object","properties":{"sessionId":` + idStr + `,"requestId":` + idStr + `,"result":{"type":"object","properties":{"content":{"type":"array"},"stopReason":` + stopReason + `},"required":["content","stopReason"],"additionalProperties":false}},"required":["sessionId","requestId","result"],"additionalProperties":false}`,
	TypePromptError:    errScope,

	TypePromptCancelRequest: `{"type":"object","properties":{"sessionId":` + idStr + `},"required":["sessionId"],"additionalProperties":false}`,
	TypePromptCancelSuccess: `{"type":"object","properties":{"sessionId":` + idStr + `},"required":["sessionId"],"additionalProperties":false}`,
	TypePromptCancelError:   errScope,

	TypePermissionRequest:  `{"type":"object","properties":{"sessionId":` + idStr + `,"requestId":` + idStr + `,"toolCall":{"type":"object"},"options":{"type":"array","items":{"type":"object","properties":{"optionId":{"type":"string"},"name":{"type":"string"},"kind":{"type":"string"}},"required":["optionId","name"],"additionalProperties":false}}},"required":["sessionId","requestId","toolCall","options"],"additionalProperties":false}`,
	TypePermissionResponse: `{"type":"object","properties":{"sessionId":` + idStr + `,"requestId":` + idStr + `,"outcome":{"type":"object","properties":{"outcome":{"enum":["selected","cancelled"]},"optionId":{"type":"string"}},"required":["outcome"],"additionalProperties":false}},"required":["sessionId","requestId","outcome"],"additionalProperties":false}`,

	TypeSystemError: errScope,
}

var registry = mustCompileRegistry()

func mustCompileRegistry() map[string]*jsonschema.Schema {
	compiled := make(map[string]*jsonschema.Schema, len(schemaSources))
	c := jsonschema.NewCompiler()
	for msgType, src := range schemaSources {
		// Resource names must be URL-ish, so the type's colons are folded.
		name := strings.ReplaceAll(msgType, ":", "-") + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			panic(fmt.Sprintf("schema for %s: %v", msgType, err))
		}
		if err := c.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("add schema for %s: %v", msgType, err))
		}
		sch, err := c.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("compile schema for %s: %v", msgType, err))
		}
		compiled[msgType] = sch
	}
	return compiled
}

// Known reports whether the type belongs to the closed envelope set.
func Known(msgType string) bool {
	_, ok := registry[msgType]
	return ok
}

// Types returns the closed set of envelope types.
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}

// Validate checks a payload against the schema for the given type. A nil
// payload is validated as the empty object, so request types whose fields are
// all optional accept an omitted payload.
func Validate(msgType string, payload json.RawMessage) error {
	sch, ok := registry[msgType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, msgType)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	// jsonschema requires json.Number-decoded values.
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("%w: payload is not valid JSON: %v", ErrInvalidPayload, err)
	}
	if err := sch.Validate(value); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidPayload, msgType, err)
	}
	return nil
}
