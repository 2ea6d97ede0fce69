package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

// validPayloads holds one valid payload per type, used for the
// construct-then-validate round trip.
var validPayloads = map[string]any{
	TypeConnectionEstablished: ConnectionEstablishedPayload{ConnectionID: "3f0e8a4e-9b1c-4f7d-8a2e-1c5d6e7f8a9b", ProtocolVersion: "1.0"},
	TypeHeartbeatRequest:      nil,
	TypeHeartbeatSuccess:      HeartbeatSuccessPayload{Latency: 12.5, ServerTime: 1700000000000},
	TypeInitializeRequest:     nil,
	TypeInitializeSuccess:     InitializeSuccessPayload{ProtocolVersion: 1, ServerInfo: ServerInfo{Name: "agentbridge", Version: "0.1.0"}},
	TypeInitializeError:       nil,
	TypeSessionCreateRequest:  SessionCreateRequestPayload{Cwd: "/tmp/project", Model: "m1"},
	TypeSessionCreateSuccess: SessionCreateSuccessPayload{
		SessionID:       "sess-abc",
		AvailableModels: []string{"m1"},
		CurrentModel:    "m1",
		Modes:           Modes{CurrentModeID: "build", AvailableModes: []Mode{{ID: "ask", Name: "Ask"}, {ID: "build", Name: "Build"}}},
	},
	TypeSessionCreateError: SessionScopePayload{SessionID: "sess-abc"},
	TypeSessionLoadRequest: SessionLoadRequestPayload{SessionID: "sess-abc"},
	TypeSessionLoadSuccess: SessionCreateSuccessPayload{
		SessionID:       "sess-abc",
		AvailableModels: []string{"m1"},
		CurrentModel:    "m1",
		Modes:           Modes{CurrentModeID: "build", AvailableModes: []Mode{{ID: "build", Name: "Build"}}},
	},
	TypeSessionLoadError:    nil,
	TypeSessionCloseRequest: SessionClosePayload{SessionID: "sess-abc"},
	TypeSessionCloseSuccess: SessionClosePayload{SessionID: "sess-abc"},
	TypeSessionCloseError:   nil,
	TypeSessionError:        SessionScopePayload{SessionID: "sess-abc"},
	TypePromptSendRequest: PromptSendRequestPayload{
		SessionID: "sess-abc",
		Content:   []ContentBlock{{Type: "text", Text: "hi"}},
	},
	TypePromptSendSuccess: PromptAcceptedPayload{RequestID: "R1", Status: "accepted"},
	TypePromptSendError:   PromptScopePayload{SessionID: "sess-abc", RequestID: "R1"},
	TypePromptUpdate: PromptUpdatePayload{
		SessionID: "sess-abc",
		RequestID: "R1",
		Update:    map[string]any{"kind": "agent_message_chunk", "content": map[string]any{"type": "text", "text": "hello"}},
	},
	TypePromptComplete: PromptCompletePayload{
		SessionID: "sess-abc",
		RequestID: "R1",
		Result:    PromptResult{Content: []json.RawMessage{}, StopReason: "end_turn"},
	},
	TypePromptError:         PromptScopePayload{SessionID: "sess-abc", RequestID: "R1"},
	TypePromptCancelRequest: PromptCancelRequestPayload{SessionID: "sess-abc"},
	TypePromptCancelSuccess: SessionScopePayload{SessionID: "sess-abc"},
	TypePromptCancelError:   nil,
	TypePermissionRequest: PermissionRequestPayload{
		SessionID: "sess-abc",
		RequestID: "R1",
		ToolCall:  json.RawMessage(`{"toolCallId":"t1","toolName":"bash"}`),
		Options:   []PermissionOption{{OptionID: "allow", Name: "Allow"}, {OptionID: "deny", Name: "Deny"}},
	},
	TypePermissionResponse: PermissionResponsePayload{
		SessionID: "sess-abc",
		RequestID: "R1",
		Outcome:   PermissionOutcome{Outcome: "selected", OptionID: "allow"},
	},
	TypeSystemError: nil,
}

func TestEveryTypeHasRoundTrip(t *testing.T) {
	for _, msgType := range Types() {
		payload, ok := validPayloads[msgType]
		if !ok {
			t.Errorf("no round-trip payload defined for %s", msgType)
			continue
		}
		env, err := NewEnvelope(msgType, payload)
		if err != nil {
			t.Errorf("NewEnvelope(%s): %v", msgType, err)
			continue
		}
		if env.ID == "" || env.Timestamp <= 0 {
			t.Errorf("envelope for %s missing id/timestamp: %+v", msgType, env)
		}
		if err := Validate(msgType, env.Payload); err != nil {
			t.Errorf("Validate(%s, created payload): %v", msgType, err)
		}
	}
}

func TestValidateUnknownType(t *testing.T) {
	err := Validate("acp:bogus:request", json.RawMessage(`{}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}

func TestValidateRejectsExtraFields(t *testing.T) {
	payload := json.RawMessage(`{"sessionId":"s1","content":[{"type":"text","text":"hi"}],"sneaky":true}`)
	err := Validate(TypePromptSendRequest, payload)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("extra field accepted: %v", err)
	}
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	payload := json.RawMessage(`{"content":[{"type":"text","text":"hi"}]}`)
	err := Validate(TypePromptSendRequest, payload)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("missing sessionId accepted: %v", err)
	}
}

func TestValidateRejectsClosedEnumViolation(t *testing.T) {
	payload := json.RawMessage(`{"sessionId":"s1","content":[{"type":"image","text":"hi"}]}`)
	err := Validate(TypePromptSendRequest, payload)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("closed enum violated but accepted: %v", err)
	}
}

func TestValidateNilPayloadIsEmptyObject(t *testing.T) {
	if err := Validate(TypeSessionCreateRequest, nil); err != nil {
		t.Fatalf("nil payload for all-optional request rejected: %v", err)
	}
	if err := Validate(TypePromptSendRequest, nil); err == nil {
		t.Fatal("nil payload for request with required fields accepted")
	}
}

func TestErrorSiblingDerivation(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{TypePromptSendRequest, TypePromptSendError},
		{TypeSessionCreateRequest, TypeSessionCreateError},
		{TypeHeartbeatRequest, TypeSystemError}, // no heartbeat:error registered
		{TypePromptUpdate, TypeSystemError},     // not a request at all
	}
	for _, tc := range cases {
		if got := ErrorSibling(tc.in); got != tc.want {
			t.Errorf("ErrorSibling(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestSuccessSiblingDerivation(t *testing.T) {
	if got := SuccessSibling(TypeSessionCloseRequest); got != TypeSessionCloseSuccess {
		t.Fatalf("SuccessSibling = %s", got)
	}
	if got := SuccessSibling(TypePromptComplete); got != "" {
		t.Fatalf("SuccessSibling for non-request = %s", got)
	}
}

func TestNewEnvelopeUnknownType(t *testing.T) {
	if _, err := NewEnvelope("nope:nope", nil); err == nil {
		t.Fatal("unknown type accepted")
	}
}
