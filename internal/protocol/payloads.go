package protocol

import "encoding/json"

// Server-originated payloads.

type ConnectionEstablishedPayload struct {
	ConnectionID    string `json:"connectionId"`
	ProtocolVersion string `json:"protocolVersion"`
}

type HeartbeatSuccessPayload struct {
	Latency    float64 `json:"latency"`
	ServerTime int64   `json:"serverTime"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeSuccessPayload struct {
	ProtocolVersion int        `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

type Mode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Modes struct {
	CurrentModeID  string `json:"currentModeId"`
	AvailableModes []Mode `json:"availableModes"`
}

type SessionCreateSuccessPayload struct {
	SessionID       string   `json:"sessionId"`
	AvailableModels []string `json:"availableModels"`
	CurrentModel    string   `json:"currentModel"`
	Modes           Modes    `json:"modes"`
}

type SessionClosePayload struct {
	SessionID string `json:"sessionId"`
}

type SessionScopePayload struct {
	SessionID string `json:"sessionId"`
}

type PromptAcceptedPayload struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

type PromptUpdatePayload struct {
	SessionID string         `json:"sessionId"`
	RequestID string         `json:"requestId"`
	Update    map[string]any `json:"update"`
}

type PromptResult struct {
	Content    []json.RawMessage `json:"content"`
	StopReason string            `json:"stopReason"`
}

type PromptCompletePayload struct {
	SessionID string       `json:"sessionId"`
	RequestID string       `json:"requestId"`
	Result    PromptResult `json:"result"`
}

type PromptScopePayload struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
}

type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
}

type PermissionRequestPayload struct {
	SessionID string             `json:"sessionId"`
	RequestID string             `json:"requestId"`
	ToolCall  json.RawMessage    `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// Client-originated payloads.

type SessionCreateRequestPayload struct {
	Cwd   string `json:"cwd,omitempty"`
	Model string `json:"model,omitempty"`
}

type SessionLoadRequestPayload struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd,omitempty"`
	Model     string `json:"model,omitempty"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type PromptSendRequestPayload struct {
	SessionID string         `json:"sessionId"`
	Content   []ContentBlock `json:"content"`
	AgentMode string         `json:"agentMode,omitempty"`
}

type PromptCancelRequestPayload struct {
	SessionID string `json:"sessionId"`
}

type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

type PermissionResponsePayload struct {
	SessionID string            `json:"sessionId"`
	RequestID string            `json:"requestId"`
	Outcome   PermissionOutcome `json:"outcome"`
}
