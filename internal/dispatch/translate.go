package dispatch

import (
	"encoding/json"
)

// TranslateUpdate rewrites one agent session/update payload into the shape
// the client renders. It is a pure function over a single notification; the
// discriminator is the agent's "sessionUpdate" field ("kind" accepted as a
// fallback). Unknown kinds are forwarded with the raw kind and their fields
// preserved.
func TranslateUpdate(raw json.RawMessage) map[string]any {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return map[string]any{"kind": "unknown"}
	}

	kind, _ := fields["sessionUpdate"].(string)
	if kind == "" {
		kind, _ = fields["kind"].(string)
	}
	delete(fields, "sessionUpdate")

	switch kind {
	case "agent_message_chunk":
		return map[string]any{
			"kind":    "agent_message_chunk",
			"content": fields["content"],
		}
	case "agent_thought_chunk", "thought_chunk":
		thought := ""
		if content, ok := fields["content"].(map[string]any); ok {
			thought, _ = content["text"].(string)
		}
		return map[string]any{
			"kind":    "thought_chunk",
			"content": map[string]any{"thought": thought},
		}
	case "tool_call":
		toolCall := map[string]any{
			"toolCallId": fields["toolCallId"],
			"toolName":   firstNonNil(fields["toolName"], fields["title"]),
			"arguments":  firstNonNil(fields["arguments"], fields["rawInput"]),
			"status":     "pending",
		}
		if status, ok := fields["status"].(string); ok && status != "" {
			toolCall["status"] = status
		}
		return map[string]any{"kind": "tool_call", "toolCall": toolCall}
	case "tool_call_update":
		status, _ := fields["status"].(string)
		toolCall := map[string]any{
			"toolCallId": fields["toolCallId"],
			"status":     status,
		}
		if status == "error" {
			toolCall["error"] = firstNonNil(fields["error"], fields["content"])
		} else {
			toolCall["output"] = fields["content"]
		}
		return map[string]any{"kind": "tool_call_update", "toolCall": toolCall}
	case "plan":
		steps, ok := fields["entries"]
		if !ok {
			steps = fields["steps"]
		}
		if steps == nil {
			steps = []any{}
		}
		return map[string]any{"kind": "plan", "plan": map[string]any{"steps": steps}}
	case "available_commands", "current_mode_update", "config_options":
		out := map[string]any{"kind": kind}
		for k, v := range fields {
			if k != "kind" {
				out[k] = v
			}
		}
		return out
	default:
		out := map[string]any{"kind": kind}
		if kind == "" {
			out["kind"] = "unknown"
		}
		for k, v := range fields {
			if k != "kind" {
				out[k] = v
			}
		}
		return out
	}
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
