package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// EngineResponse is the reasoning engine's reply to one turn: either a
// structured tool call or final text, never both. Text carries the raw model
// output; callers must not assume it is clean JSON.
type EngineResponse struct {
	Call *ToolCall
	Text string
}

// ReasoningEngine produces the next turn of a conversation given the full
// history and the declared tool catalogue. Implementations are stateless
// between calls; the history is the only memory.
type ReasoningEngine interface {
	NextTurn(ctx context.Context, history []ConversationTurn, tools []ToolDefinition) (EngineResponse, error)
}

// StripFences removes a Markdown code fence wrapping (```json ... ``` or
// ``` ... ```) if present. Models often fence their JSON output even when
// told not to.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseAlertPayload decodes the engine's final text into a DDIAlert,
// tolerating a code fence, and rejects any payload that fails validation.
func ParseAlertPayload(text string) (DDIAlert, error) {
	var alert DDIAlert
	if err := json.Unmarshal([]byte(StripFences(text)), &alert); err != nil {
		return DDIAlert{}, fmt.Errorf("decode alert payload: %w", err)
	}
	if err := alert.Validate(); err != nil {
		return DDIAlert{}, fmt.Errorf("invalid alert payload: %w", err)
	}
	return alert, nil
}
