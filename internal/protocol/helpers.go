package protocol

import (
	"encoding/json"
	"strings"
)

// Well-known payload fields.
const (
	FieldUserPrompt     = "user_prompt"
	FieldAnswer         = "answer"
	FieldHistory        = "history"
	FieldConversationID = "conversation_id"
	FieldTemperature    = "temperature"
	FieldMaxTokens      = "max_tokens"
)

// Message is one entry of a conversation history forwarded in payloads.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StringField returns payload[key] when it is a string.
func StringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

// FloatField returns payload[key] as float64. JSON numbers decode as float64;
// CBOR integers decode as uint64 or int64.
func FloatField(payload map[string]any, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// IntField returns payload[key] truncated to int.
func IntField(payload map[string]any, key string) (int, bool) {
	f, ok := FloatField(payload, key)
	return int(f), ok
}

// PromptText extracts the user prompt from a payload.
// It checks user_prompt first, then falls back to the last user history entry.
func PromptText(payload map[string]any) string {
	if p := StringField(payload, FieldUserPrompt); p != "" {
		return p
	}
	history := HistoryOf(payload)
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" && history[i].Content != "" {
			return history[i].Content
		}
	}
	return ""
}

// HistoryOf decodes payload.history. Malformed entries are skipped.
func HistoryOf(payload map[string]any) []Message {
	raw, ok := payload[FieldHistory].([]any)
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role := StringField(m, "role")
		if role == "" {
			continue
		}
		out = append(out, Message{Role: role, Content: StringField(m, "content")})
	}
	return out
}

// HistoryValue converts messages into the payload representation of history.
func HistoryValue(msgs []Message) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	return out
}

// MessageText renders a payload as conversation text: the prompt when present,
// otherwise its compact JSON form.
func MessageText(payload map[string]any) string {
	if p := StringField(payload, FieldUserPrompt); p != "" {
		return p
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
