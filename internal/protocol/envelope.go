// Package protocol defines the relay's wire envelope, its codecs, the error
// taxonomy and the agent capability interfaces.
// It has no dependencies on other internal packages.
package protocol

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Magic is the fixed protocol tag carried by every envelope.
const Magic = "MCP0"

// Version is the envelope version produced by this implementation.
const Version uint8 = 1

// CommandSeparator splits "<agent>:<action>" commands.
const CommandSeparator = ":"

// ErrorCommand is the command of envelopes that carry an error payload.
const ErrorCommand = "error"

var supportedVersions = []uint8{Version}

// Envelope is the protocol message exchanged between clients, the dispatcher
// and agents. Envelopes are values: use WithCommand and WithPayload to derive
// modified copies instead of assigning fields of a shared envelope.
type Envelope struct {
	Magic   string         `json:"magic" cbor:"magic"`
	Version uint8          `json:"version" cbor:"version"`
	Command string         `json:"command" cbor:"command"`
	Payload map[string]any `json:"payload" cbor:"payload"`
}

// New creates an envelope with the current magic and version. The payload is
// copied into its canonical form, see clonePayload.
func New(command string, payload map[string]any) Envelope {
	payload = clonePayload(payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		Magic:   Magic,
		Version: Version,
		Command: command,
		Payload: payload,
	}
}

// NewForAgent creates an envelope addressed to action on the named agent.
func NewForAgent(agent, action string, payload map[string]any) Envelope {
	return New(agent+CommandSeparator+action, payload)
}

// WithCommand returns a copy of e with its command replaced.
func (e Envelope) WithCommand(command string) Envelope {
	out := e.Clone()
	out.Command = command
	return out
}

// WithPayload returns a copy of e carrying payload.
func (e Envelope) WithPayload(payload map[string]any) Envelope {
	out := e
	out.Payload = clonePayload(payload)
	if out.Payload == nil {
		out.Payload = map[string]any{}
	}
	return out
}

// Clone returns a deep copy of e.
func (e Envelope) Clone() Envelope {
	out := e
	out.Payload = clonePayload(e.Payload)
	return out
}

// Validate checks magic and version against the supported set.
func (e Envelope) Validate() error {
	if e.Magic != Magic {
		return Errorf(KindMalformedEnvelope, "unexpected magic %q", e.Magic)
	}
	if !slices.Contains(supportedVersions, e.Version) {
		return Errorf(KindMalformedEnvelope, "unsupported version %d", e.Version)
	}
	if e.Command == "" {
		return Errorf(KindMalformedEnvelope, "missing command")
	}
	return nil
}

// SplitCommand splits "<agent>:<action>" into its two non-empty parts.
func SplitCommand(command string) (agent, action string, err error) {
	if strings.Count(command, CommandSeparator) != 1 {
		return "", "", Errorf(KindInvalidCommand, "command %q must contain exactly one %q", command, CommandSeparator)
	}
	agent, action, _ = strings.Cut(command, CommandSeparator)
	if agent == "" || action == "" {
		return "", "", Errorf(KindInvalidCommand, "command %q has an empty agent or action", command)
	}
	return agent, action, nil
}

// ResponseCommand returns the command used for a successful response from agent.
func ResponseCommand(agent string) string {
	return agent + "_response"
}

// ErrorEnvelope converts err into a caller-visible error envelope whose payload
// is {kind, message}.
func ErrorEnvelope(err error) Envelope {
	return New(ErrorCommand, map[string]any{
		"kind":    string(KindOf(err)),
		"message": MessageOf(err),
	})
}

// IsError reports whether e carries an error payload.
func (e Envelope) IsError() bool { return e.Command == ErrorCommand }

// Err rebuilds the error carried by an error envelope. It returns nil for
// any other envelope.
func (e Envelope) Err() error {
	if !e.IsError() {
		return nil
	}
	kind := Kind(StringField(e.Payload, "kind"))
	if kind == "" {
		kind = KindInternal
	}
	return &Error{Kind: kind, Message: StringField(e.Payload, "message")}
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s/v%d %s", e.Magic, e.Version, e.Command)
}

// clonePayload deep-copies p into the shapes both codecs decode to: numbers
// become float64, string slices and maps become []any and map[string]any.
func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	if f, ok := numberValue(v); ok {
		return f
	}
	return v
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
