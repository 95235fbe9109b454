package protocol

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelopes() []Envelope {
	return []Envelope{
		New("echo:chat", map[string]any{"user_prompt": "hi"}),
		New("openai_response", map[string]any{"answer": "Rust is a systems language."}),
		New("deepseek:chat", map[string]any{
			"user_prompt": "what is a monad?",
			"temperature": 0.5,
			"stream":      false,
			"history": []any{
				map[string]any{"role": "user", "content": "hello"},
				map[string]any{"role": "assistant", "content": "hi there"},
			},
			"nested": map[string]any{"deep": map[string]any{"value": "x"}},
		}),
		New("deepseek:chat", map[string]any{
			"user_prompt": "hi",
			"max_tokens":  100,
			"offset":      int64(-3),
			"seed":        uint32(7),
			"tags":        []string{"a", "b"},
			"metadata":    map[string]string{"source": "cli"},
		}),
		New("a:b", map[string]any{}),
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, codec := range []Codec{JSON, CBOR} {
		t.Run(codec.ContentType(), func(t *testing.T) {
			for _, env := range sampleEnvelopes() {
				data, err := codec.Encode(env)
				require.NoError(t, err)

				got, err := codec.Decode(data)
				require.NoError(t, err)
				assert.Equal(t, env, got)

				again, err := codec.Encode(got)
				require.NoError(t, err)
				assert.Equal(t, data, again, "re-encoding a decoded envelope must be stable")
			}
		})
	}
}

func TestNew_CanonicalPayload(t *testing.T) {
	env := New("deepseek:chat", map[string]any{
		"max_tokens": 100,
		"tags":       []string{"x"},
		"nested":     map[string]any{"n": uint8(2)},
	})
	assert.Equal(t, float64(100), env.Payload["max_tokens"])
	assert.Equal(t, []any{"x"}, env.Payload["tags"])
	assert.Equal(t, map[string]any{"n": float64(2)}, env.Payload["nested"])

	env = env.WithPayload(map[string]any{"max_tokens": int64(5)})
	assert.Equal(t, float64(5), env.Payload["max_tokens"])
}

func TestCBOR_IntegersDecodeAsFloat(t *testing.T) {
	// A foreign producer encoding max_tokens as a CBOR integer.
	data, err := cbor.Marshal(map[string]any{
		"magic":   Magic,
		"version": 1,
		"command": "deepseek:chat",
		"payload": map[string]any{"max_tokens": 100, "delta": -2},
	})
	require.NoError(t, err)

	env, err := CBOR.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, float64(100), env.Payload["max_tokens"])
	assert.Equal(t, float64(-2), env.Payload["delta"])
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `nope`},
		{"missing magic", `{"version":1,"command":"a:b","payload":{}}`},
		{"missing version", `{"magic":"MCP0","command":"a:b","payload":{}}`},
		{"missing command", `{"magic":"MCP0","version":1,"payload":{}}`},
		{"missing payload", `{"magic":"MCP0","version":1,"command":"a:b"}`},
		{"null payload", `{"magic":"MCP0","version":1,"command":"a:b","payload":null}`},
		{"wrong magic", `{"magic":"XXXX","version":1,"command":"a:b","payload":{}}`},
		{"unsupported version", `{"magic":"MCP0","version":2,"command":"a:b","payload":{}}`},
		{"version overflow", `{"magic":"MCP0","version":300,"command":"a:b","payload":{}}`},
		{"empty command", `{"magic":"MCP0","version":1,"command":"","payload":{}}`},
		{"payload not object", `{"magic":"MCP0","version":1,"command":"a:b","payload":[1]}`},
		{"trailing data", `{"magic":"MCP0","version":1,"command":"a:b","payload":{}} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestDecode_IgnoresUnknownFields(t *testing.T) {
	env, err := Decode([]byte(`{"magic":"MCP0","version":1,"command":"a:b","payload":{"k":"v"},"extra":true}`))
	require.NoError(t, err)
	assert.Equal(t, "a:b", env.Command)
	assert.Equal(t, "v", env.Payload["k"])
}

func TestCBOR_RejectsWrongMagic(t *testing.T) {
	env := New("a:b", nil)
	env.Magic = "MCP9"
	data, err := CBOR.Encode(env)
	require.NoError(t, err)

	_, err = CBOR.Decode(data)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestSplitCommand(t *testing.T) {
	agent, action, err := SplitCommand("a:b")
	require.NoError(t, err)
	assert.Equal(t, "a", agent)
	assert.Equal(t, "b", action)

	agent, action, err = SplitCommand("openai:chat")
	require.NoError(t, err)
	assert.Equal(t, "openai", agent)
	assert.Equal(t, "chat", action)

	for _, bad := range []string{"ab", ":b", "a:", "a:b:c", ":", ""} {
		_, _, err := SplitCommand(bad)
		assert.ErrorIs(t, err, ErrInvalidCommand, "command %q", bad)
	}
}

func TestNewForAgent(t *testing.T) {
	env := NewForAgent("openai", "chat", map[string]any{"user_prompt": "Teste", "temperature": 0.5})
	assert.Equal(t, "openai:chat", env.Command)
	assert.Equal(t, Magic, env.Magic)
	assert.Equal(t, Version, env.Version)
	assert.Equal(t, "Teste", env.Payload["user_prompt"])
	assert.Equal(t, 0.5, env.Payload["temperature"])
}

func TestEnvelope_CopiesAreIndependent(t *testing.T) {
	orig := New("echo:chat", map[string]any{"nested": map[string]any{"k": "v"}})

	renamed := orig.WithCommand("echo_response")
	renamed.Payload["nested"].(map[string]any)["k"] = "changed"

	assert.Equal(t, "echo:chat", orig.Command)
	assert.Equal(t, "v", orig.Payload["nested"].(map[string]any)["k"])
}

func TestErrorEnvelope(t *testing.T) {
	env := ErrorEnvelope(Errorf(KindUnknownAgent, "agent %q is not registered", "ghost"))
	assert.True(t, env.IsError())
	assert.Equal(t, "unknown_agent", env.Payload["kind"])
	assert.Equal(t, `agent "ghost" is not registered`, env.Payload["message"])

	err := env.Err()
	assert.ErrorIs(t, err, ErrUnknownAgent)

	internal := ErrorEnvelope(errors.New("db password is hunter2"))
	assert.Equal(t, "internal", internal.Payload["kind"])
	assert.Equal(t, "internal error", internal.Payload["message"])

	assert.NoError(t, New("echo_response", nil).Err())
}

func TestMessageOf_HidesInternalDetail(t *testing.T) {
	secret := errors.New("dial tcp 10.0.0.7:5432: password authentication failed")

	wrapped := Wrap(KindInternal, secret, "loading transcript")
	assert.Equal(t, "internal error", MessageOf(wrapped))
	assert.Equal(t, "internal error", MessageOf(Errorf(KindInternal, "cache at %s", "/var/lib/x")))
	assert.Equal(t, "internal error", MessageOf(secret))

	env := ErrorEnvelope(wrapped)
	assert.Equal(t, string(KindInternal), env.Payload["kind"])
	assert.Equal(t, "internal error", env.Payload["message"])

	assert.Equal(t, "decode frame: bad", MessageOf(Wrap(KindMalformedFrame, errors.New("bad"), "decode frame")))
}

func TestKindOf(t *testing.T) {
	inner := Errorf(KindInvalidCommand, "bad")
	outer := Wrap(KindBadRequest, inner, "dispatch")

	assert.Equal(t, KindBadRequest, KindOf(outer))
	assert.ErrorIs(t, outer, ErrBadRequest)
	assert.ErrorIs(t, outer, ErrInvalidCommand)
	assert.NotErrorIs(t, outer, ErrUnknownAgent)
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}
