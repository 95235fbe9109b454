package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcprelay/mcprelay/agents/echo"
	"github.com/mcprelay/mcprelay/internal/auth"
	"github.com/mcprelay/mcprelay/internal/config"
	"github.com/mcprelay/mcprelay/internal/conversation"
	"github.com/mcprelay/mcprelay/internal/host"
	"github.com/mcprelay/mcprelay/internal/protocol"
	"github.com/mcprelay/mcprelay/internal/server"
	"github.com/mcprelay/mcprelay/internal/stream"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func startServer(t *testing.T, mutate func(*config.Config), opts ...host.Option) string {
	t.Helper()
	cfg := config.Default()
	cfg.Environment = config.EnvTest
	if mutate != nil {
		mutate(cfg)
	}
	reg := host.NewRegistry()
	require.NoError(t, reg.Register(echo.New()))
	opts = append([]host.Option{
		host.WithLogger(discard),
		host.WithConversations(conversation.New(time.Hour, conversation.WithLogger(discard))),
	}, opts...)
	d := host.NewDispatcher(reg, opts...)

	ts := httptest.NewServer(server.New(cfg, d, server.WithLogger(discard)).Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func ask(text string) protocol.Envelope {
	return NewMessageForAgent("echo", "chat", map[string]any{"user_prompt": text})
}

func TestNewMessageForAgent(t *testing.T) {
	env := NewMessageForAgent("openai", "chat", map[string]any{"user_prompt": "Teste", "temperature": 0.5})
	assert.Equal(t, "openai:chat", env.Command)
	assert.Equal(t, "MCP0", env.Magic)
	assert.Equal(t, uint8(1), env.Version)
	assert.Equal(t, "Teste", env.Payload["user_prompt"])
	assert.Equal(t, 0.5, env.Payload["temperature"])
}

func TestClient_Send(t *testing.T) {
	c := New(startServer(t, nil), WithLogger(discard))

	resp, err := c.Send(context.Background(), ask("hello"), "")
	require.NoError(t, err)
	assert.Equal(t, "echo_response", resp.Command)
	assert.Equal(t, "hello", resp.Payload["answer"])
}

func TestClient_SendCBOR(t *testing.T) {
	c := New(startServer(t, nil), WithCodec(protocol.CBOR), WithLogger(discard))

	resp, err := c.Send(context.Background(), ask("compact"), "")
	require.NoError(t, err)
	assert.Equal(t, "compact", resp.Payload["answer"])
}

func TestClient_SendErrorKinds(t *testing.T) {
	c := New(startServer(t, nil), WithLogger(discard))

	_, err := c.Send(context.Background(), ask("x").WithCommand("ghost:chat"), "")
	assert.ErrorIs(t, err, protocol.ErrUnknownAgent)

	_, err = c.Send(context.Background(), NewMessageForAgent("echo", "chat", nil), "")
	assert.ErrorIs(t, err, protocol.ErrBadRequest)
	assert.Contains(t, err.Error(), "Missing user_prompt")
}

func TestClient_Token(t *testing.T) {
	url := startServer(t, nil, host.WithAuthenticator(auth.NewTokenSet("tok-1")))

	_, err := New(url, WithLogger(discard)).Send(context.Background(), ask("x"), "")
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)

	resp, err := New(url, WithToken("tok-1"), WithLogger(discard)).Send(context.Background(), ask("x"), "")
	require.NoError(t, err)
	assert.Equal(t, "x", resp.Payload["answer"])
}

func TestClient_Signing(t *testing.T) {
	url := startServer(t, func(c *config.Config) { c.Auth.SigningSecret = "shh" })

	_, err := New(url, WithLogger(discard)).Send(context.Background(), ask("x"), "")
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)

	signed := New(url, WithSigningSecret("shh"), WithLogger(discard))
	_, err = signed.Send(context.Background(), ask("x"), "")
	require.NoError(t, err)

	id, err := signed.CreateConversation(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestClient_Stream(t *testing.T) {
	c := New(startServer(t, nil), WithLogger(discard))

	dec, err := c.Stream(context.Background(), ask("tokens one by one"), "")
	require.NoError(t, err)
	content, meta, err := stream.Collect(context.Background(), dec)
	require.NoError(t, err)
	assert.Equal(t, "tokens one by one", content)
	assert.Equal(t, "stop", meta["finish_reason"])
}

func TestClient_StreamError(t *testing.T) {
	c := New(startServer(t, nil), WithLogger(discard))

	_, err := c.Stream(context.Background(), ask("x").WithCommand("ghost:chat"), "")
	assert.ErrorIs(t, err, protocol.ErrUnknownAgent)
}

func TestClient_Conversation(t *testing.T) {
	c := New(startServer(t, nil), WithLogger(discard))
	ctx := context.Background()

	id, err := c.CreateConversation(ctx)
	require.NoError(t, err)

	_, err = c.Send(ctx, ask("first"), id)
	require.NoError(t, err)
	dec, err := c.Stream(ctx, ask("second"), id)
	require.NoError(t, err)
	_, _, err = stream.Collect(ctx, dec)
	require.NoError(t, err)

	conv, err := c.Conversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, conv.ID)
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, []string{"first", "first", "second", "second"},
		[]string{conv.Messages[0].Content, conv.Messages[1].Content, conv.Messages[2].Content, conv.Messages[3].Content})

	_, err = c.Conversation(ctx, "missing")
	assert.ErrorIs(t, err, protocol.ErrConversationNotFound)
}

func TestClient_Agents(t *testing.T) {
	agents, err := New(startServer(t, nil), WithLogger(discard)).Agents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "echo", agents[0].Name)
}

func TestClient_RetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		data, _ := protocol.JSON.Encode(protocol.New("echo_response", map[string]any{"answer": "finally"}))
		w.Header().Set("Content-Type", protocol.ContentTypeJSON)
		w.Write(data)
	}))
	defer ts.Close()

	c := New(ts.URL, WithRetries(3, time.Millisecond), WithLogger(discard))
	resp, err := c.Send(context.Background(), ask("x"), "")
	require.NoError(t, err)
	assert.Equal(t, "finally", resp.Payload["answer"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_NoRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := New(ts.URL, WithLogger(discard)).Send(context.Background(), ask("x"), "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer ts.Close()

	_, err := New(ts.URL, WithRetries(3, time.Millisecond), WithLogger(discard)).Send(context.Background(), ask("x"), "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_TransportErrorRetried(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := New(url, WithRetries(2, time.Millisecond), WithLogger(discard)).Send(context.Background(), ask("x"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}
