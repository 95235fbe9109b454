package echo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcprelay/mcprelay/internal/protocol"
	"github.com/mcprelay/mcprelay/internal/stream"
)

func TestAgent_Name(t *testing.T) {
	assert.Equal(t, "echo", New().Name())
	assert.True(t, protocol.MetadataOf(New()).Streaming)
}

func TestAgent_ProcessRequest(t *testing.T) {
	resp, err := New().ProcessRequest(context.Background(), protocol.New("echo:chat", map[string]any{"user_prompt": "hi"}))
	require.NoError(t, err)
	assert.Equal(t, "echo_response", resp.Command)
	assert.Equal(t, map[string]any{"answer": "hi"}, resp.Payload)
}

func TestAgent_MissingPrompt(t *testing.T) {
	_, err := New().ProcessRequest(context.Background(), protocol.New("echo:chat", nil))
	assert.ErrorIs(t, err, protocol.ErrBadRequest)

	_, err = New().ProcessStream(context.Background(), protocol.New("echo:chat", nil))
	assert.ErrorIs(t, err, protocol.ErrBadRequest)
}

func TestAgent_ProcessStream(t *testing.T) {
	ts, err := New().ProcessStream(context.Background(), protocol.New("echo:chat", map[string]any{"user_prompt": "hello brave  new world"}))
	require.NoError(t, err)

	content, meta, err := stream.Collect(context.Background(), ts)
	require.NoError(t, err)
	assert.Equal(t, "hello brave  new world", content)
	assert.Equal(t, "stop", meta["finish_reason"])
}

func TestAgent_StreamCancelled(t *testing.T) {
	ts, err := New().ProcessStream(context.Background(), protocol.New("echo:chat", map[string]any{"user_prompt": "a b"}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ts.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSplitWords(t *testing.T) {
	assert.Equal(t, []string{"a ", "b ", "c"}, splitWords("a b c"))
	assert.Equal(t, []string{"a ", " "}, splitWords("a  "))
	assert.Nil(t, splitWords(""))
}

func TestAgent_ImplementsStreamingAgent(t *testing.T) {
	var _ protocol.StreamingAgent = (*Agent)(nil)
}
