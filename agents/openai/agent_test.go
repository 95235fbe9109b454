package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcprelay/mcprelay/internal/llm"
	"github.com/mcprelay/mcprelay/internal/protocol"
	"github.com/mcprelay/mcprelay/internal/stream"
)

func newBackend(t *testing.T, handler http.HandlerFunc) *llm.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return llm.NewClient(llm.Config{Endpoint: srv.URL, APIKey: "sk-test", Model: DefaultModel, Timeout: 5 * time.Second})
}

func TestAgent_Name(t *testing.T) {
	a := New(llm.NewClient(llm.Config{Model: DefaultModel}))
	assert.Equal(t, "openai", a.Name())
	assert.Contains(t, a.Metadata().Description, DefaultModel)
}

func TestAgent_ProcessRequest(t *testing.T) {
	client := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req llm.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultModel, req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
		assert.Equal(t, "Teste", req.Messages[1].Content)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Rust is a systems language."}}]}`)
	})

	a := New(client, WithSystemPrompt("Be brief."))
	resp, err := a.ProcessRequest(context.Background(), protocol.New("openai:chat", map[string]any{"user_prompt": "Teste"}))
	require.NoError(t, err)
	assert.Equal(t, "openai_response", resp.Command)
	assert.Equal(t, "Rust is a systems language.", resp.Payload["answer"])
}

func TestAgent_ForwardsHistory(t *testing.T) {
	client := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		var req llm.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 3)
		assert.Equal(t, llm.RoleAssistant, req.Messages[1].Role)
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	})

	payload := map[string]any{
		"user_prompt": "and now?",
		"history": protocol.HistoryValue([]protocol.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		}),
	}
	_, err := New(client).ProcessRequest(context.Background(), protocol.New("openai:chat", payload))
	require.NoError(t, err)
}

func TestAgent_MissingPrompt(t *testing.T) {
	a := New(llm.NewClient(llm.Config{Model: DefaultModel}))
	_, err := a.ProcessRequest(context.Background(), protocol.New("openai:chat", map[string]any{"other": 1}))
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrBadRequest)
	assert.Contains(t, err.Error(), "Missing user_prompt")
}

func TestAgent_APIError(t *testing.T) {
	client := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err := New(client).ProcessRequest(context.Background(), protocol.New("openai:chat", map[string]any{"user_prompt": "x"}))
	var apiErr *llm.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestAgent_ProcessStream(t *testing.T) {
	client := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		for _, c := range []string{"Ru", "st"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ts, err := New(client).ProcessStream(context.Background(), protocol.New("openai:chat", map[string]any{"user_prompt": "x"}))
	require.NoError(t, err)
	content, _, err := stream.Collect(context.Background(), ts)
	require.NoError(t, err)
	assert.Equal(t, "Rust", content)
}
