// Package deepseek provides an agent backed by the DeepSeek chat API.
package deepseek

import (
	"context"

	"github.com/mcprelay/mcprelay/internal/llm"
	"github.com/mcprelay/mcprelay/internal/protocol"
)

// Defaults for the DeepSeek backend.
const (
	Name            = "deepseek"
	DefaultEndpoint = "https://api.deepseek.ai/v1"
	DefaultModel    = "deepseek-chat"
)

// Agent forwards user prompts to DeepSeek. Unlike the OpenAI agent it honors
// per-request temperature and max_tokens and reports the completion id and
// finish reason.
type Agent struct {
	client *llm.Client
}

// New creates a new DeepSeek Agent using client.
func New(client *llm.Client) *Agent {
	return &Agent{client: client}
}

func (a *Agent) Name() string { return Name }

func (a *Agent) Metadata() protocol.AgentMetadata {
	return protocol.AgentMetadata{
		Name:        Name,
		Description: "Answers prompts with a DeepSeek model (" + a.client.Model() + ")",
		Version:     "1.0.0",
		Actions:     []string{"chat"},
	}
}

func (a *Agent) request(env protocol.Envelope) (llm.ChatRequest, error) {
	prompt := protocol.StringField(env.Payload, protocol.FieldUserPrompt)
	if prompt == "" {
		return llm.ChatRequest{}, protocol.Errorf(protocol.KindBadRequest, "Missing user_prompt")
	}
	req := llm.ChatRequest{
		Messages: llm.Messages("", llm.HistoryMessages(env.Payload), prompt),
	}
	if t, ok := protocol.FloatField(env.Payload, protocol.FieldTemperature); ok {
		if t < 0 || t > 2 {
			return llm.ChatRequest{}, protocol.Errorf(protocol.KindBadRequest, "temperature must be between 0 and 2, got %g", t)
		}
		req.Temperature = &t
	}
	if n, ok := protocol.IntField(env.Payload, protocol.FieldMaxTokens); ok {
		if n <= 0 {
			return llm.ChatRequest{}, protocol.Errorf(protocol.KindBadRequest, "max_tokens must be positive, got %d", n)
		}
		req.MaxTokens = &n
	}
	return req, nil
}

// ProcessRequest answers with {"answer", "id", "finish_reason"}.
func (a *Agent) ProcessRequest(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	req, err := a.request(env)
	if err != nil {
		return protocol.Envelope{}, err
	}
	comp, err := a.client.Complete(ctx, req)
	if err != nil {
		return protocol.Envelope{}, err
	}
	finish := comp.FinishReason
	if finish == "" {
		finish = "unknown"
	}
	return protocol.New(protocol.ResponseCommand(Name), map[string]any{
		protocol.FieldAnswer: comp.Content,
		"id":                 comp.ID,
		"finish_reason":      finish,
	}), nil
}

// ProcessStream streams the completion token by token.
func (a *Agent) ProcessStream(ctx context.Context, env protocol.Envelope) (protocol.TokenStream, error) {
	req, err := a.request(env)
	if err != nil {
		return nil, err
	}
	return a.client.Stream(ctx, req)
}
