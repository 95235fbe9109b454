// Package openai provides an agent backed by the OpenAI chat completions API.
package openai

import (
	"context"

	"github.com/mcprelay/mcprelay/internal/llm"
	"github.com/mcprelay/mcprelay/internal/protocol"
)

// Defaults for the OpenAI backend.
const (
	Name            = "openai"
	DefaultEndpoint = "https://api.openai.com/v1"
	DefaultModel    = "gpt-3.5-turbo"
)

// Agent forwards user prompts to OpenAI.
type Agent struct {
	client       *llm.Client
	systemPrompt string
}

// Option configures an Agent.
type Option func(*Agent)

// WithSystemPrompt prepends a system message to every request.
func WithSystemPrompt(p string) Option {
	return func(a *Agent) { a.systemPrompt = p }
}

// New creates a new OpenAI Agent using client.
func New(client *llm.Client, opts ...Option) *Agent {
	a := &Agent{client: client}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) Name() string { return Name }

func (a *Agent) Metadata() protocol.AgentMetadata {
	return protocol.AgentMetadata{
		Name:        Name,
		Description: "Answers prompts with an OpenAI chat model (" + a.client.Model() + ")",
		Version:     "1.0.0",
		Actions:     []string{"chat"},
	}
}

func (a *Agent) request(env protocol.Envelope) (llm.ChatRequest, error) {
	prompt := protocol.StringField(env.Payload, protocol.FieldUserPrompt)
	if prompt == "" {
		return llm.ChatRequest{}, protocol.Errorf(protocol.KindBadRequest, "Missing user_prompt")
	}
	return llm.ChatRequest{
		Messages: llm.Messages(a.systemPrompt, llm.HistoryMessages(env.Payload), prompt),
	}, nil
}

// ProcessRequest requires payload.user_prompt and answers with
// {"answer": <completion>}.
func (a *Agent) ProcessRequest(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	req, err := a.request(env)
	if err != nil {
		return protocol.Envelope{}, err
	}
	comp, err := a.client.Complete(ctx, req)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.New(protocol.ResponseCommand(Name), map[string]any{
		protocol.FieldAnswer: comp.Content,
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
