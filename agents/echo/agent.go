// Package echo provides the Echo agent, which answers with the caller's prompt.
// It needs no backend and is used for smoke tests and demos.
package echo

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/mcprelay/mcprelay/internal/protocol"
)

// Name is the echo agent's registry name.
const Name = "echo"

// Agent echoes payload.user_prompt into payload.answer.
type Agent struct {
	delay time.Duration
}

// Option configures an Agent.
type Option func(*Agent)

// WithDelay pauses between streamed tokens.
func WithDelay(d time.Duration) Option {
	return func(a *Agent) { a.delay = d }
}

// New creates a new echo Agent.
func New(opts ...Option) *Agent {
	a := &Agent{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) Name() string { return Name }

func (a *Agent) Metadata() protocol.AgentMetadata {
	return protocol.AgentMetadata{
		Name:        Name,
		Description: "Echoes the user prompt back as the answer",
		Version:     "1.0.0",
		Actions:     []string{"chat"},
	}
}

// ProcessRequest answers with the prompt unchanged.
func (a *Agent) ProcessRequest(_ context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	prompt, err := promptOf(env)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.New(protocol.ResponseCommand(Name), map[string]any{
		protocol.FieldAnswer: prompt,
	}), nil
}

// ProcessStream streams the prompt back one word at a time.
func (a *Agent) ProcessStream(_ context.Context, env protocol.Envelope) (protocol.TokenStream, error) {
	prompt, err := promptOf(env)
	if err != nil {
		return nil, err
	}
	return &wordStream{words: splitWords(prompt), delay: a.delay}, nil
}

func promptOf(env protocol.Envelope) (string, error) {
	prompt := protocol.StringField(env.Payload, protocol.FieldUserPrompt)
	if prompt == "" {
		return "", protocol.Errorf(protocol.KindBadRequest, "Missing user_prompt")
	}
	return prompt, nil
}

// splitWords splits s after each space so the pieces concatenate back to s.
func splitWords(s string) []string {
	var out []string
	for s != "" {
		i := strings.IndexByte(s, ' ')
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i+1])
		s = s[i+1:]
	}
	return out
}

type wordStream struct {
	words  []string
	delay  time.Duration
	sent   int
	closed bool
}

func (s *wordStream) Next(ctx context.Context) (protocol.Token, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Token{}, err
	}
	if s.closed || s.sent > len(s.words) {
		return protocol.Token{}, io.EOF
	}
	if s.sent > 0 && s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return protocol.Token{}, ctx.Err()
		}
	}
	if s.sent == len(s.words) {
		s.sent++
		return protocol.FinishToken(map[string]any{"finish_reason": "stop"}), nil
	}
	tok := protocol.Token{Content: s.words[s.sent]}
	s.sent++
	return tok, nil
}

func (s *wordStream) Close() error {
	s.closed = true
	return nil
}
