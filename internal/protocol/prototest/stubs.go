// Package prototest provides shared test doubles for the protocol package.
package prototest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/mcprelay/mcprelay/internal/protocol"
)

// FuncAgent is an Agent whose behavior is a function. It records every
// envelope it receives.
type FuncAgent struct {
	AgentName string
	Fn        func(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error)

	mu       sync.Mutex
	received []protocol.Envelope
}

func (a *FuncAgent) Name() string { return a.AgentName }

func (a *FuncAgent) ProcessRequest(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	a.mu.Lock()
	a.received = append(a.received, env.Clone())
	a.mu.Unlock()
	if a.Fn == nil {
		return protocol.New(a.AgentName+"_raw", env.Payload), nil
	}
	return a.Fn(ctx, env)
}

// Received returns copies of the envelopes passed to ProcessRequest.
func (a *FuncAgent) Received() []protocol.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]protocol.Envelope, len(a.received))
	copy(out, a.received)
	return out
}

// StreamAgent is a StreamingAgent that replays a scripted stream.
type StreamAgent struct {
	FuncAgent
	Stream func(ctx context.Context, env protocol.Envelope) (protocol.TokenStream, error)
}

func (a *StreamAgent) ProcessStream(ctx context.Context, env protocol.Envelope) (protocol.TokenStream, error) {
	return a.Stream(ctx, env)
}

// Step is one scripted result of a ScriptedStream.
type Step struct {
	Token protocol.Token
	Err   error
}

// ScriptedStream replays steps in order, then returns io.EOF.
type ScriptedStream struct {
	Steps  []Step
	pos    int
	closed atomic.Bool
}

func (s *ScriptedStream) Next(ctx context.Context) (protocol.Token, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Token{}, err
	}
	if s.closed.Load() || s.pos >= len(s.Steps) {
		return protocol.Token{}, io.EOF
	}
	step := s.Steps[s.pos]
	s.pos++
	return step.Token, step.Err
}

func (s *ScriptedStream) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (s *ScriptedStream) Closed() bool { return s.closed.Load() }
