package host

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mcprelay/mcprelay/internal/auth"
	"github.com/mcprelay/mcprelay/internal/conversation"
	"github.com/mcprelay/mcprelay/internal/protocol"
	"github.com/mcprelay/mcprelay/internal/stream"
)

// Request is one inbound envelope with its caller context.
type Request struct {
	Envelope protocol.Envelope
	// Token is the caller's bearer token. It is ignored when the dispatcher
	// has no authenticator.
	Token string
	// ConversationID, when set, records the exchange in that conversation
	// and forwards its history to the agent.
	ConversationID string
}

// Dispatcher routes envelopes to agents. A request moves through
// authentication, command resolution, the optional conversation update and
// agent invocation; a failure at any step ends it with a classified error.
type Dispatcher struct {
	registry *Registry
	auth     auth.Authenticator
	convs    *conversation.Store
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAuthenticator requires every request to carry a token accepted by a.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(d *Dispatcher) { d.auth = a }
}

// WithConversations enables conversation tracking.
func WithConversations(s *conversation.Store) Option {
	return func(d *Dispatcher) { d.convs = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher over registry and freezes it.
func NewDispatcher(registry *Registry, opts ...Option) *Dispatcher {
	registry.Freeze()
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Registry returns the dispatcher's registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Conversations returns the conversation store, or nil when disabled.
func (d *Dispatcher) Conversations() *conversation.Store { return d.convs }

// Authenticate checks token against the configured authenticator.
func (d *Dispatcher) Authenticate(ctx context.Context, token string) (context.Context, error) {
	if d.auth == nil {
		return ctx, nil
	}
	p, err := d.auth.Authenticate(ctx, token)
	if err != nil {
		return ctx, protocol.Wrap(protocol.KindUnauthorized, err, "authentication failed")
	}
	return auth.WithPrincipal(ctx, p), nil
}

// call is a request that has passed authentication and resolution.
type call struct {
	agent  protocol.Agent
	action string
	env    protocol.Envelope
	convID string
}

func (d *Dispatcher) prepare(ctx context.Context, req Request) (context.Context, *call, error) {
	ctx, err := d.Authenticate(ctx, req.Token)
	if err != nil {
		return ctx, nil, err
	}

	env := req.Envelope
	if err := env.Validate(); err != nil {
		return ctx, nil, err
	}
	name, action, err := protocol.SplitCommand(env.Command)
	if err != nil {
		return ctx, nil, protocol.Wrap(protocol.KindBadRequest, err, "invalid command")
	}
	agent, ok := d.registry.Resolve(name)
	if !ok {
		return ctx, nil, protocol.Errorf(protocol.KindUnknownAgent, "agent %q is not registered", name)
	}

	c := &call{agent: agent, action: action, env: env, convID: req.ConversationID}
	if c.convID != "" {
		if c.env, err = d.recordUserTurn(ctx, c.convID, env); err != nil {
			return ctx, nil, err
		}
	}
	return ctx, c, nil
}

// recordUserTurn appends the caller's message to the conversation and
// returns env with the prior history attached. Stored history replaces any
// history the caller supplied.
func (d *Dispatcher) recordUserTurn(ctx context.Context, id string, env protocol.Envelope) (protocol.Envelope, error) {
	if d.convs == nil {
		return env, protocol.Errorf(protocol.KindConversationNotFound, "conversation %q not found: conversations are disabled", id)
	}
	conv, ok := d.convs.Get(id)
	if !ok {
		return env, protocol.Errorf(protocol.KindConversationNotFound, "conversation %q not found", id)
	}
	if err := d.convs.Append(ctx, id, conversation.RoleUser, protocol.MessageText(env.Payload)); err != nil {
		return env, err
	}

	if len(conv.Messages) == 0 {
		return env, nil
	}
	payload := env.Clone().Payload
	payload[protocol.FieldHistory] = protocol.HistoryValue(conv.History())
	return env.WithPayload(payload), nil
}

func (d *Dispatcher) recordAnswer(ctx context.Context, id, answer string) {
	if err := d.convs.Append(ctx, id, conversation.RoleAssistant, answer); err != nil {
		d.logger.Warn("failed to record answer", "conversation_id", id, "error", err)
	}
}

// Dispatch handles one unary request. On success the response command is
// "<agent>_response".
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (protocol.Envelope, error) {
	start := time.Now()
	ctx, c, err := d.prepare(ctx, req)
	if err != nil {
		d.logFailure(req.Envelope.Command, err, start)
		return protocol.Envelope{}, err
	}

	resp, err := c.agent.ProcessRequest(ctx, c.env)
	if err == nil && resp.IsError() {
		err = resp.Err()
	}
	if err != nil {
		err = classifyAgentError(c.agent.Name(), err)
		d.logFailure(req.Envelope.Command, err, start)
		return protocol.Envelope{}, err
	}

	resp = protocol.New(protocol.ResponseCommand(c.agent.Name()), resp.Clone().Payload)
	if c.convID != "" {
		d.recordAnswer(ctx, c.convID, answerText(resp.Payload))
	}

	d.logger.Info("dispatched",
		"command", req.Envelope.Command,
		"agent", c.agent.Name(),
		"action", c.action,
		"duration", time.Since(start),
	)
	return resp, nil
}

// DispatchStream handles one streaming request. Agents without streaming
// support are adapted into a stream of their answer followed by a finish
// token. Errors before the first token are returned directly.
func (d *Dispatcher) DispatchStream(ctx context.Context, req Request) (*Stream, error) {
	start := time.Now()
	ctx, c, err := d.prepare(ctx, req)
	if err != nil {
		d.logFailure(req.Envelope.Command, err, start)
		return nil, err
	}

	var ts protocol.TokenStream
	if sa, ok := c.agent.(protocol.StreamingAgent); ok {
		ts, err = sa.ProcessStream(ctx, c.env)
	} else {
		ts, err = d.adaptUnary(ctx, c)
	}
	if err != nil {
		err = classifyAgentError(c.agent.Name(), err)
		d.logFailure(req.Envelope.Command, err, start)
		return nil, err
	}

	d.logger.Info("stream started", "command", req.Envelope.Command, "agent", c.agent.Name())
	s := &Stream{
		agent:  c.agent.Name(),
		inner:  ts,
		logger: d.logger,
	}
	if c.convID != "" {
		s.onComplete = func(ctx context.Context, content string) { d.recordAnswer(ctx, c.convID, content) }
	}
	return s, nil
}

func (d *Dispatcher) adaptUnary(ctx context.Context, c *call) (protocol.TokenStream, error) {
	resp, err := c.agent.ProcessRequest(ctx, c.env)
	if err == nil && resp.IsError() {
		err = resp.Err()
	}
	if err != nil {
		return nil, err
	}
	meta := map[string]any{}
	for k, v := range resp.Payload {
		if k != protocol.FieldAnswer {
			meta[k] = v
		}
	}
	return stream.FromTokens(
		protocol.Token{Content: answerText(resp.Payload)},
		protocol.FinishToken(meta),
	), nil
}

func (d *Dispatcher) logFailure(command string, err error, start time.Time) {
	d.logger.Warn("dispatch failed",
		"command", command,
		"kind", protocol.KindOf(err),
		"error", err,
		"duration", time.Since(start),
	)
}

// Stream is the token stream of one dispatched request. When the request
// belongs to a conversation, the streamed answer is recorded once the
// stream completes cleanly; failed or abandoned streams record nothing.
type Stream struct {
	agent      string
	inner      protocol.TokenStream
	logger     *slog.Logger
	onComplete func(ctx context.Context, content string)

	content  strings.Builder
	finished bool
	err      error
}

var _ protocol.TokenStream = (*Stream)(nil)

// Agent returns the name of the agent producing the stream.
func (s *Stream) Agent() string { return s.agent }

// Command returns the response command for the stream's tokens.
func (s *Stream) Command() string { return protocol.ResponseCommand(s.agent) }

// Next returns the next token, or io.EOF after the last one.
func (s *Stream) Next(ctx context.Context) (protocol.Token, error) {
	if s.err != nil {
		return protocol.Token{}, s.err
	}
	if s.finished {
		return protocol.Token{}, io.EOF
	}

	tok, err := s.inner.Next(ctx)
	switch {
	case errors.Is(err, io.EOF):
		s.complete(ctx)
		return protocol.Token{}, io.EOF
	case err != nil:
		s.err = classifyStreamError(s.agent, err)
		s.inner.Close()
		s.logger.Warn("stream failed", "agent", s.agent, "kind", protocol.KindOf(s.err), "error", err)
		return protocol.Token{}, s.err
	}

	s.content.WriteString(tok.Content)
	if tok.IsFinish {
		s.complete(ctx)
	}
	return tok, nil
}

func (s *Stream) complete(ctx context.Context) {
	s.finished = true
	s.inner.Close()
	if s.onComplete != nil && ctx.Err() == nil {
		s.onComplete(ctx, s.content.String())
	}
}

// Close releases the underlying stream.
func (s *Stream) Close() error {
	if !s.finished && s.err == nil {
		s.finished = true
		s.onComplete = nil
	}
	return s.inner.Close()
}

func answerText(payload map[string]any) string {
	if a, ok := payload[protocol.FieldAnswer].(string); ok {
		return a
	}
	return protocol.MessageText(payload)
}

// classifyAgentError maps an agent failure onto the caller-visible taxonomy.
func classifyAgentError(agent string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case protocol.KindOf(err) == protocol.KindBadRequest:
		// The agent rejected the payload itself.
		return err
	case protocol.KindOf(err) == protocol.KindUpstreamTimeout:
		return protocol.Wrap(protocol.KindUpstreamTimeout, err, "agent "+agent+" timed out")
	default:
		return protocol.Wrap(protocol.KindUpstream, err, "agent "+agent+" failed")
	}
}

// classifyStreamError keeps decoder classifications and maps everything else
// like an agent failure.
func classifyStreamError(agent string, err error) error {
	switch protocol.KindOf(err) {
	case protocol.KindTruncatedStream, protocol.KindMalformedFrame, protocol.KindUpstream, protocol.KindUpstreamTimeout:
		return err
	}
	return classifyAgentError(agent, err)
}
