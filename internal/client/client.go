// Package client sends envelopes to a relay server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mcprelay/mcprelay/internal/auth"
	"github.com/mcprelay/mcprelay/internal/protocol"
	"github.com/mcprelay/mcprelay/internal/stream"
)

// Paths served by the relay.
const (
	PathEnvelope     = "/mcp"
	PathStream       = "/mcp/stream"
	PathConversation = "/conversation"
	PathAgents       = "/agents"
)

// NewMessageForAgent builds an envelope whose command is "<agent>:<action>".
func NewMessageForAgent(agent, action string, payload map[string]any) protocol.Envelope {
	return protocol.NewForAgent(agent, action, payload)
}

// StatusError is a non-2xx response that did not carry an error envelope.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable
}

// Conversation is the server's view of a conversation.
type Conversation struct {
	ID        string            `json:"conversation_id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Messages  []Message         `json:"messages"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Message is one conversation entry.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Client talks to one relay server.
type Client struct {
	baseURL       string
	token         string
	signingSecret string
	codec         protocol.Codec
	http          *http.Client
	maxRetries    int
	backoff       time.Duration
	logger        *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithCodec selects the envelope wire format. The default is JSON.
func WithCodec(codec protocol.Codec) Option {
	return func(c *Client) { c.codec = codec }
}

// WithSigningSecret signs request bodies with HMAC-SHA256.
func WithSigningSecret(secret string) Option {
	return func(c *Client) { c.signingSecret = secret }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetries repeats requests that failed at the transport level or with
// 429/503 up to n more times, waiting backoff*attempt between tries. A
// non-positive backoff keeps the default.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = n
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		codec:   protocol.JSON,
		http:    &http.Client{},
		backoff: 200 * time.Millisecond,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client")
	return c
}

// Send posts env and returns the response envelope. Error envelopes are
// returned as *protocol.Error values of the reported kind.
func (c *Client) Send(ctx context.Context, env protocol.Envelope, conversationID string) (protocol.Envelope, error) {
	body, err := c.codec.Encode(env)
	if err != nil {
		return protocol.Envelope{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, PathEnvelope, body, c.codec.ContentType(), conversationID)
	if err != nil {
		return protocol.Envelope{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("read response: %w", err)
	}
	out, err := protocol.CodecFor(resp.Header.Get("Content-Type")).Decode(data)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("decode response: %w", err)
	}
	if err := out.Err(); err != nil {
		return protocol.Envelope{}, err
	}
	return out, nil
}

// Stream posts env to the streaming endpoint. The returned decoder yields
// the agent's tokens; the caller must Close it. Streams are never retried
// once the response has started.
func (c *Client) Stream(ctx context.Context, env protocol.Envelope, conversationID string) (*stream.Decoder, error) {
	body, err := c.codec.Encode(env)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, PathStream, body, c.codec.ContentType(), conversationID)
	if err != nil {
		return nil, err
	}
	return stream.NewDecoder(resp.Body, stream.WithParser(stream.TokenFrames)), nil
}

// CreateConversation starts a conversation and returns its id.
func (c *Client) CreateConversation(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, PathConversation, nil, "", "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var created struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return created.ConversationID, nil
}

// Conversation fetches a conversation transcript.
func (c *Client) Conversation(ctx context.Context, id string) (Conversation, error) {
	resp, err := c.do(ctx, http.MethodGet, PathConversation+"/"+id, nil, "", "")
	if err != nil {
		return Conversation{}, err
	}
	defer resp.Body.Close()

	var conv Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return Conversation{}, fmt.Errorf("decode response: %w", err)
	}
	return conv, nil
}

// Agents lists the agents registered on the server.
func (c *Client) Agents(ctx context.Context) ([]protocol.AgentMetadata, error) {
	resp, err := c.do(ctx, http.MethodGet, PathAgents, nil, "", "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list struct {
		Agents []protocol.AgentMetadata `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return list.Agents, nil
}

// do sends one request with retries and returns a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType, conversationID string) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.doOnce(ctx, method, path, body, contentType, conversationID)
		if err == nil || attempt >= c.maxRetries || !retryable(err) || ctx.Err() != nil {
			return resp, err
		}

		wait := c.backoff * time.Duration(attempt+1)
		c.logger.Warn("retrying request", "path", path, "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, contentType, conversationID string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", contentType+", text/event-stream")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if conversationID != "" {
		req.Header.Set("X-Conversation-ID", conversationID)
	}
	if c.signingSecret != "" && method == http.MethodPost {
		req.Header.Set(auth.SignatureHeader, auth.SignPayload(body, c.signingSecret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, responseError(resp)
}

// responseError rebuilds the server's error from a non-2xx response.
func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	if statusErr.Retryable() {
		return statusErr
	}

	if env, err := protocol.CodecFor(resp.Header.Get("Content-Type")).Decode(data); err == nil && env.IsError() {
		return env.Err()
	}
	var body struct {
		Kind    protocol.Kind `json:"kind"`
		Message string        `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Kind != "" {
		return protocol.Errorf(body.Kind, "%s", body.Message)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return protocol.Errorf(protocol.KindUnauthorized, "%s", statusErr.Body)
	}
	return statusErr
}

type transportError struct{ err error }

func (e *transportError) Error() string { return "request failed: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	var se *StatusError
	return errors.As(err, &se) && se.Retryable()
}
