// Package llm provides a client for OpenAI-compatible chat completions APIs.
// It supports both streaming and non-streaming modes.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mcprelay/mcprelay/internal/protocol"
	"github.com/mcprelay/mcprelay/internal/stream"
)

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request body for the chat completions API. Model and
// Stream are filled in by the client.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

// ChatResponse is the response from the chat completions API.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Completion is the result of a non-streaming chat completion.
type Completion struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable
}

// Config holds the client's connection settings.
type Config struct {
	Endpoint  string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	// MaxRetries bounds how often Complete repeats a request that failed
	// with 429 or 503. Streams are never retried.
	MaxRetries   int
	RetryBackoff time.Duration
}

// Client provides access to a chat completions API.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a new LLM client. The HTTP client has no overall
// timeout so that streams are bounded by their context instead; Complete
// applies cfg.Timeout per attempt.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	c := &Client{
		cfg:    cfg,
		client: &http.Client{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "llm", "model", cfg.Model)
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Messages builds a message list with an optional system prompt.
func Messages(systemPrompt string, history []ChatMessage, prompt string) []ChatMessage {
	out := make([]ChatMessage, 0, len(history)+2)
	if systemPrompt != "" {
		out = append(out, ChatMessage{Role: RoleSystem, Content: systemPrompt})
	}
	out = append(out, history...)
	if prompt != "" {
		out = append(out, ChatMessage{Role: RoleUser, Content: prompt})
	}
	return out
}

// Complete performs a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (Completion, error) {
	req.Model = c.cfg.Model
	req.Stream = false
	c.applyDefaults(&req)
	body, err := json.Marshal(req)
	if err != nil {
		return Completion{}, fmt.Errorf("marshal request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		comp, err := c.completeOnce(ctx, body)
		var apiErr *APIError
		if err == nil || attempt >= c.cfg.MaxRetries || !errors.As(err, &apiErr) || !apiErr.Retryable() {
			return comp, err
		}

		wait := c.cfg.RetryBackoff * time.Duration(attempt+1)
		c.logger.Warn("retrying chat completion", "status", apiErr.StatusCode, "attempt", attempt+1, "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return Completion{}, classify(ctx.Err())
		}
	}
}

func (c *Client) completeOnce(ctx context.Context, body []byte) (Completion, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return Completion{}, classify(fmt.Errorf("decode response: %w", err))
	}
	if len(chatResp.Choices) == 0 {
		return Completion{}, protocol.Errorf(protocol.KindUpstream, "no choices in response")
	}

	choice := chatResp.Choices[0]
	return Completion{
		ID:           chatResp.ID,
		Model:        chatResp.Model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}, nil
}

// Stream performs a streaming chat completion. The returned stream owns the
// response body; the caller must Close it.
func (c *Client) Stream(ctx context.Context, req ChatRequest) (protocol.TokenStream, error) {
	req.Model = c.cfg.Model
	req.Stream = true
	c.applyDefaults(&req)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	return &timeoutStream{dec: stream.NewDecoder(resp.Body, stream.WithParser(stream.ChatCompletionFrames))}, nil
}

func (c *Client) applyDefaults(req *ChatRequest) {
	if req.MaxTokens == nil && c.cfg.MaxTokens > 0 {
		n := c.cfg.MaxTokens
		req.MaxTokens = &n
	}
}

// post sends body and returns a 2xx response. Other statuses become *APIError.
func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classify(fmt.Errorf("request failed: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		if resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout {
			return nil, protocol.Wrap(protocol.KindUpstreamTimeout, apiErr, "upstream timed out")
		}
		return nil, apiErr
	}
	return resp, nil
}

// classify marks deadline and network timeout errors as upstream timeouts.
func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return protocol.Wrap(protocol.KindUpstreamTimeout, err, "upstream timed out")
	}
	return err
}

// timeoutStream classifies read timeouts surfaced by the decoder.
type timeoutStream struct {
	dec *stream.Decoder
}

func (s *timeoutStream) Next(ctx context.Context) (protocol.Token, error) {
	tok, err := s.dec.Next(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		return tok, classify(err)
	}
	return tok, err
}

func (s *timeoutStream) Close() error { return s.dec.Close() }

// HistoryMessages converts payload.history into chat messages.
func HistoryMessages(payload map[string]any) []ChatMessage {
	history := protocol.HistoryOf(payload)
	out := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
