// Package stdio serves the dispatcher over JSON-RPC 2.0 on a reader/writer
// pair, one message per line.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/mcprelay/mcprelay/internal/host"
	"github.com/mcprelay/mcprelay/internal/protocol"
)

// JSON-RPC method names.
const (
	MethodInitialize         = "initialize"
	MethodAgentsList         = "agents/list"
	MethodEnvelopeSend       = "envelope/send"
	MethodEnvelopeStream     = "envelope/stream"
	MethodConversationCreate = "conversation/create"
	// MethodToken is the notification carrying one streamed token.
	MethodToken = "envelope/token"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeDispatchError  = -32000
)

const maxLineSize = 1 << 20

// JSONRPCRequest represents an incoming JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents an outgoing JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// JSONRPCNotification is a message without an ID.
type JSONRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// RPCError represents a JSON-RPC error. Data carries the protocol error kind
// for dispatch failures.
type RPCError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *RPCErrorData `json:"data,omitempty"`
}

// RPCErrorData is the data member of dispatch errors.
type RPCErrorData struct {
	Kind protocol.Kind `json:"kind"`
}

// EnvelopeParams are the params of envelope/send and envelope/stream.
type EnvelopeParams struct {
	Envelope       json.RawMessage `json:"envelope"`
	Token          string          `json:"token,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
}

// TokenParams are the params of an envelope/token notification.
type TokenParams struct {
	RequestID any            `json:"request_id"`
	Token     protocol.Token `json:"token"`
}

// StreamResult is the final result of envelope/stream.
type StreamResult struct {
	Command  string         `json:"command"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Adapter bridges JSON-RPC on stdio to the dispatcher.
type Adapter struct {
	dispatcher *host.Dispatcher
	reader     io.Reader
	writer     io.Writer
	logger     *slog.Logger
	version    string

	mu sync.Mutex
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithVersion sets the version reported by initialize.
func WithVersion(v string) Option {
	return func(a *Adapter) { a.version = v }
}

// NewAdapter creates a new stdio Adapter.
func NewAdapter(d *host.Dispatcher, r io.Reader, w io.Writer, opts ...Option) *Adapter {
	a := &Adapter{
		dispatcher: d,
		reader:     r,
		writer:     w,
		logger:     slog.Default(),
		version:    "dev",
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "stdio")
	return a
}

// Run reads JSON-RPC requests from the reader and writes responses to the writer.
// It blocks until the reader is exhausted or the context is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(a.reader)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			a.writeError(nil, CodeParseError, "Parse error", nil)
			continue
		}

		a.handleRequest(ctx, &req)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	return nil
}

func (a *Adapter) handleRequest(ctx context.Context, req *JSONRPCRequest) {
	switch req.Method {
	case MethodInitialize:
		a.handleInitialize(req)
	case MethodAgentsList:
		a.writeResult(req.ID, map[string]any{"agents": a.dispatcher.Registry().List()})
	case MethodEnvelopeSend:
		a.handleSend(ctx, req)
	case MethodEnvelopeStream:
		a.handleStream(ctx, req)
	case MethodConversationCreate:
		a.handleConversationCreate(ctx, req)
	default:
		a.writeError(req.ID, CodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}
}

func (a *Adapter) handleInitialize(req *JSONRPCRequest) {
	a.writeResult(req.ID, map[string]any{
		"protocolVersion": fmt.Sprintf("%s/%d", protocol.Magic, protocol.Version),
		"capabilities": map[string]any{
			"streaming":     true,
			"conversations": a.dispatcher.Conversations() != nil,
		},
		"serverInfo": map[string]any{
			"name":    "mcp-relay",
			"version": a.version,
		},
	})
}

// parseEnvelopeParams authenticates the caller before the envelope is
// decoded, so anonymous callers only ever see unauthorized.
func (a *Adapter) parseEnvelopeParams(ctx context.Context, req *JSONRPCRequest) (host.Request, bool) {
	var params EnvelopeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		a.writeError(req.ID, CodeInvalidParams, "Invalid params", nil)
		return host.Request{}, false
	}
	if _, err := a.dispatcher.Authenticate(ctx, params.Token); err != nil {
		a.writeDispatchError(req.ID, err)
		return host.Request{}, false
	}
	if len(params.Envelope) == 0 {
		a.writeError(req.ID, CodeInvalidParams, "Invalid params", nil)
		return host.Request{}, false
	}
	env, err := protocol.JSON.Decode(params.Envelope)
	if err != nil {
		a.writeDispatchError(req.ID, err)
		return host.Request{}, false
	}
	convID := params.ConversationID
	if convID == "" {
		convID = protocol.StringField(env.Payload, protocol.FieldConversationID)
	}
	return host.Request{Envelope: env, Token: params.Token, ConversationID: convID}, true
}

func (a *Adapter) handleSend(ctx context.Context, req *JSONRPCRequest) {
	hreq, ok := a.parseEnvelopeParams(ctx, req)
	if !ok {
		return
	}
	resp, err := a.dispatcher.Dispatch(ctx, hreq)
	if err != nil {
		a.writeDispatchError(req.ID, err)
		return
	}
	a.writeResult(req.ID, resp)
}

// handleStream emits one envelope/token notification per token, then the
// request's result. A failure after tokens were sent ends the request with
// an error response.
func (a *Adapter) handleStream(ctx context.Context, req *JSONRPCRequest) {
	hreq, ok := a.parseEnvelopeParams(ctx, req)
	if !ok {
		return
	}
	st, err := a.dispatcher.DispatchStream(ctx, hreq)
	if err != nil {
		a.writeDispatchError(req.ID, err)
		return
	}
	defer st.Close()

	var content strings.Builder
	var meta map[string]any
	for {
		tok, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			a.writeDispatchError(req.ID, err)
			return
		}
		a.write(JSONRPCNotification{
			JSONRPC: "2.0",
			Method:  MethodToken,
			Params:  TokenParams{RequestID: req.ID, Token: tok},
		})
		content.WriteString(tok.Content)
		if tok.IsFinish {
			meta = tok.Metadata
			break
		}
	}
	a.writeResult(req.ID, StreamResult{Command: st.Command(), Content: content.String(), Metadata: meta})
}

func (a *Adapter) handleConversationCreate(ctx context.Context, req *JSONRPCRequest) {
	var params struct {
		Token string `json:"token"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			a.writeError(req.ID, CodeInvalidParams, "Invalid params", nil)
			return
		}
	}
	ctx, err := a.dispatcher.Authenticate(ctx, params.Token)
	if err != nil {
		a.writeDispatchError(req.ID, err)
		return
	}
	convs := a.dispatcher.Conversations()
	if convs == nil {
		a.writeDispatchError(req.ID, protocol.Errorf(protocol.KindConversationNotFound, "conversations are disabled"))
		return
	}
	conv, err := convs.Create(ctx)
	if err != nil {
		a.writeDispatchError(req.ID, err)
		return
	}
	a.writeResult(req.ID, map[string]any{
		"conversation_id": conv.ID,
		"created_at":      conv.CreatedAt,
	})
}

func (a *Adapter) writeResult(id any, result any) {
	a.write(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (a *Adapter) writeDispatchError(id any, err error) {
	kind := protocol.KindOf(err)
	a.writeError(id, CodeDispatchError, protocol.MessageOf(err), &RPCErrorData{Kind: kind})
}

func (a *Adapter) writeError(id any, code int, message string, data *RPCErrorData) {
	a.write(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}

func (a *Adapter) write(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		a.logger.Error("marshal JSON-RPC message", "error", err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := fmt.Fprintf(a.writer, "%s\n", data); err != nil {
		a.logger.Warn("write JSON-RPC message", "error", err)
	}
}
