// Package server exposes the dispatcher over HTTP.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/mcprelay/mcprelay/internal/auth"
	"github.com/mcprelay/mcprelay/internal/config"
	"github.com/mcprelay/mcprelay/internal/conversation"
	"github.com/mcprelay/mcprelay/internal/host"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// Header names used by the HTTP transport.
const (
	HeaderRequestID      = "X-Request-ID"
	HeaderConversationID = "X-Conversation-ID"
)

// RequestID returns the request ID from the context.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Server is the HTTP front end of the dispatcher.
type Server struct {
	cfg           config.ServerConfig
	env           config.Environment
	signingSecret string
	dispatcher    *host.Dispatcher
	mux           *http.ServeMux
	transcripts   TranscriptSource
	logger        *slog.Logger
	started       time.Time
}

// TranscriptSource looks up conversations that are no longer held in memory.
// Unknown ids yield store.ErrNotFound.
type TranscriptSource interface {
	Transcript(ctx context.Context, id string) (conversation.Conversation, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTranscripts serves expired conversations from an archive.
func WithTranscripts(ts TranscriptSource) Option {
	return func(s *Server) { s.transcripts = ts }
}

// New creates a new Server.
func New(cfg *config.Config, d *host.Dispatcher, opts ...Option) *Server {
	s := &Server{
		cfg:           cfg.Server,
		env:           cfg.Environment,
		signingSecret: cfg.Auth.SigningSecret,
		dispatcher:    d,
		mux:           http.NewServeMux(),
		logger:        slog.Default(),
		started:       time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.compress(s.handleHealth))
	s.mux.HandleFunc("GET /agents", s.withMiddleware(s.compress(s.handleAgents)))
	s.mux.HandleFunc("POST /mcp", s.withMiddleware(s.compress(s.handleEnvelope)))
	s.mux.HandleFunc("POST /mcp/stream", s.withMiddleware(s.handleStream))
	s.mux.HandleFunc("POST /conversation", s.withMiddleware(s.compress(s.handleCreateConversation)))
	s.mux.HandleFunc("GET /conversation/{id}", s.withMiddleware(s.compress(s.handleGetConversation)))
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout, // long for SSE streaming
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String(), "environment", s.env, "agents", s.dispatcher.Registry().Len())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) compress(next http.HandlerFunc) http.HandlerFunc {
	if !s.cfg.Compress {
		return next
	}
	return gzhttp.GzipHandler(next)
}

// withMiddleware wraps a handler with recovery, request ID, body limit,
// signature verification and logging.
func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		logger := s.logger.With("request_id", reqID)

		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in handler", "panic", rec, "path", r.URL.Path)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()

		if r.Body != nil && s.cfg.MaxBodySize > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
		}

		if s.signingSecret != "" && r.Method == http.MethodPost {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				s.writeReadError(w, err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !auth.VerifySignature(body, r.Header.Get(auth.SignatureHeader), s.signingSecret) {
				logger.Warn("rejected request: invalid signature", "path", r.URL.Path)
				http.Error(w, "Invalid signature", http.StatusUnauthorized)
				return
			}
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(ctx))
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	}
}

// statusRecorder captures the response status for logging. It forwards
// Flush so SSE handlers keep working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
