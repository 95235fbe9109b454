package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/mcprelay/mcprelay/internal/auth"
	"github.com/mcprelay/mcprelay/internal/host"
	"github.com/mcprelay/mcprelay/internal/protocol"
	"github.com/mcprelay/mcprelay/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		Service:     "mcp-relay",
		Environment: string(s.env),
		Agents:      s.dispatcher.Registry().Len(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}
	if convs := s.dispatcher.Conversations(); convs != nil {
		n := convs.Len()
		resp.Conversations = &n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		s.writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AgentsResponse{Agents: s.dispatcher.Registry().List()})
}

// handleEnvelope dispatches one envelope and answers with the response
// envelope in the negotiated codec.
func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	req, codec, err := s.readRequest(r)
	if err != nil {
		s.writeEnvelopeError(w, codec, err)
		return
	}

	ctx, cancel := s.dispatchContext(r.Context())
	defer cancel()

	resp, err := s.dispatcher.Dispatch(ctx, req)
	if err != nil {
		s.writeEnvelopeError(w, codec, err)
		return
	}
	writeEnvelope(w, codec, http.StatusOK, resp)
}

// handleStream dispatches one envelope and streams the agent's tokens as
// SSE. Errors before the first token are answered like /mcp; later errors
// become a terminal error event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, codec, err := s.readRequest(r)
	if err != nil {
		s.writeEnvelopeError(w, codec, err)
		return
	}

	ctx, cancel := s.dispatchContext(r.Context())
	defer cancel()

	st, err := s.dispatcher.DispatchStream(ctx, req)
	if err != nil {
		s.writeEnvelopeError(w, codec, err)
		return
	}
	defer st.Close()

	sse := NewSSEWriter(w)
	if sse == nil {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)

	for {
		tok, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				_ = sse.SendError(err)
			}
			return
		}
		if err := sse.SendToken(tok); err != nil {
			s.logger.Debug("client went away", "request_id", RequestID(ctx), "error", err)
			return
		}
		if tok.IsFinish {
			return
		}
	}
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	ctx, err := s.authenticate(r)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	convs := s.dispatcher.Conversations()
	if convs == nil {
		s.writeJSONError(w, protocol.Errorf(protocol.KindConversationNotFound, "conversations are disabled"))
		return
	}
	conv, err := convs.Create(ctx)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ConversationCreated{
		ConversationID: conv.ID,
		CreatedAt:      conv.CreatedAt,
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		s.writeJSONError(w, err)
		return
	}
	id := r.PathValue("id")
	convs := s.dispatcher.Conversations()
	if convs == nil {
		s.writeJSONError(w, protocol.Errorf(protocol.KindConversationNotFound, "conversations are disabled"))
		return
	}
	conv, ok := convs.Get(id)
	if !ok && s.transcripts != nil {
		archived, err := s.transcripts.Transcript(r.Context(), id)
		switch {
		case err == nil:
			conv, ok = archived, true
		case !errors.Is(err, store.ErrNotFound):
			s.logger.Error("transcript lookup failed", "conversation_id", id, "error", err)
			s.writeJSONError(w, protocol.Wrap(protocol.KindInternal, err, "loading transcript"))
			return
		}
	}
	if !ok {
		s.writeJSONError(w, protocol.Errorf(protocol.KindConversationNotFound, "conversation %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// readRequest decodes the request body into a dispatcher request. The
// caller is authenticated before the body is decoded. The returned codec is
// the one responses should use, even on error.
func (s *Server) readRequest(r *http.Request) (host.Request, protocol.Codec, error) {
	codec := negotiate(r)
	token, err := bearerToken(r)
	if err != nil {
		return host.Request{}, codec, err
	}
	if _, err := s.dispatcher.Authenticate(r.Context(), token); err != nil {
		return host.Request{}, codec, err
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return host.Request{}, codec, protocol.Errorf(protocol.KindBadRequest, "request body exceeds %d bytes", maxErr.Limit)
		}
		return host.Request{}, codec, protocol.Wrap(protocol.KindBadRequest, err, "read body")
	}

	env, err := protocol.CodecFor(r.Header.Get("Content-Type")).Decode(body)
	if err != nil {
		return host.Request{}, codec, err
	}

	convID := r.Header.Get(HeaderConversationID)
	if convID == "" {
		convID = protocol.StringField(env.Payload, protocol.FieldConversationID)
	}
	return host.Request{Envelope: env, Token: token, ConversationID: convID}, codec, nil
}

func (s *Server) authenticate(r *http.Request) (context.Context, error) {
	token, err := bearerToken(r)
	if err != nil {
		return r.Context(), err
	}
	return s.dispatcher.Authenticate(r.Context(), token)
}

func (s *Server) dispatchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.AgentTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.AgentTimeout)
	}
	return context.WithCancel(ctx)
}

// bearerToken returns the Authorization bearer token, or "" when the header
// is absent. A present but malformed header is an authentication failure.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}
	token, err := auth.ExtractBearerToken(header)
	if err != nil {
		return "", protocol.Wrap(protocol.KindUnauthorized, err, "authentication failed")
	}
	return token, nil
}

// negotiate picks the response codec: an explicit CBOR Accept header wins,
// otherwise responses mirror the request's Content-Type.
func negotiate(r *http.Request) protocol.Codec {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		if mt, _, err := mime.ParseMediaType(strings.TrimSpace(part)); err == nil {
			switch mt {
			case protocol.ContentTypeCBOR:
				return protocol.CBOR
			case protocol.ContentTypeJSON:
				return protocol.JSON
			}
		}
	}
	return protocol.CodecFor(r.Header.Get("Content-Type"))
}

func (s *Server) writeEnvelopeError(w http.ResponseWriter, codec protocol.Codec, err error) {
	status := StatusFor(protocol.KindOf(err))
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", protocol.KindOf(err), "error", err)
	}
	writeEnvelope(w, codec, status, protocol.ErrorEnvelope(err))
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	kind := protocol.KindOf(err)
	if StatusFor(kind) >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", kind, "error", err)
	}
	writeJSON(w, StatusFor(kind), ErrorResponse{Kind: kind, Message: protocol.MessageOf(err)})
}

// writeReadError answers a body that could not be read before routing.
func (s *Server) writeReadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, "Failed to read body", http.StatusBadRequest)
}

func writeEnvelope(w http.ResponseWriter, codec protocol.Codec, status int, env protocol.Envelope) {
	data, err := codec.Encode(env)
	if err != nil {
		codec = protocol.JSON
		status = http.StatusInternalServerError
		data, _ = codec.Encode(protocol.ErrorEnvelope(err))
	}
	w.Header().Set("Content-Type", codec.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
