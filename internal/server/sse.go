package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mcprelay/mcprelay/internal/protocol"
	"github.com/mcprelay/mcprelay/internal/stream"
)

// EventToken names SSE frames that carry a protocol.Token.
const EventToken = "token"

// SSEWriter writes a token stream as Server-Sent Events.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer from an HTTP response writer.
// Returns nil if the response writer does not support flushing.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w, flusher: flusher}
}

// SendToken sends a token event.
func (s *SSEWriter) SendToken(tok protocol.Token) error {
	return s.sendEvent(EventToken, tok)
}

// SendError sends an error event carrying {kind, message}. Clients decoding
// with stream.TokenFrames surface it as an error of the same kind.
func (s *SSEWriter) SendError(err error) error {
	return s.sendEvent(stream.EventError, ErrorResponse{
		Kind:    protocol.KindOf(err),
		Message: protocol.MessageOf(err),
	})
}

func (s *SSEWriter) sendEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
