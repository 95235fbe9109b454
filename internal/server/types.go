package server

import (
	"net/http"
	"time"

	"github.com/mcprelay/mcprelay/internal/protocol"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Service       string `json:"service"`
	Environment   string `json:"environment"`
	Agents        int    `json:"agents"`
	Conversations *int   `json:"conversations,omitempty"`
	Uptime        string `json:"uptime"`
}

// AgentsResponse is the body of GET /agents.
type AgentsResponse struct {
	Agents []protocol.AgentMetadata `json:"agents"`
}

// ConversationCreated is the body of POST /conversation.
type ConversationCreated struct {
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// ErrorResponse is the JSON body of non-envelope errors.
type ErrorResponse struct {
	Kind    protocol.Kind `json:"kind"`
	Message string        `json:"message"`
}

// StatusFor maps an error kind onto an HTTP status.
func StatusFor(kind protocol.Kind) int {
	switch kind {
	case protocol.KindMalformedEnvelope, protocol.KindInvalidCommand, protocol.KindBadRequest:
		return http.StatusBadRequest
	case protocol.KindUnauthorized:
		return http.StatusUnauthorized
	case protocol.KindUnknownAgent, protocol.KindConversationNotFound:
		return http.StatusNotFound
	case protocol.KindUpstream, protocol.KindTruncatedStream, protocol.KindMalformedFrame:
		return http.StatusBadGateway
	case protocol.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
