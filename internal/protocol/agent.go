package protocol

import "context"

// Agent is the capability every backend implements. Name must be stable and
// equal to the agent-name portion of the commands routed to it.
type Agent interface {
	Name() string
	ProcessRequest(ctx context.Context, env Envelope) (Envelope, error)
}

// StreamingAgent is implemented by agents that can produce incremental output.
type StreamingAgent interface {
	Agent
	ProcessStream(ctx context.Context, env Envelope) (TokenStream, error)
}

// Describer is implemented by agents that publish metadata for listings.
type Describer interface {
	Metadata() AgentMetadata
}

// AgentMetadata describes an agent for discovery/listing.
type AgentMetadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	Actions     []string `json:"actions,omitempty"`
	Streaming   bool     `json:"streaming"`
}

// MetadataOf returns the agent's published metadata, filling in the name and
// streaming capability.
func MetadataOf(a Agent) AgentMetadata {
	var meta AgentMetadata
	if d, ok := a.(Describer); ok {
		meta = d.Metadata()
	}
	meta.Name = a.Name()
	_, meta.Streaming = a.(StreamingAgent)
	return meta
}
