package protocol

import "context"

// Token is one unit of streamed output.
type Token struct {
	Content  string         `json:"content"`
	IsFinish bool           `json:"is_finish"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FinishToken returns a terminating token with optional metadata.
func FinishToken(metadata map[string]any) Token {
	return Token{IsFinish: true, Metadata: metadata}
}

// TokenStream is a lazy, forward-only sequence of tokens. Next returns io.EOF
// once the sequence is exhausted. Close releases the underlying transport and
// may be called at any point.
type TokenStream interface {
	Next(ctx context.Context) (Token, error)
	Close() error
}
