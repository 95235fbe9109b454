package stream

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/mcprelay/mcprelay/internal/protocol"
)

// Tokens pumps ts into a channel. The token channel is closed when the stream
// ends; a terminal error, if any, is sent on errc. ts is closed before the
// channels are.
func Tokens(ctx context.Context, ts protocol.TokenStream) (<-chan protocol.Token, <-chan error) {
	out := make(chan protocol.Token)
	errc := make(chan error, 1)

	go func() {
		defer close(errc)
		defer close(out)
		defer ts.Close()

		for {
			tok, err := ts.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errc <- err
				return
			}
			select {
			case out <- tok:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
			if tok.IsFinish {
				return
			}
		}
	}()
	return out, errc
}

// Collect drains ts and returns the concatenated content and the finish
// token's metadata. ts is always closed.
func Collect(ctx context.Context, ts protocol.TokenStream) (string, map[string]any, error) {
	defer ts.Close()

	var b strings.Builder
	var meta map[string]any
	for {
		tok, err := ts.Next(ctx)
		if errors.Is(err, io.EOF) {
			return b.String(), meta, nil
		}
		if err != nil {
			return b.String(), meta, err
		}
		b.WriteString(tok.Content)
		if tok.IsFinish {
			return b.String(), tok.Metadata, nil
		}
	}
}

// FromTokens returns a stream that replays toks and then ends.
func FromTokens(toks ...protocol.Token) protocol.TokenStream {
	return &sliceStream{toks: toks}
}

type sliceStream struct {
	toks   []protocol.Token
	closed bool
}

func (s *sliceStream) Next(ctx context.Context) (protocol.Token, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Token{}, err
	}
	if s.closed || len(s.toks) == 0 {
		return protocol.Token{}, io.EOF
	}
	tok := s.toks[0]
	s.toks = s.toks[1:]
	if tok.IsFinish {
		s.toks = nil
	}
	return tok, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}
