// Package stream turns a backend byte stream into a lazy sequence of tokens.
//
// Framing is newline-delimited: every line carries one complete JSON value.
// Lines may use Server-Sent-Events syntax: a "data:" prefix is stripped, an
// "event:" line names the next data frame, and "id:", "retry:", comment and
// blank lines are skipped. The data value "[DONE]" finishes the stream.
// Because frames end at newlines, the token sequence does not depend on where
// the transport splits the bytes.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mcprelay/mcprelay/internal/protocol"
)

const (
	defaultChunkSize    = 4 << 10
	defaultMaxFrameSize = 1 << 20
)

var doneSentinel = []byte("[DONE]")

// Frame is one data line extracted from the byte stream.
type Frame struct {
	// Event is the SSE event name that preceded the data line, if any.
	Event string
	// Data is the JSON value carried by the line, without framing.
	Data []byte
}

// Decoder reads frames from a byte stream and converts them into tokens.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	src      io.Reader
	parse    FrameParser
	chunk    []byte
	buf      []byte
	maxFrame int

	event string
	eof   bool
	done  bool
	err   error
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithParser sets the frame parser. The default is TokenFrames.
func WithParser(p FrameParser) Option {
	return func(d *Decoder) { d.parse = p }
}

// WithMaxFrameSize bounds how many bytes may be buffered for a single frame.
func WithMaxFrameSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxFrame = n
		}
	}
}

// WithChunkSize sets the size of individual reads from the source.
func WithChunkSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.chunk = make([]byte, n)
		}
	}
}

// NewDecoder creates a Decoder reading from src. If src is an io.Closer it is
// closed when the stream finishes, fails or is closed.
func NewDecoder(src io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		src:      src,
		parse:    TokenFrames,
		maxFrame: defaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.chunk == nil {
		d.chunk = make([]byte, defaultChunkSize)
	}
	return d
}

// Next returns the next token. It returns io.EOF once the stream has ended,
// either at a finish token or at the end of the source. Errors are sticky.
func (d *Decoder) Next(ctx context.Context) (protocol.Token, error) {
	for {
		if d.err != nil {
			return protocol.Token{}, d.err
		}
		if d.done {
			return protocol.Token{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return protocol.Token{}, d.fail(err)
		}

		if i := bytes.IndexByte(d.buf, '\n'); i >= 0 {
			tok, ok, err := d.frame(d.buf[:i], false)
			d.consume(i + 1)
			if err != nil {
				return protocol.Token{}, d.fail(err)
			}
			if !ok {
				continue
			}
			return d.emit(tok), nil
		}

		if d.eof {
			return d.finishTrailing()
		}
		if len(d.buf) > d.maxFrame {
			return protocol.Token{}, d.fail(protocol.Errorf(protocol.KindMalformedFrame,
				"frame exceeds %d bytes", d.maxFrame))
		}

		n, err := d.src.Read(d.chunk)
		d.buf = append(d.buf, d.chunk[:n]...)
		switch {
		case errors.Is(err, io.EOF):
			d.eof = true
		case err != nil:
			return protocol.Token{}, d.fail(protocol.Wrap(protocol.KindUpstream, err, "read stream"))
		}
	}
}

// Close stops decoding and releases the source.
func (d *Decoder) Close() error {
	if !d.done && d.err == nil {
		d.done = true
	}
	d.buf = nil
	return d.closeSource()
}

func (d *Decoder) emit(tok protocol.Token) protocol.Token {
	if tok.IsFinish {
		// Bytes after a finish token are discarded.
		d.done = true
		d.buf = nil
		d.closeSource()
	}
	return tok
}

// finishTrailing handles bytes left without a terminating newline at EOF.
func (d *Decoder) finishTrailing() (protocol.Token, error) {
	if len(bytes.TrimSpace(d.buf)) == 0 {
		d.done = true
		d.buf = nil
		d.closeSource()
		return protocol.Token{}, io.EOF
	}
	tok, ok, err := d.frame(d.buf, true)
	d.buf = nil
	if err != nil {
		return protocol.Token{}, d.fail(err)
	}
	if !ok {
		d.done = true
		d.closeSource()
		return protocol.Token{}, io.EOF
	}
	// The last value was complete: emit it, then end the stream.
	tok = d.emit(tok)
	d.done = true
	d.closeSource()
	return tok, nil
}

// frame interprets one line. ok is false for lines that carry no token.
func (d *Decoder) frame(line []byte, atEOF bool) (protocol.Token, bool, error) {
	line = bytes.TrimRight(line, "\r")
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		d.event = ""
		return protocol.Token{}, false, nil
	}

	if atEOF && isFieldPrefix(trimmed) {
		return protocol.Token{}, false, protocol.Errorf(protocol.KindTruncatedStream,
			"stream ended inside field name %q", trimmed)
	}

	data := trimmed
	if field, value, found := bytes.Cut(trimmed, []byte(":")); found && isSSEField(field) {
		value = bytes.TrimSpace(value)
		switch string(field) {
		case "event":
			if atEOF {
				return protocol.Token{}, false, protocol.Errorf(protocol.KindTruncatedStream,
					"stream ended after event %q without data", value)
			}
			d.event = string(value)
			return protocol.Token{}, false, nil
		case "id", "retry":
			return protocol.Token{}, false, nil
		}
		data = value
		if atEOF && (len(data) == 0 || isProperPrefix(data, doneSentinel)) {
			return protocol.Token{}, false, protocol.Errorf(protocol.KindTruncatedStream,
				"stream ended inside a data line")
		}
	} else if trimmed[0] == ':' {
		return protocol.Token{}, false, nil
	}

	if bytes.Equal(data, doneSentinel) {
		return protocol.FinishToken(nil), true, nil
	}
	if len(data) == 0 {
		return protocol.Token{}, false, nil
	}

	f := Frame{Event: d.event, Data: data}
	d.event = ""
	tok, ok, err := d.parse(f)
	if err != nil {
		if errors.Is(err, errIncomplete) {
			if atEOF {
				return protocol.Token{}, false, protocol.Errorf(protocol.KindTruncatedStream,
					"stream ended inside a %d-byte frame", len(data))
			}
			return protocol.Token{}, false, protocol.Errorf(protocol.KindMalformedFrame,
				"incomplete JSON value on line: %s", preview(data))
		}
		return protocol.Token{}, false, err
	}
	return tok, ok, nil
}

func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

func (d *Decoder) fail(err error) error {
	d.err = err
	d.buf = nil
	d.closeSource()
	return err
}

func (d *Decoder) closeSource() error {
	c, ok := d.src.(io.Closer)
	if !ok {
		return nil
	}
	d.src = closedReader{}
	return c.Close()
}

func isSSEField(field []byte) bool {
	switch string(field) {
	case "data", "event", "id", "retry":
		return true
	}
	return false
}

// isFieldPrefix reports whether line is a cut-off "data:" or "event:" field name.
func isFieldPrefix(line []byte) bool {
	return isProperPrefix(line, []byte("data:")) || isProperPrefix(line, []byte("event:"))
}

func isProperPrefix(b, full []byte) bool {
	return len(b) < len(full) && bytes.HasPrefix(full, b)
}

func preview(data []byte) string {
	const max = 64
	if len(data) > max {
		return fmt.Sprintf("%s...", data[:max])
	}
	return string(data)
}

type closedReader struct{}

func (closedReader) Read([]byte) (int, error) { return 0, io.EOF }
