package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/mcprelay/mcprelay/internal/protocol"
)

// FrameParser converts one frame into a token. ok is false when the frame is
// valid but carries nothing to emit.
type FrameParser func(Frame) (tok protocol.Token, ok bool, err error)

// errIncomplete marks a frame whose JSON value ended early.
var errIncomplete = errors.New("incomplete JSON value")

// EventError names frames that carry an error payload instead of a token.
const EventError = "error"

// decodeFrame decodes exactly one JSON value from data into v.
func decodeFrame(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return errIncomplete
		}
		return protocol.Wrap(protocol.KindMalformedFrame, err, "decode frame")
	}
	if dec.More() {
		return protocol.Errorf(protocol.KindMalformedFrame, "trailing data after JSON value: %s", preview(data))
	}
	return nil
}

type tokenFrame struct {
	Content  *string        `json:"content"`
	IsFinish bool           `json:"is_finish"`
	Metadata map[string]any `json:"metadata"`
}

type errorFrame struct {
	Kind    protocol.Kind `json:"kind"`
	Message string        `json:"message"`
}

// TokenFrames parses frames shaped like protocol.Token. A frame whose event
// is "error" carries {"kind","message"} and ends the stream with that error.
func TokenFrames(f Frame) (protocol.Token, bool, error) {
	if f.Event == EventError {
		var ef errorFrame
		if err := decodeFrame(f.Data, &ef); err != nil {
			return protocol.Token{}, false, err
		}
		if ef.Kind == "" {
			ef.Kind = protocol.KindUpstream
		}
		return protocol.Token{}, false, protocol.Errorf(ef.Kind, "%s", ef.Message)
	}

	var tf tokenFrame
	if err := decodeFrame(f.Data, &tf); err != nil {
		return protocol.Token{}, false, err
	}
	if tf.Content == nil && !tf.IsFinish {
		return protocol.Token{}, false, protocol.Errorf(protocol.KindMalformedFrame,
			"frame has neither content nor is_finish: %s", preview(f.Data))
	}
	tok := protocol.Token{IsFinish: tf.IsFinish, Metadata: tf.Metadata}
	if tf.Content != nil {
		tok.Content = *tf.Content
	}
	return tok, true, nil
}

type chatChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ChatCompletionFrames parses OpenAI-compatible chat completion chunks. A
// chunk with a finish_reason yields a finish token carrying the reason.
func ChatCompletionFrames(f Frame) (protocol.Token, bool, error) {
	var chunk chatChunk
	if err := decodeFrame(f.Data, &chunk); err != nil {
		return protocol.Token{}, false, err
	}
	if chunk.Error != nil {
		return protocol.Token{}, false, protocol.Errorf(protocol.KindUpstream, "%s", chunk.Error.Message)
	}
	if len(chunk.Choices) == 0 {
		return protocol.Token{}, false, nil
	}

	choice := chunk.Choices[0]
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		meta := map[string]any{"finish_reason": *choice.FinishReason}
		if chunk.ID != "" {
			meta["id"] = chunk.ID
		}
		if chunk.Model != "" {
			meta["model"] = chunk.Model
		}
		return protocol.Token{Content: choice.Delta.Content, IsFinish: true, Metadata: meta}, true, nil
	}
	if choice.Delta.Content == "" {
		return protocol.Token{}, false, nil
	}
	return protocol.Token{Content: choice.Delta.Content}, true, nil
}
