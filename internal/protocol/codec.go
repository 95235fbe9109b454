package protocol

import (
	"bytes"
	"encoding/json"
	"mime"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Content types understood by CodecFor.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// Codec encodes and decodes envelopes in one concrete byte format.
// For every envelope built with New or WithPayload, Decode(Encode(e)) == e.
type Codec interface {
	ContentType() string
	Encode(Envelope) ([]byte, error)
	Decode([]byte) (Envelope, error)
}

// wireEnvelope distinguishes absent fields from zero values.
type wireEnvelope struct {
	Magic   *string        `json:"magic" cbor:"magic"`
	Version *uint8         `json:"version" cbor:"version"`
	Command *string        `json:"command" cbor:"command"`
	Payload map[string]any `json:"payload" cbor:"payload"`
}

func (w wireEnvelope) envelope() (Envelope, error) {
	switch {
	case w.Magic == nil:
		return Envelope{}, Errorf(KindMalformedEnvelope, "missing magic")
	case w.Version == nil:
		return Envelope{}, Errorf(KindMalformedEnvelope, "missing version")
	case w.Command == nil:
		return Envelope{}, Errorf(KindMalformedEnvelope, "missing command")
	case w.Payload == nil:
		return Envelope{}, Errorf(KindMalformedEnvelope, "missing payload")
	}
	env := Envelope{
		Magic:   *w.Magic,
		Version: *w.Version,
		Command: *w.Command,
		// CBOR integers decode as uint64 or int64.
		Payload: clonePayload(w.Payload),
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

type jsonCodec struct{}

// JSON is the default envelope codec.
var JSON Codec = jsonCodec{}

func (jsonCodec) ContentType() string { return ContentTypeJSON }

func (jsonCodec) Encode(env Envelope) ([]byte, error) {
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, Wrap(KindMalformedEnvelope, err, "encode envelope")
	}
	return data, nil
}

func (jsonCodec) Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return Envelope{}, Wrap(KindMalformedEnvelope, err, "decode envelope")
	}
	if dec.More() {
		return Envelope{}, Errorf(KindMalformedEnvelope, "trailing data after envelope")
	}
	return w.envelope()
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	// Payload values decoded into any must come back as map[string]any so
	// that agents see the same shapes regardless of the wire codec.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

// CBOR encodes envelopes with CBOR core deterministic encoding.
var CBOR Codec = cborCodec{}

func (cborCodec) ContentType() string { return ContentTypeCBOR }

func (cborCodec) Encode(env Envelope) ([]byte, error) {
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	data, err := cborEnc.Marshal(env)
	if err != nil {
		return nil, Wrap(KindMalformedEnvelope, err, "encode envelope")
	}
	return data, nil
}

func (cborCodec) Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := cborDec.Unmarshal(data, &w); err != nil {
		return Envelope{}, Wrap(KindMalformedEnvelope, err, "decode envelope")
	}
	return w.envelope()
}

// CodecFor returns the codec for a Content-Type header value, defaulting to JSON.
func CodecFor(contentType string) Codec {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err == nil && mediaType == ContentTypeCBOR {
		return CBOR
	}
	return JSON
}

// Encode serializes env with the JSON codec.
func Encode(env Envelope) ([]byte, error) { return JSON.Encode(env) }

// Decode parses and validates a JSON envelope.
func Decode(data []byte) (Envelope, error) { return JSON.Decode(data) }
