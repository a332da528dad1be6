package protocol

import (
	"encoding/json"
	"fmt"
)

// Codec turns messages into websocket payloads and back.
type Codec interface {
	Name() string
	Binary() bool
	Encode(m Message) ([]byte, error)
	Decode(b []byte) (Message, error)
}

var (
	// JSON is the default codec: {"type": kind, "payload": message}.
	JSON Codec = jsonCodec{}
	// Binary encodes messages in the protobuf wire format.
	Binary Codec = binaryCodec{}
)

// CodecByName resolves "json" and "binary"; empty means JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "binary", "protobuf":
		return Binary, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: m.Kind(), Payload: payload})
}

func (jsonCodec) Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	m, err := newMessage(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
	}
	return deref(m), nil
}
