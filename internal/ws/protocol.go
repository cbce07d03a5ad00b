package ws

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/pgrelay/backend/internal/session"
)

// Format selects how events are framed on the wire.
type Format string

const (
	// FormatRaw sends the payload bytes as-is, one frame per event.
	FormatRaw Format = "raw"
	// FormatEnvelope wraps each event in an EventMessage.
	FormatEnvelope Format = "envelope"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatRaw:
		return FormatRaw, nil
	case FormatEnvelope:
		return FormatEnvelope, nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

type MessageType string

const (
	MsgEvent      MessageType = "event"
	MsgSubscribe  MessageType = "subscribe"
	MsgSubscribed MessageType = "subscribed"
	MsgError      MessageType = "error"
)

// EncodingBase64 marks an envelope whose payload is a base64 JSON string.
const EncodingBase64 = "base64"

// EventMessage is the envelope framing of one event. Payloads that are
// valid JSON are embedded as-is and other text is sent as a JSON string.
// Bytes that are not valid UTF-8 are base64 encoded with Encoding set.
type EventMessage struct {
	Type     MessageType     `json:"type"`
	Key      string          `json:"key"`
	Seq      uint64          `json:"seq"`
	Encoding string          `json:"encoding,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Data returns the event's original payload bytes.
func (m EventMessage) Data() ([]byte, error) {
	if m.Encoding != EncodingBase64 {
		return m.Payload, nil
	}
	var s string
	if err := json.Unmarshal(m.Payload, &s); err != nil {
		return nil, fmt.Errorf("base64 payload: %w", err)
	}
	return base64.StdEncoding.DecodeString(s)
}

// ControlMessage is sent by clients to change their subscription, and by
// the server to acknowledge it or report an error.
type ControlMessage struct {
	Type  MessageType `json:"type"`
	Key   string      `json:"key,omitempty"`
	Error string      `json:"error,omitempty"`
}

// encode turns ev into a websocket frame for the given format.
func encode(f Format, ev session.Event) (int, []byte, error) {
	if f == FormatEnvelope {
		msg := EventMessage{Type: MsgEvent, Key: ev.Key, Seq: ev.Sequence, Payload: ev.Payload}
		switch {
		case !utf8.Valid(ev.Payload):
			msg.Encoding = EncodingBase64
			msg.Payload, _ = json.Marshal(base64.StdEncoding.EncodeToString(ev.Payload))
		case !json.Valid(ev.Payload):
			msg.Payload, _ = json.Marshal(string(ev.Payload))
		}
		data, err := json.Marshal(msg)
		return websocket.TextMessage, data, err
	}
	if utf8.Valid(ev.Payload) {
		return websocket.TextMessage, ev.Payload, nil
	}
	return websocket.BinaryMessage, ev.Payload, nil
}
