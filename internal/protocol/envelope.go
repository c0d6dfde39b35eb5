package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventTag identifies the stream event an envelope is published under.
type EventTag string

const (
	EventMessage EventTag = "message"
)

// TypeTag identifies the payload variant carried by an envelope.
type TypeTag string

const (
	TypeSession  TypeTag = "session"
	TypeStream   TypeTag = "stream"
	TypeTurnEnd  TypeTag = "turn_end"
	TypePrompt   TypeTag = "prompt"
	TypeToolList TypeTag = "tool_list"
	TypeFlowList TypeTag = "flow_list"
	TypeError    TypeTag = "error"
	TypeEnd      TypeTag = "end"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the uniform framed unit carried over both stream kinds.
type Envelope struct {
	Event EventTag `json:"event"`
	Data  Data     `json:"data"`
}

// Data holds either a structured payload or a human readable message.
type Data struct {
	Type    TypeTag         `json:"type"`
	Payload json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// NewEnvelope marshals v as the payload of a message envelope.
func NewEnvelope(t TypeTag, v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Event: EventMessage, Data: Data{Type: t, Payload: raw}}, nil
}

// Text builds an envelope whose payload is a JSON string.
func Text(t TypeTag, s string) Envelope {
	raw, _ := json.Marshal(s)
	return Envelope{Event: EventMessage, Data: Data{Type: t, Payload: raw}}
}

// EndEnvelope is the terminal signal of a stream that completed normally.
func EndEnvelope() Envelope {
	return Text(TypeEnd, "")
}

// FailedEnvelope is the terminal signal of a stream whose producer failed.
func FailedEnvelope(message string) Envelope {
	return Envelope{Event: EventMessage, Data: Data{Type: TypeEnd, Message: normalizeMessage(message)}}
}

// ErrorEnvelope reports a recoverable problem in-band without ending the stream.
func ErrorEnvelope(message string) Envelope {
	return Envelope{Event: EventMessage, Data: Data{Type: TypeError, Message: normalizeMessage(message)}}
}

// IsTerminal reports whether e marks definitive stream completion.
func (e Envelope) IsTerminal() bool {
	return e.Data.Type == TypeEnd
}

func (e Envelope) Validate() error {
	if e.Event != EventMessage {
		return fmt.Errorf("%w: unknown event %q", ErrMalformedEnvelope, e.Event)
	}
	if strings.TrimSpace(string(e.Data.Type)) == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	if len(e.Data.Payload) > 0 && !json.Valid(e.Data.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrMalformedEnvelope)
	}
	return nil
}

func normalizeMessage(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return "unknown error"
	}
	return message
}
