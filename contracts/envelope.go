package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageKind distinguishes envelope flavors on the wire.
type MessageKind string

const (
	KindEvent    MessageKind = "event"
	KindRequest  MessageKind = "request"
	KindResponse MessageKind = "response"
)

// Envelope wraps a payload for transport. Transports that cross a process
// boundary marshal the envelope as JSON; the in-memory transport passes it by
// value.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      MessageKind     `json:"kind"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Context   *MessageContext `json:"context,omitempty"`

	// CorrelationID links a response envelope to its request.
	CorrelationID string `json:"correlationId,omitempty"`
}

// NewEnvelope creates an envelope for the given kind and message type,
// marshaling the payload.
func NewEnvelope(kind MessageKind, msgType string, payload interface{}, mc *MessageContext) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Kind:      kind,
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
		Context:   mc,
	}, nil
}

// Decode unmarshals the envelope payload into out.
func (e *Envelope) Decode(out interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// Reply builds a response envelope correlated to this one.
func (e *Envelope) Reply(payload interface{}, mc *MessageContext) (*Envelope, error) {
	resp, err := NewEnvelope(KindResponse, e.Type, payload, mc)
	if err != nil {
		return nil, err
	}
	resp.CorrelationID = e.ID
	return resp, nil
}
