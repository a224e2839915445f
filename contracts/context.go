package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Actor is the authenticated principal attached to a message context.
// Actors are immutable once constructed; augmenting a context with a
// different actor replaces the whole value.
type Actor struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Roles       []string               `json:"roles,omitempty"`
	Permissions []string               `json:"permissions,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// AuthInfo carries the credentials attached to a message context.
type AuthInfo struct {
	Token string `json:"token,omitempty"`
	Actor *Actor `json:"actor,omitempty"`
}

// MessageContext travels with every request, response and event. Middleware
// may replace a context with an augmented copy but must never mutate a shared
// instance in place; the With* methods implement that copy-on-write contract.
type MessageContext struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Source       string                 `json:"source,omitempty"`
	Target       string                 `json:"target,omitempty"`
	Auth         *AuthInfo              `json:"auth,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	TraceID      string                 `json:"traceId,omitempty"`
	SpanID       string                 `json:"spanId,omitempty"`
	ParentSpanID string                 `json:"parentSpanId,omitempty"`
}

// NewMessageContext creates a context with a fresh ID, timestamp and trace
// identifiers. Source identifies the emitting endpoint.
func NewMessageContext(source string) *MessageContext {
	return &MessageContext{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		TraceID:   uuid.New().String(),
		SpanID:    uuid.New().String(),
	}
}

// clone returns a shallow copy with the metadata map duplicated so the copy
// can be extended without touching the original.
func (c *MessageContext) clone() *MessageContext {
	dup := *c
	if c.Metadata != nil {
		dup.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

// WithActor returns a copy of the context carrying the given actor.
func (c *MessageContext) WithActor(actor *Actor) *MessageContext {
	dup := c.clone()
	auth := AuthInfo{Actor: actor}
	if c.Auth != nil {
		auth.Token = c.Auth.Token
	}
	dup.Auth = &auth
	return dup
}

// WithToken returns a copy of the context carrying the given auth token.
func (c *MessageContext) WithToken(token string) *MessageContext {
	dup := c.clone()
	auth := AuthInfo{Token: token}
	if c.Auth != nil {
		auth.Actor = c.Auth.Actor
	}
	dup.Auth = &auth
	return dup
}

// WithTarget returns a copy of the context addressed to the given endpoint.
func (c *MessageContext) WithTarget(target string) *MessageContext {
	dup := c.clone()
	dup.Target = target
	return dup
}

// WithMetadata returns a copy of the context with the key set in metadata.
func (c *MessageContext) WithMetadata(key string, value interface{}) *MessageContext {
	dup := c.clone()
	if dup.Metadata == nil {
		dup.Metadata = make(map[string]interface{})
	}
	dup.Metadata[key] = value
	return dup
}

// ChildSpan returns a copy of the context with a new span whose parent is the
// current span. The trace ID is preserved.
func (c *MessageContext) ChildSpan() *MessageContext {
	dup := c.clone()
	dup.ParentSpanID = c.SpanID
	dup.SpanID = uuid.New().String()
	return dup
}

// ActorOrNil returns the attached actor, or nil when the context carries no
// authentication information.
func (c *MessageContext) ActorOrNil() *Actor {
	if c == nil || c.Auth == nil {
		return nil
	}
	return c.Auth.Actor
}
