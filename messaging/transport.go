package messaging

import (
	"context"
	"time"

	"github.com/meshrpc/meshrpc-go/contracts"
)

// EventHandler receives delivered event envelopes. Implementations must be
// comparable (pointer receivers) so Off can remove them by identity; use
// NewEventHandlerFunc for plain functions.
type EventHandler interface {
	HandleEvent(ctx context.Context, env *contracts.Envelope)
}

// eventHandlerFunc adapts a function to EventHandler behind a pointer so the
// value stays comparable.
type eventHandlerFunc struct {
	fn func(ctx context.Context, env *contracts.Envelope)
}

// NewEventHandlerFunc wraps fn as a comparable EventHandler. Keep the
// returned value to pass to Off.
func NewEventHandlerFunc(fn func(ctx context.Context, env *contracts.Envelope)) EventHandler {
	return &eventHandlerFunc{fn: fn}
}

func (h *eventHandlerFunc) HandleEvent(ctx context.Context, env *contracts.Envelope) {
	h.fn(ctx, env)
}

// RequestHandler serves one request type at the transport boundary. The
// returned value is marshaled into the response envelope payload.
type RequestHandler func(ctx context.Context, env *contracts.Envelope) (interface{}, error)

// Credentials are opaque login credentials interpreted by the transport's
// authenticator.
type Credentials map[string]interface{}

// AuthResult is the outcome of a successful login.
type AuthResult struct {
	Token     string           `json:"token"`
	Actor     *contracts.Actor `json:"actor"`
	ExpiresAt time.Time        `json:"expiresAt,omitempty"`
}

// Transport is the bidirectional channel a Client or Server runs over. The
// host application supplies the implementation; the transports/ subpackages
// provide in-memory, WebSocket, AMQP and NATS implementations.
//
// Event delivery is fan-out: an emitted envelope reaches every connected
// peer, and endpoints drop envelopes targeted at someone else. Request
// dispatch is point-to-point with exactly one registered handler per request
// type.
type Transport interface {
	// Connect establishes the channel described by the connection string.
	Connect(ctx context.Context, connString string) error

	// Disconnect tears the channel down.
	Disconnect(ctx context.Context) error

	// IsConnected reports channel liveness.
	IsConnected() bool

	// Emit sends an event envelope.
	Emit(ctx context.Context, env *contracts.Envelope) error

	// On registers an event handler for an event type.
	On(eventType string, handler EventHandler)

	// Off removes a previously registered handler by identity.
	Off(eventType string, handler EventHandler)

	// Request sends a request envelope and waits for the correlated
	// response, honoring the context deadline.
	Request(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error)

	// HandleRequest registers the handler for a request type, replacing any
	// previous one.
	HandleRequest(reqType string, handler RequestHandler)

	// Login authenticates against the transport's authenticator.
	Login(ctx context.Context, credentials Credentials) (*AuthResult, error)

	// Logout discards the transport-level authentication state.
	Logout(ctx context.Context) error
}
