// Package natstransport provides a NATS transport. Events map onto subjects
// under an event prefix; requests use core NATS request/reply on per-type
// subjects.
package natstransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meshrpc/meshrpc-go/contracts"
	"github.com/meshrpc/meshrpc-go/messaging"
)

const (
	defaultEventPrefix   = "meshrpc.events."
	defaultRequestPrefix = "meshrpc.rpc."
)

// Authenticator validates login credentials on the answering side.
type Authenticator func(credentials messaging.Credentials) (*messaging.AuthResult, error)

type loginPayload struct {
	Credentials messaging.Credentials `json:"credentials"`
}

type loginResult struct {
	Success bool             `json:"success"`
	Token   string           `json:"token,omitempty"`
	Actor   *contracts.Actor `json:"actor,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Transport implements messaging.Transport over a NATS connection. The same
// type serves both endpoints: a server installs request handlers and an
// authenticator, a client issues requests and logins.
type Transport struct {
	logger        *slog.Logger
	eventPrefix   string
	requestPrefix string
	authenticator Authenticator
	natsOptions   []nats.Option

	mu        sync.RWMutex
	connected bool
	conn      *nats.Conn
	events    map[string][]messaging.EventHandler
	eventSubs map[string]*nats.Subscription
	requests  map[string]messaging.RequestHandler
	reqSubs   map[string]*nats.Subscription
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) { t.logger = logger }
}

// WithSubjectPrefixes overrides the event and request subject prefixes.
func WithSubjectPrefixes(event, request string) TransportOption {
	return func(t *Transport) {
		t.eventPrefix = event
		t.requestPrefix = request
	}
}

// WithAuthenticator installs the login authenticator. Setting one makes
// this endpoint answer $login requests from peers.
func WithAuthenticator(fn Authenticator) TransportOption {
	return func(t *Transport) { t.authenticator = fn }
}

// WithNATSOptions forwards options to the underlying nats.Connect.
func WithNATSOptions(opts ...nats.Option) TransportOption {
	return func(t *Transport) { t.natsOptions = append(t.natsOptions, opts...) }
}

// NewTransport creates a disconnected transport.
func NewTransport(options ...TransportOption) *Transport {
	t := &Transport{
		logger:        slog.Default(),
		eventPrefix:   defaultEventPrefix,
		requestPrefix: defaultRequestPrefix,
		events:        make(map[string][]messaging.EventHandler),
		eventSubs:     make(map[string]*nats.Subscription),
		requests:      make(map[string]messaging.RequestHandler),
		reqSubs:       make(map[string]*nats.Subscription),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Connect dials the nats:// URL and installs subscriptions for every handler
// registered so far.
func (t *Transport) Connect(ctx context.Context, connString string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return fmt.Errorf("already connected")
	}

	opts := append([]nats.Option{
		nats.Timeout(30 * time.Second),
		nats.MaxReconnects(-1),
	}, t.natsOptions...)
	conn, err := nats.Connect(connString, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	t.conn = conn
	t.connected = true

	for eventType := range t.events {
		if err := t.subscribeEventLocked(eventType); err != nil {
			t.logger.Warn("event subscription failed", "eventType", eventType, "error", err)
		}
	}
	for reqType, handler := range t.requests {
		if err := t.subscribeRequestLocked(reqType, handler); err != nil {
			t.logger.Warn("request subscription failed", "requestType", reqType, "error", err)
		}
	}
	if t.authenticator != nil {
		if err := t.subscribeRequestLocked(messaging.SysLogin, t.loginHandler); err != nil {
			t.logger.Warn("login subscription failed", "error", err)
		}
	}
	return nil
}

// Disconnect drains outstanding subscriptions and closes the connection.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	conn := t.conn
	t.conn = nil
	t.eventSubs = make(map[string]*nats.Subscription)
	t.reqSubs = make(map[string]*nats.Subscription)
	t.mu.Unlock()

	if err := conn.Drain(); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// IsConnected implements messaging.Transport.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	conn := t.conn
	connected := t.connected
	t.mu.RUnlock()
	return connected && conn != nil && conn.IsConnected()
}

// Emit publishes the event on its subject.
func (t *Transport) Emit(ctx context.Context, env *contracts.Envelope) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("transport not connected")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return conn.Publish(t.eventPrefix+env.Type, body)
}

// subscribeEventLocked runs with t.mu held.
func (t *Transport) subscribeEventLocked(eventType string) error {
	if _, subscribed := t.eventSubs[eventType]; subscribed {
		return nil
	}
	sub, err := t.conn.Subscribe(t.eventPrefix+eventType, func(msg *nats.Msg) {
		var env contracts.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.logger.Warn("discarding malformed event", "subject", msg.Subject, "error", err)
			return
		}
		t.mu.RLock()
		handlers := make([]messaging.EventHandler, len(t.events[env.Type]))
		copy(handlers, t.events[env.Type])
		t.mu.RUnlock()
		for _, h := range handlers {
			h.HandleEvent(context.Background(), &env)
		}
	})
	if err != nil {
		return err
	}
	t.eventSubs[eventType] = sub
	return nil
}

// On implements messaging.Transport. The first handler for a type opens the
// subject subscription.
func (t *Transport) On(eventType string, handler messaging.EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	first := len(t.events[eventType]) == 0
	t.events[eventType] = append(t.events[eventType], handler)
	if first && t.connected {
		if err := t.subscribeEventLocked(eventType); err != nil {
			t.logger.Warn("event subscription failed", "eventType", eventType, "error", err)
		}
	}
}

// Off implements messaging.Transport. Removing the last handler closes the
// subject subscription.
func (t *Transport) Off(eventType string, handler messaging.EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	handlers := t.events[eventType]
	for i, h := range handlers {
		if h == handler {
			t.events[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			break
		}
	}
	if len(t.events[eventType]) == 0 {
		delete(t.events, eventType)
		if sub := t.eventSubs[eventType]; sub != nil {
			delete(t.eventSubs, eventType)
			if err := sub.Unsubscribe(); err != nil {
				t.logger.Warn("event unsubscribe failed", "eventType", eventType, "error", err)
			}
		}
	}
}

// Request uses core NATS request/reply on the type's subject.
func (t *Transport) Request(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("transport not connected")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	msg, err := conn.RequestWithContext(ctx, t.requestPrefix+env.Type, body)
	if err != nil {
		return nil, err
	}
	var resp contracts.Envelope
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// subscribeRequestLocked runs with t.mu held. Request subjects use a queue
// group so multiple servers share the load.
func (t *Transport) subscribeRequestLocked(reqType string, handler messaging.RequestHandler) error {
	if _, subscribed := t.reqSubs[reqType]; subscribed {
		return nil
	}
	sub, err := t.conn.QueueSubscribe(t.requestPrefix+reqType, "meshrpc", func(msg *nats.Msg) {
		var env contracts.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.logger.Warn("discarding malformed request", "subject", msg.Subject, "error", err)
			return
		}
		result, err := handler(context.Background(), &env)
		if err != nil {
			t.logger.Warn("request handler failed", "requestType", env.Type, "error", err)
			return
		}
		reply, err := env.Reply(result, env.Context)
		if err != nil {
			return
		}
		body, err := json.Marshal(reply)
		if err != nil {
			return
		}
		if err := msg.Respond(body); err != nil {
			t.logger.Debug("response publish failed", "requestType", env.Type, "error", err)
		}
	})
	if err != nil {
		return err
	}
	t.reqSubs[reqType] = sub
	return nil
}

// HandleRequest implements messaging.Transport.
func (t *Transport) HandleRequest(reqType string, handler messaging.RequestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests[reqType] = handler
	if t.connected {
		if err := t.subscribeRequestLocked(reqType, handler); err != nil {
			t.logger.Warn("request subscription failed", "requestType", reqType, "error", err)
		}
	}
}

func (t *Transport) loginHandler(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
	var payload loginPayload
	result := loginResult{}
	if err := env.Decode(&payload); err != nil {
		result.Error = err.Error()
	} else if auth, err := t.authenticator(payload.Credentials); err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
		result.Token = auth.Token
		result.Actor = auth.Actor
	}
	return result, nil
}

// Login sends a $login request answered by whichever peer carries an
// authenticator.
func (t *Transport) Login(ctx context.Context, credentials messaging.Credentials) (*messaging.AuthResult, error) {
	env, err := contracts.NewEnvelope(contracts.KindRequest, messaging.SysLogin, loginPayload{Credentials: credentials}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.Request(ctx, env)
	if err != nil {
		return nil, err
	}
	var result loginResult
	if err := resp.Decode(&result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("login failed: %s", result.Error)
	}
	return &messaging.AuthResult{Token: result.Token, Actor: result.Actor}, nil
}

// Logout implements messaging.Transport.
func (t *Transport) Logout(ctx context.Context) error {
	return nil
}

var _ messaging.Transport = (*Transport)(nil)
