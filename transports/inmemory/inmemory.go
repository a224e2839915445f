// Package inmemory provides an in-process transport pairing clients with a
// server through a shared Broker. Delivery is synchronous on the caller's
// goroutine, which makes it deterministic for tests and cheap for hosting a
// client and server in one process.
package inmemory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/meshrpc/meshrpc-go/contracts"
	"github.com/meshrpc/meshrpc-go/messaging"
)

// Authenticator validates login credentials for every endpoint of a broker.
type Authenticator func(credentials messaging.Credentials) (*messaging.AuthResult, error)

// Broker pairs endpoints by address. One server endpoint binds each address;
// any number of client endpoints connect to it.
type Broker struct {
	mu            sync.RWMutex
	servers       map[string]*Transport
	authenticator Authenticator
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithAuthenticator installs the login authenticator. The default accepts
// any credentials and builds an actor from the "actorId", "roles" and
// "permissions" keys.
func WithAuthenticator(fn Authenticator) BrokerOption {
	return func(b *Broker) { b.authenticator = fn }
}

// NewBroker creates an empty broker.
func NewBroker(options ...BrokerOption) *Broker {
	b := &Broker{
		servers:       make(map[string]*Transport),
		authenticator: defaultAuthenticator,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

func defaultAuthenticator(credentials messaging.Credentials) (*messaging.AuthResult, error) {
	actor := &contracts.Actor{ID: "anonymous", Type: "user"}
	if id, ok := credentials["actorId"].(string); ok {
		actor.ID = id
	}
	if roles, ok := credentials["roles"].([]string); ok {
		actor.Roles = roles
	}
	if perms, ok := credentials["permissions"].([]string); ok {
		actor.Permissions = perms
	}
	return &messaging.AuthResult{Token: uuid.New().String(), Actor: actor}, nil
}

type role int

const (
	roleServer role = iota
	roleClient
)

// Transport is one in-memory endpoint. Create endpoints with
// Broker.ServerTransport and Broker.ClientTransport.
type Transport struct {
	broker *Broker
	role   role

	mu        sync.RWMutex
	connected bool
	address   string
	peer      *Transport
	clients   map[*Transport]struct{}
	events    map[string][]messaging.EventHandler
	requests  map[string]messaging.RequestHandler
}

// ServerTransport creates the server endpoint of this broker.
func (b *Broker) ServerTransport() *Transport {
	return &Transport{
		broker:   b,
		role:     roleServer,
		clients:  make(map[*Transport]struct{}),
		events:   make(map[string][]messaging.EventHandler),
		requests: make(map[string]messaging.RequestHandler),
	}
}

// ClientTransport creates a client endpoint of this broker.
func (b *Broker) ClientTransport() *Transport {
	return &Transport{
		broker:   b,
		role:     roleClient,
		events:   make(map[string][]messaging.EventHandler),
		requests: make(map[string]messaging.RequestHandler),
	}
}

// Connect binds a server endpoint to the address, or attaches a client
// endpoint to the server bound there. Connection strings look like
// "memory://name".
func (t *Transport) Connect(ctx context.Context, connString string) error {
	address := strings.TrimPrefix(connString, "memory://")
	if address == "" {
		return fmt.Errorf("invalid in-memory connection string %q", connString)
	}

	if t.role == roleServer {
		t.broker.mu.Lock()
		if existing, bound := t.broker.servers[address]; bound && existing != t {
			t.broker.mu.Unlock()
			return fmt.Errorf("address %q already bound", address)
		}
		t.broker.servers[address] = t
		t.broker.mu.Unlock()

		t.mu.Lock()
		t.address = address
		t.connected = true
		t.mu.Unlock()
		return nil
	}

	t.broker.mu.RLock()
	server := t.broker.servers[address]
	t.broker.mu.RUnlock()
	if server == nil {
		return fmt.Errorf("no server bound at %q", address)
	}

	server.mu.Lock()
	server.clients[t] = struct{}{}
	server.mu.Unlock()

	t.mu.Lock()
	t.address = address
	t.peer = server
	t.connected = true
	t.mu.Unlock()
	return nil
}

// Disconnect detaches the endpoint. A server disconnect unbinds the address
// and orphans its clients.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	peer := t.peer
	address := t.address
	t.connected = false
	t.peer = nil
	t.mu.Unlock()

	if t.role == roleServer {
		t.broker.mu.Lock()
		if t.broker.servers[address] == t {
			delete(t.broker.servers, address)
		}
		t.broker.mu.Unlock()
		t.mu.Lock()
		t.clients = make(map[*Transport]struct{})
		t.mu.Unlock()
		return nil
	}

	if peer != nil {
		peer.mu.Lock()
		delete(peer.clients, t)
		peer.mu.Unlock()
	}
	return nil
}

// IsConnected implements messaging.Transport.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.connected {
		return false
	}
	if t.role == roleClient && t.peer != nil {
		return t.peer.IsConnected()
	}
	return true
}

// Emit delivers an event envelope: client to server, server to every
// attached client. Target filtering happens at the receiving endpoint.
func (t *Transport) Emit(ctx context.Context, env *contracts.Envelope) error {
	t.mu.RLock()
	connected := t.connected
	peer := t.peer
	t.mu.RUnlock()
	if !connected {
		return fmt.Errorf("transport not connected")
	}

	if t.role == roleClient {
		if peer == nil {
			return fmt.Errorf("transport not connected")
		}
		peer.deliver(ctx, env)
		return nil
	}

	t.mu.RLock()
	receivers := make([]*Transport, 0, len(t.clients))
	for client := range t.clients {
		receivers = append(receivers, client)
	}
	t.mu.RUnlock()
	for _, client := range receivers {
		client.deliver(ctx, env)
	}
	return nil
}

func (t *Transport) deliver(ctx context.Context, env *contracts.Envelope) {
	t.mu.RLock()
	handlers := make([]messaging.EventHandler, len(t.events[env.Type]))
	copy(handlers, t.events[env.Type])
	t.mu.RUnlock()
	for _, h := range handlers {
		h.HandleEvent(ctx, env)
	}
}

// On implements messaging.Transport.
func (t *Transport) On(eventType string, handler messaging.EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[eventType] = append(t.events[eventType], handler)
}

// Off implements messaging.Transport.
func (t *Transport) Off(eventType string, handler messaging.EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	handlers := t.events[eventType]
	for i, h := range handlers {
		if h == handler {
			t.events[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Request invokes the peer's registered handler synchronously and wraps the
// result in a response envelope.
func (t *Transport) Request(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
	t.mu.RLock()
	peer := t.peer
	connected := t.connected
	t.mu.RUnlock()
	if !connected {
		return nil, fmt.Errorf("transport not connected")
	}

	target := peer
	if t.role == roleServer {
		return nil, fmt.Errorf("server-initiated requests are not supported by the in-memory transport")
	}
	if target == nil {
		return nil, fmt.Errorf("transport not connected")
	}

	target.mu.RLock()
	handler := target.requests[env.Type]
	target.mu.RUnlock()
	if handler == nil {
		return nil, fmt.Errorf("no handler for request type %q", env.Type)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	result, err := handler(ctx, env)
	if err != nil {
		return nil, err
	}
	return env.Reply(result, env.Context)
}

// HandleRequest implements messaging.Transport.
func (t *Transport) HandleRequest(reqType string, handler messaging.RequestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests[reqType] = handler
}

// Login implements messaging.Transport using the broker's authenticator.
func (t *Transport) Login(ctx context.Context, credentials messaging.Credentials) (*messaging.AuthResult, error) {
	return t.broker.authenticator(credentials)
}

// Logout implements messaging.Transport.
func (t *Transport) Logout(ctx context.Context) error {
	return nil
}
