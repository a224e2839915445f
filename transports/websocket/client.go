// Package websocket provides a WebSocket transport: JSON envelopes over a
// gorilla/websocket connection, with request/response correlation by
// envelope ID.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshrpc/meshrpc-go/contracts"
	"github.com/meshrpc/meshrpc-go/messaging"
)

// loginPayload travels in a $login request envelope.
type loginPayload struct {
	Credentials messaging.Credentials `json:"credentials"`
}

// loginResult is the $login response payload.
type loginResult struct {
	Success bool             `json:"success"`
	Token   string           `json:"token,omitempty"`
	Actor   *contracts.Actor `json:"actor,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// ClientTransport is the dialing half of the WebSocket transport.
type ClientTransport struct {
	logger       *slog.Logger
	dialTimeout  time.Duration
	writeTimeout time.Duration

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	events    map[string][]messaging.EventHandler
	requests  map[string]messaging.RequestHandler
	pending   map[string]chan *contracts.Envelope
	done      chan struct{}

	writeMu sync.Mutex
}

// ClientOption configures a ClientTransport.
type ClientOption func(*ClientTransport)

// WithClientLogger sets the transport logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(t *ClientTransport) { t.logger = logger }
}

// WithDialTimeout bounds the WebSocket dial.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(t *ClientTransport) { t.dialTimeout = d }
}

// NewClientTransport creates a disconnected client transport.
func NewClientTransport(options ...ClientOption) *ClientTransport {
	t := &ClientTransport{
		logger:       slog.Default(),
		dialTimeout:  10 * time.Second,
		writeTimeout: 10 * time.Second,
		events:       make(map[string][]messaging.EventHandler),
		requests:     make(map[string]messaging.RequestHandler),
		pending:      make(map[string]chan *contracts.Envelope),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Connect dials the ws:// or wss:// URL and starts the read pump.
func (t *ClientTransport) Connect(ctx context.Context, connString string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return fmt.Errorf("already connected")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = t.dialTimeout
	conn, _, err := dialer.DialContext(ctx, connString, nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", connString, err)
	}

	t.conn = conn
	t.connected = true
	t.done = make(chan struct{})
	go t.readPump(conn, t.done)
	return nil
}

// Disconnect stops the read pump and closes the connection.
func (t *ClientTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	conn := t.conn
	t.conn = nil
	close(t.done)
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

// IsConnected implements messaging.Transport.
func (t *ClientTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *ClientTransport) readPump(conn *websocket.Conn, done chan struct{}) {
	for {
		var env contracts.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-done:
			default:
				t.logger.Debug("websocket read failed", "error", err)
				t.markDisconnected(conn)
			}
			return
		}
		t.handleInbound(&env)
	}
}

func (t *ClientTransport) markDisconnected(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.connected = false
		t.conn = nil
		close(t.done)
		for id, ch := range t.pending {
			close(ch)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()
	conn.Close()
}

func (t *ClientTransport) handleInbound(env *contracts.Envelope) {
	switch env.Kind {
	case contracts.KindResponse:
		t.mu.Lock()
		ch := t.pending[env.CorrelationID]
		delete(t.pending, env.CorrelationID)
		t.mu.Unlock()
		if ch != nil {
			ch <- env
		}
	case contracts.KindEvent:
		t.mu.RLock()
		handlers := make([]messaging.EventHandler, len(t.events[env.Type]))
		copy(handlers, t.events[env.Type])
		t.mu.RUnlock()
		for _, h := range handlers {
			h.HandleEvent(context.Background(), env)
		}
	case contracts.KindRequest:
		// Server-initiated request.
		t.mu.RLock()
		handler := t.requests[env.Type]
		t.mu.RUnlock()
		if handler == nil {
			return
		}
		go func() {
			result, err := handler(context.Background(), env)
			if err != nil {
				t.logger.Warn("request handler failed", "requestType", env.Type, "error", err)
				return
			}
			reply, err := env.Reply(result, env.Context)
			if err != nil {
				return
			}
			t.write(reply)
		}()
	}
}

func (t *ClientTransport) write(env *contracts.Envelope) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("transport not connected")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return conn.WriteJSON(env)
}

// Emit implements messaging.Transport.
func (t *ClientTransport) Emit(ctx context.Context, env *contracts.Envelope) error {
	return t.write(env)
}

// On implements messaging.Transport.
func (t *ClientTransport) On(eventType string, handler messaging.EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[eventType] = append(t.events[eventType], handler)
}

// Off implements messaging.Transport.
func (t *ClientTransport) Off(eventType string, handler messaging.EventHandler) {
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

// Request writes the envelope and waits for the correlated response.
func (t *ClientTransport) Request(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
	ch := make(chan *contracts.Envelope, 1)
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport not connected")
	}
	t.pending[env.ID] = ch
	t.mu.Unlock()

	if err := t.write(env); err != nil {
		t.mu.Lock()
		delete(t.pending, env.ID)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed while waiting for response")
		}
		return resp, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, env.ID)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// HandleRequest implements messaging.Transport.
func (t *ClientTransport) HandleRequest(reqType string, handler messaging.RequestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests[reqType] = handler
}

// Login sends a $login request; the server half answers from its
// authenticator.
func (t *ClientTransport) Login(ctx context.Context, credentials messaging.Credentials) (*messaging.AuthResult, error) {
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
func (t *ClientTransport) Logout(ctx context.Context) error {
	return nil
}
