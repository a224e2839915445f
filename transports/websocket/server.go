package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshrpc/meshrpc-go/contracts"
	"github.com/meshrpc/meshrpc-go/messaging"
)

// Authenticator validates login credentials for the server transport.
type Authenticator func(credentials messaging.Credentials) (*messaging.AuthResult, error)

// ServerTransport is the listening half of the WebSocket transport. Each
// accepted connection becomes a session; targeted events are routed to the
// session whose client registered with the matching ID.
type ServerTransport struct {
	logger        *slog.Logger
	authenticator Authenticator
	upgrader      websocket.Upgrader
	writeTimeout  time.Duration

	mu         sync.RWMutex
	connected  bool
	listener   net.Listener
	httpServer *http.Server
	sessions   map[*session]struct{}
	events     map[string][]messaging.EventHandler
	requests   map[string]messaging.RequestHandler
}

type session struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	mu       sync.RWMutex
	clientID string
}

func (s *session) write(env *contracts.Envelope, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(timeout))
	return s.conn.WriteJSON(env)
}

func (s *session) setClientID(id string) {
	s.mu.Lock()
	s.clientID = id
	s.mu.Unlock()
}

func (s *session) getClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

// ServerOption configures a ServerTransport.
type ServerOption func(*ServerTransport)

// WithServerLogger sets the transport logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(t *ServerTransport) { t.logger = logger }
}

// WithServerAuthenticator installs the login authenticator. The default
// rejects every login.
func WithServerAuthenticator(fn Authenticator) ServerOption {
	return func(t *ServerTransport) { t.authenticator = fn }
}

// NewServerTransport creates an unbound server transport.
func NewServerTransport(options ...ServerOption) *ServerTransport {
	t := &ServerTransport{
		logger: slog.Default(),
		authenticator: func(messaging.Credentials) (*messaging.AuthResult, error) {
			return nil, fmt.Errorf("no authenticator configured")
		},
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		writeTimeout: 10 * time.Second,
		sessions:     make(map[*session]struct{}),
		events:       make(map[string][]messaging.EventHandler),
		requests:     make(map[string]messaging.RequestHandler),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Connect binds the listener described by a ws://host:port/path URL.
func (t *ServerTransport) Connect(ctx context.Context, connString string) error {
	u, err := url.Parse(connString)
	if err != nil {
		return fmt.Errorf("parse connection string: %w", err)
	}

	listener, err := net.Listen("tcp", u.Host)
	if err != nil {
		return fmt.Errorf("listen %s: %w", u.Host, err)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, t.serveWS)
	server := &http.Server{Handler: mux}

	t.mu.Lock()
	t.listener = listener
	t.httpServer = server
	t.connected = true
	t.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			t.logger.Error("websocket server stopped", "error", err)
		}
	}()
	return nil
}

// Disconnect closes the listener and every session.
func (t *ServerTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = false
	server := t.httpServer
	sessions := make([]*session, 0, len(t.sessions))
	for s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = make(map[*session]struct{})
	t.mu.Unlock()

	for _, s := range sessions {
		s.conn.Close()
	}
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// IsConnected implements messaging.Transport.
func (t *ServerTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *ServerTransport) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	sess := &session{conn: conn}
	t.mu.Lock()
	t.sessions[sess] = struct{}{}
	t.mu.Unlock()

	go t.readPump(sess)
}

func (t *ServerTransport) readPump(sess *session) {
	defer func() {
		t.mu.Lock()
		delete(t.sessions, sess)
		t.mu.Unlock()
		sess.conn.Close()
	}()

	for {
		var env contracts.Envelope
		if err := sess.conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Kind {
		case contracts.KindRequest:
			t.serveRequest(sess, &env)
		case contracts.KindEvent:
			t.dispatchEvent(&env)
		}
	}
}

func (t *ServerTransport) serveRequest(sess *session, env *contracts.Envelope) {
	if env.Type == messaging.SysLogin {
		t.serveLogin(sess, env)
		return
	}
	if env.Type == messaging.SysRegister {
		// Learn the session's client identity for targeted delivery.
		var reg messaging.RegisterRequest
		if err := env.Decode(&reg); err == nil && reg.ClientID != "" {
			sess.setClientID(reg.ClientID)
		}
	}

	t.mu.RLock()
	handler := t.requests[env.Type]
	t.mu.RUnlock()
	if handler == nil {
		t.logger.Warn("no handler for request", "requestType", env.Type)
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
		if err := sess.write(reply, t.writeTimeout); err != nil {
			t.logger.Debug("response write failed", "requestType", env.Type, "error", err)
		}
	}()
}

func (t *ServerTransport) serveLogin(sess *session, env *contracts.Envelope) {
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
	reply, err := env.Reply(result, env.Context)
	if err != nil {
		return
	}
	if err := sess.write(reply, t.writeTimeout); err != nil {
		t.logger.Debug("login response write failed", "error", err)
	}
}

func (t *ServerTransport) dispatchEvent(env *contracts.Envelope) {
	t.mu.RLock()
	handlers := make([]messaging.EventHandler, len(t.events[env.Type]))
	copy(handlers, t.events[env.Type])
	t.mu.RUnlock()
	for _, h := range handlers {
		h.HandleEvent(context.Background(), env)
	}
}

// Emit delivers an event to the targeted session, or to all sessions when
// the envelope carries no target.
func (t *ServerTransport) Emit(ctx context.Context, env *contracts.Envelope) error {
	target := ""
	if env.Context != nil {
		target = env.Context.Target
	}

	t.mu.RLock()
	sessions := make([]*session, 0, len(t.sessions))
	for s := range t.sessions {
		if target == "" || s.getClientID() == target {
			sessions = append(sessions, s)
		}
	}
	t.mu.RUnlock()

	for _, s := range sessions {
		if err := s.write(env, t.writeTimeout); err != nil {
			t.logger.Debug("event write failed", "eventType", env.Type, "error", err)
		}
	}
	return nil
}

// On implements messaging.Transport.
func (t *ServerTransport) On(eventType string, handler messaging.EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[eventType] = append(t.events[eventType], handler)
}

// Off implements messaging.Transport.
func (t *ServerTransport) Off(eventType string, handler messaging.EventHandler) {
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

// Request is not supported server-side; the server answers requests, it does
// not initiate them over WebSocket.
func (t *ServerTransport) Request(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
	return nil, fmt.Errorf("server-initiated requests are not supported by the websocket transport")
}

// HandleRequest implements messaging.Transport.
func (t *ServerTransport) HandleRequest(reqType string, handler messaging.RequestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests[reqType] = handler
}

// Login is not meaningful on the listening side.
func (t *ServerTransport) Login(ctx context.Context, credentials messaging.Credentials) (*messaging.AuthResult, error) {
	return nil, fmt.Errorf("login is a client-side operation")
}

// Logout implements messaging.Transport.
func (t *ServerTransport) Logout(ctx context.Context) error {
	return nil
}

var (
	_ messaging.Transport = (*ServerTransport)(nil)
	_ messaging.Transport = (*ClientTransport)(nil)
)
