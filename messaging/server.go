package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshrpc/meshrpc-go/auth"
	"github.com/meshrpc/meshrpc-go/contracts"
	"github.com/meshrpc/meshrpc-go/errors"
	"github.com/meshrpc/meshrpc-go/middleware"
)

// Subscription is a client's registered interest in a set of event types
// with an optional filter.
type Subscription struct {
	ID     string                 `json:"id"`
	Events []string               `json:"events"`
	Filter map[string]interface{} `json:"filter,omitempty"`
}

// ClientConnection is the server-side record of a registered client. The
// server exclusively owns the table of these.
type ClientConnection struct {
	ClientID      string
	ConnectionID  string
	ClientType    string
	Capabilities  []string
	Metadata      map[string]interface{}
	LastActivity  time.Time
	Subscriptions map[string]*Subscription
}

// ServerRequestHandler serves one application request type.
type ServerRequestHandler func(ctx context.Context, mc *contracts.MessageContext, payload json.RawMessage) (interface{}, error)

// PayloadValidator validates payloads at the server boundary. The schema
// engine itself is external; NoopValidator is the default.
type PayloadValidator interface {
	ValidateRequest(reqType string, payload []byte) error
	ValidateEvent(eventType string, payload []byte) error
}

// NoopValidator accepts everything.
type NoopValidator struct{}

// ValidateRequest implements PayloadValidator.
func (NoopValidator) ValidateRequest(string, []byte) error { return nil }

// ValidateEvent implements PayloadValidator.
func (NoopValidator) ValidateEvent(string, []byte) error { return nil }

// Server is the server endpoint: it owns the client registry, the liveness
// sweep, the authorization engine compiled from the contract, and routes
// every request and relayed event through middleware.
type Server struct {
	transport Transport

	serverID     string
	version      string
	capabilities []string

	logger    *slog.Logger
	mw        *middleware.Manager
	engine    *auth.Engine
	registry  *errors.Registry
	validator PayloadValidator
	contract  *contracts.Contract

	maxClients        int
	clientTimeout     time.Duration
	heartbeatInterval time.Duration

	mu        sync.RWMutex
	state     ConnectionState
	clients   map[string]*ClientConnection
	connIndex map[string]string
	startTime time.Time
	sweepStop chan struct{}

	errorListeners *listenerSet[func(error)]
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerID sets the server identity. Defaults to a generated UUID.
func WithServerID(id string) ServerOption {
	return func(s *Server) { s.serverID = id }
}

// WithServerVersion sets the version reported by $serverInfo.
func WithServerVersion(version string) ServerOption {
	return func(s *Server) { s.version = version }
}

// WithServerCapabilities sets the capability list reported by $serverInfo.
func WithServerCapabilities(capabilities ...string) ServerOption {
	return func(s *Server) { s.capabilities = capabilities }
}

// WithMaxClients caps the client table. $register fails beyond the cap.
func WithMaxClients(n int) ServerOption {
	return func(s *Server) { s.maxClients = n }
}

// WithClientTimeout sets how long a client may stay silent before the
// liveness sweep removes it.
func WithClientTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.clientTimeout = d }
}

// WithServerHeartbeatInterval sets the broadcast-heartbeat and sweep period.
func WithServerHeartbeatInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.heartbeatInterval = d }
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithServerMiddleware sets the middleware manager.
func WithServerMiddleware(mw *middleware.Manager) ServerOption {
	return func(s *Server) { s.mw = mw }
}

// WithContract installs a contract: roles feed the authorization engine,
// error definitions feed the error registry, and declared events are relayed
// to subscribers. The contract is normalized in place.
func WithContract(contract *contracts.Contract, authOptions ...auth.Option) ServerOption {
	return func(s *Server) {
		s.contract = contract
		s.engine = auth.NewEngine(contract.Roles, authOptions...)
		s.registry = errors.NewRegistry(contract.Errors)
	}
}

// WithAuthEngine overrides the authorization engine.
func WithAuthEngine(engine *auth.Engine) ServerOption {
	return func(s *Server) { s.engine = engine }
}

// WithValidator sets the payload validator.
func WithValidator(v PayloadValidator) ServerOption {
	return func(s *Server) { s.validator = v }
}

// NewServer creates a server over the given transport. Call Start to bind
// it.
func NewServer(transport Transport, options ...ServerOption) *Server {
	s := &Server{
		transport:         transport,
		serverID:          uuid.New().String(),
		version:           "0.1.0",
		logger:            slog.Default(),
		mw:                middleware.NewManager(),
		engine:            auth.NewEngine(nil),
		registry:          errors.NewRegistry(nil),
		validator:         NoopValidator{},
		maxClients:        1000,
		clientTimeout:     90 * time.Second,
		heartbeatInterval: 30 * time.Second,
		state:             StateDisconnected,
		clients:           make(map[string]*ClientConnection),
		connIndex:         make(map[string]string),
		errorListeners:    newListenerSet[func(error)](),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// ServerID returns the server identity.
func (s *Server) ServerID() string { return s.serverID }

// State returns the server connection state.
func (s *Server) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnError registers an error listener. The returned function removes it.
func (s *Server) OnError(fn func(error)) (remove func()) {
	return s.errorListeners.add(fn)
}

// ClientCount returns the number of registered clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Start binds the transport, installs the system handlers and event relays,
// and starts the heartbeat broadcast and liveness sweep.
func (s *Server) Start(ctx context.Context, connString string) error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return errors.New("INVALID_STATE", errors.TypeState, "server already started")
	}
	s.state = StateConnecting
	s.mu.Unlock()

	if err := s.transport.Connect(ctx, connString); err != nil {
		s.mu.Lock()
		s.state = StateError
		s.mu.Unlock()
		return errors.ErrConnectionFailed.WithCause(err)
	}

	s.registerSystemHandlers()
	s.installEventRelays()

	s.mu.Lock()
	s.state = StateConnected
	s.startTime = time.Now()
	s.mu.Unlock()

	s.startHeartbeat()
	s.logger.Info("server started", "serverId", s.serverID, "connString", connString)
	return nil
}

// Stop cancels the sweep timer before tearing down the transport.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateDisconnecting
	stop := s.sweepStop
	s.sweepStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}

	err := s.transport.Disconnect(ctx)

	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	return err
}

// HandleRequest registers an application request handler. Authorization,
// payload validation, middleware and panic containment wrap every call;
// handler failures are converted to a {success:false} response and never
// cross the transport as raw errors.
func (s *Server) HandleRequest(reqType string, handler ServerRequestHandler) {
	s.transport.HandleRequest(reqType, func(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
		return s.dispatchRequest(ctx, reqType, env, handler), nil
	})
}

func (s *Server) dispatchRequest(ctx context.Context, reqType string, env *contracts.Envelope, handler ServerRequestHandler) Response {
	mc := env.Context
	if mc == nil {
		mc = contracts.NewMessageContext("")
	}
	s.touch(mc.Source)

	actor := mc.ActorOrNil()
	if !s.engine.CanAccessRequest(actor, reqType, s.accessForRequest(reqType)) {
		s.logger.Warn("request denied",
			"requestType", reqType,
			"clientId", mc.Source,
		)
		return s.failure(errors.ErrPermissionDenied.WithDetails(map[string]interface{}{"request": reqType}))
	}

	if err := s.validator.ValidateRequest(reqType, env.Payload); err != nil {
		return s.failure(&errors.MessagingError{
			Code:     "VALIDATION_FAILED",
			Message:  err.Error(),
			Type:     errors.TypeValidation,
			Severity: errors.SeverityError,
		})
	}

	ex := &middleware.Exchange{MessageType: reqType, Context: mc, Payload: env.Payload}
	if err := s.mw.Execute(ctx, middleware.AfterRequest, ex); err != nil {
		return s.failure(errors.Wrap(err))
	}
	mc = ex.Context

	payload, err := rawPayload(ex.Payload)
	if err != nil {
		return s.failure(errors.Wrap(err))
	}

	result, err := s.invoke(ctx, mc, payload, handler)
	if err != nil {
		err = s.mw.ExecuteError(ctx, ex, err)
		return s.failure(errors.Wrap(err))
	}

	rex := &middleware.Exchange{MessageType: reqType, Context: mc, Payload: result}
	if err := s.mw.Execute(ctx, middleware.BeforeResponse, rex); err != nil {
		return s.failure(errors.Wrap(err))
	}
	return Response{Success: true, Data: rex.Payload}
}

// invoke runs the handler with panic containment.
func (s *Server) invoke(ctx context.Context, mc *contracts.MessageContext, payload json.RawMessage, handler ServerRequestHandler) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("HANDLER_PANIC", errors.TypeSystem, "request handler panic: %v", r)
		}
	}()
	return handler(ctx, mc, payload)
}

func (s *Server) failure(err *errors.MessagingError) Response {
	re := err.ToResponseError()
	return Response{Success: false, Error: &re}
}

// Publish routes a server-originated event to every subscribed client whose
// subscription filter matches.
func (s *Server) Publish(ctx context.Context, eventType string, payload interface{}) error {
	ex := &middleware.Exchange{MessageType: eventType, Context: s.newContext(), Payload: payload}
	if err := s.mw.Execute(ctx, middleware.BeforeEvent, ex); err != nil {
		return err
	}
	raw, err := rawPayload(ex.Payload)
	if err != nil {
		return errors.Wrap(err)
	}
	return s.publishToSubscribers(ctx, eventType, raw, ex.Context)
}

// Broadcast emits a $broadcast event to every connected client, bypassing
// subscriptions.
func (s *Server) Broadcast(ctx context.Context, message string, data interface{}) error {
	payload := BroadcastEvent{Message: message, Data: data, Timestamp: time.Now().UTC()}
	env, err := contracts.NewEnvelope(contracts.KindEvent, SysBroadcast, payload, s.newContext())
	if err != nil {
		return errors.Wrap(err)
	}
	return s.transport.Emit(ctx, env)
}

// publishToSubscribers emits one targeted envelope per matching
// subscription.
func (s *Server) publishToSubscribers(ctx context.Context, eventType string, payload json.RawMessage, mc *contracts.MessageContext) error {
	var fields map[string]interface{}
	if len(payload) > 0 {
		// Non-object payloads simply never match a non-empty filter.
		_ = json.Unmarshal(payload, &fields)
	}

	s.mu.RLock()
	targets := make([]string, 0)
	for clientID, conn := range s.clients {
		for _, sub := range conn.Subscriptions {
			if subscriptionMatches(sub, eventType, fields) {
				targets = append(targets, clientID)
				break
			}
		}
	}
	s.mu.RUnlock()

	for _, clientID := range targets {
		env := &contracts.Envelope{
			ID:        uuid.New().String(),
			Kind:      contracts.KindEvent,
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Payload:   payload,
			Context:   mc.WithTarget(clientID),
		}
		if err := s.transport.Emit(ctx, env); err != nil {
			s.logger.Warn("event delivery failed",
				"eventType", eventType,
				"clientId", clientID,
				"error", err,
			)
		}
	}
	return nil
}

func subscriptionMatches(sub *Subscription, eventType string, fields map[string]interface{}) bool {
	matched := false
	for _, ev := range sub.Events {
		if ev == eventType {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for key, want := range sub.Filter {
		got, ok := fields[key]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// installEventRelays subscribes the server to every contract event so
// client-emitted events are authorization-checked and fanned out to
// subscribers. Client heartbeats refresh activity.
func (s *Server) installEventRelays() {
	s.transport.On(SysHeartbeat, NewEventHandlerFunc(func(ctx context.Context, env *contracts.Envelope) {
		var hb HeartbeatEvent
		if err := env.Decode(&hb); err == nil && hb.ClientID != "" {
			s.touch(hb.ClientID)
		}
	}))

	if s.contract == nil {
		return
	}
	for name := range s.contract.Events {
		eventType := name
		s.transport.On(eventType, NewEventHandlerFunc(func(ctx context.Context, env *contracts.Envelope) {
			s.relayEvent(ctx, eventType, env)
		}))
	}
}

// relayEvent handles an event emitted by a client: refresh activity, check
// emit authorization, run the event middleware, then fan out.
func (s *Server) relayEvent(ctx context.Context, eventType string, env *contracts.Envelope) {
	mc := env.Context
	if mc == nil {
		mc = contracts.NewMessageContext("")
	}
	if mc.Source == s.serverID {
		// Our own fan-out coming back on a shared channel.
		return
	}
	s.touch(mc.Source)

	actor := mc.ActorOrNil()
	if !s.engine.CanEmitEvent(actor, eventType, s.accessForEvent(eventType)) {
		s.logger.Warn("event emission denied", "eventType", eventType, "clientId", mc.Source)
		s.emitErrorTo(ctx, mc.Source, errors.ErrPermissionDenied)
		return
	}

	if err := s.validator.ValidateEvent(eventType, env.Payload); err != nil {
		s.emitErrorTo(ctx, mc.Source, &errors.MessagingError{
			Code: "VALIDATION_FAILED", Message: err.Error(), Type: errors.TypeSchema, Severity: errors.SeverityError,
		})
		return
	}

	ex := &middleware.Exchange{MessageType: eventType, Context: mc, Payload: env.Payload}
	if err := s.mw.Execute(ctx, middleware.BeforeEvent, ex); err != nil {
		s.notifyError(err)
		return
	}
	raw, err := rawPayload(ex.Payload)
	if err != nil {
		s.notifyError(errors.Wrap(err))
		return
	}
	if err := s.publishToSubscribers(ctx, eventType, raw, s.newContext()); err != nil {
		s.notifyError(err)
	}
}

// emitErrorTo sends a targeted $error event to one client.
func (s *Server) emitErrorTo(ctx context.Context, clientID string, merr *errors.MessagingError) {
	if clientID == "" {
		return
	}
	payload := ErrorEvent{Code: merr.Code, Message: merr.Message}
	env, err := contracts.NewEnvelope(contracts.KindEvent, SysError, payload, s.newContext().WithTarget(clientID))
	if err != nil {
		return
	}
	_ = s.transport.Emit(ctx, env)
}

// System request handlers.

func (s *Server) registerSystemHandlers() {
	s.handleSystem(SysRegister, s.handleRegister)
	s.handleSystem(SysUnregister, s.handleUnregister)
	s.handleSystem(SysSubscribe, s.handleSubscribe)
	s.handleSystem(SysUnsubscribe, s.handleUnsubscribe)
	s.handleSystem(SysPing, s.handlePing)
	s.handleSystem(SysServerInfo, s.handleServerInfo)
}

// handleSystem wraps a system handler with activity tracking and uniform
// error conversion. System requests bypass authorization.
func (s *Server) handleSystem(reqType string, handler func(ctx context.Context, env *contracts.Envelope) (interface{}, error)) {
	s.transport.HandleRequest(reqType, func(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
		if env.Context != nil {
			s.touch(env.Context.Source)
		}
		result, err := handler(ctx, env)
		if err != nil {
			s.notifyError(err)
			return s.failure(errors.Wrap(err)), nil
		}
		return Response{Success: true, Data: result}, nil
	})
}

func (s *Server) handleRegister(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
	var req RegisterRequest
	if err := env.Decode(&req); err != nil {
		return nil, errors.Wrap(err)
	}
	if req.ClientID == "" {
		return nil, errors.New("INVALID_REGISTRATION", errors.TypeRequest, "clientId is required")
	}

	now := time.Now().UTC()
	s.mu.Lock()
	if _, exists := s.clients[req.ClientID]; !exists && len(s.clients) >= s.maxClients {
		s.mu.Unlock()
		return nil, errors.Newf("MAX_CLIENTS_REACHED", errors.TypeConnection,
			"server at capacity (%d clients)", s.maxClients)
	}
	if old, exists := s.clients[req.ClientID]; exists {
		// Re-registration replaces the stale connection.
		delete(s.connIndex, old.ConnectionID)
	}
	conn := &ClientConnection{
		ClientID:      req.ClientID,
		ConnectionID:  uuid.New().String(),
		ClientType:    req.ClientType,
		Capabilities:  req.Capabilities,
		Metadata:      req.Metadata,
		LastActivity:  now,
		Subscriptions: make(map[string]*Subscription),
	}
	s.clients[req.ClientID] = conn
	s.connIndex[conn.ConnectionID] = req.ClientID
	s.mu.Unlock()

	s.logger.Info("client registered",
		"clientId", req.ClientID,
		"connectionId", conn.ConnectionID,
		"clientType", req.ClientType,
	)
	s.emitSystemEvent(ctx, SysConnected, ConnectedEvent{
		ClientID:     req.ClientID,
		ConnectionID: conn.ConnectionID,
		Timestamp:    now,
		Metadata:     req.Metadata,
	})

	return RegisterResponse{
		Success:      true,
		ConnectionID: conn.ConnectionID,
		ServerID:     s.serverID,
		ServerTime:   now,
		TTL:          s.clientTimeout.Milliseconds(),
	}, nil
}

func (s *Server) handleUnregister(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
	var req UnregisterRequest
	if err := env.Decode(&req); err != nil {
		return nil, errors.Wrap(err)
	}

	s.mu.Lock()
	conn, ok := s.clients[req.ClientID]
	if !ok {
		s.mu.Unlock()
		return nil, errors.Newf("UNKNOWN_CLIENT", errors.TypeRequest, "client %s is not registered", req.ClientID)
	}
	if conn.ConnectionID != req.ConnectionID {
		// A stale or duplicate unregister must not tear down the live
		// connection.
		s.mu.Unlock()
		return nil, errors.Newf("STALE_CONNECTION", errors.TypeRequest,
			"connection %s does not match the registered connection", req.ConnectionID)
	}
	delete(s.clients, req.ClientID)
	delete(s.connIndex, conn.ConnectionID)
	s.mu.Unlock()

	s.logger.Info("client unregistered", "clientId", req.ClientID, "connectionId", conn.ConnectionID)
	s.emitSystemEvent(ctx, SysDisconnected, DisconnectedEvent{
		ClientID:     req.ClientID,
		ConnectionID: conn.ConnectionID,
		Reason:       "Client unregistered",
		Timestamp:    time.Now().UTC(),
	})

	return UnregisterResponse{Success: true, Timestamp: time.Now().UTC()}, nil
}

func (s *Server) handleSubscribe(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
	var req SubscribeRequest
	if err := env.Decode(&req); err != nil {
		return nil, errors.Wrap(err)
	}
	if len(req.Events) == 0 {
		return nil, errors.New("INVALID_SUBSCRIPTION", errors.TypeRequest, "events list is empty")
	}

	actor := env.Context.ActorOrNil()
	for _, eventType := range req.Events {
		if !s.engine.CanSubscribeToEvent(actor, eventType, s.accessForEvent(eventType)) {
			return nil, errors.ErrPermissionDenied.WithDetails(map[string]interface{}{"event": eventType})
		}
	}

	s.mu.Lock()
	conn, ok := s.clients[req.ClientID]
	if !ok {
		s.mu.Unlock()
		return nil, errors.Newf("UNKNOWN_CLIENT", errors.TypeRequest, "client %s is not registered", req.ClientID)
	}
	sub := &Subscription{ID: uuid.New().String(), Events: req.Events, Filter: req.Filter}
	conn.Subscriptions[sub.ID] = sub
	s.mu.Unlock()

	s.logger.Debug("subscription created",
		"clientId", req.ClientID,
		"subscriptionId", sub.ID,
		"events", req.Events,
	)
	return SubscribeResponse{Success: true, SubscriptionID: sub.ID, Events: req.Events}, nil
}

func (s *Server) handleUnsubscribe(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
	var req UnsubscribeRequest
	if err := env.Decode(&req); err != nil {
		return nil, errors.Wrap(err)
	}

	s.mu.Lock()
	conn, ok := s.clients[req.ClientID]
	if !ok {
		s.mu.Unlock()
		return nil, errors.Newf("UNKNOWN_CLIENT", errors.TypeRequest, "client %s is not registered", req.ClientID)
	}
	if _, ok := conn.Subscriptions[req.SubscriptionID]; !ok {
		s.mu.Unlock()
		return nil, errors.Newf("UNKNOWN_SUBSCRIPTION", errors.TypeRequest,
			"subscription %s not held by client %s", req.SubscriptionID, req.ClientID)
	}
	delete(conn.Subscriptions, req.SubscriptionID)
	s.mu.Unlock()

	return UnsubscribeResponse{Success: true}, nil
}

func (s *Server) handlePing(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
	var req PingRequest
	if err := env.Decode(&req); err != nil {
		return nil, errors.Wrap(err)
	}
	return PingResponse{Timestamp: req.Timestamp, ServerTime: time.Now().UTC(), Echo: req.Payload}, nil
}

func (s *Server) handleServerInfo(ctx context.Context, env *contracts.Envelope) (interface{}, error) {
	s.mu.RLock()
	clients := len(s.clients)
	uptime := time.Since(s.startTime)
	s.mu.RUnlock()
	return ServerInfoResponse{
		ServerID:         s.serverID,
		Version:          s.version,
		Uptime:           int64(uptime.Seconds()),
		ConnectedClients: clients,
		Capabilities:     s.capabilities,
		ServerTime:       time.Now().UTC(),
	}, nil
}

// Heartbeat broadcast and liveness sweep.

// startHeartbeat starts the periodic broadcast heartbeat and client sweep,
// replacing any previous timer.
func (s *Server) startHeartbeat() {
	s.mu.Lock()
	if s.sweepStop != nil {
		close(s.sweepStop)
	}
	stop := make(chan struct{})
	s.sweepStop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.emitHeartbeat()
				s.sweepClients()
			}
		}
	}()
}

func (s *Server) emitHeartbeat() {
	if !s.transport.IsConnected() {
		return
	}
	hb := HeartbeatEvent{Timestamp: time.Now().UTC(), ServerID: s.serverID}
	env, err := contracts.NewEnvelope(contracts.KindEvent, SysHeartbeat, hb, s.newContext())
	if err != nil {
		return
	}
	if err := s.transport.Emit(context.Background(), env); err != nil {
		s.logger.Debug("heartbeat broadcast failed", "serverId", s.serverID, "error", err)
	}
}

// sweepClients removes clients whose last activity predates the timeout and
// emits one $disconnected per removal.
func (s *Server) sweepClients() {
	cutoff := time.Now().Add(-s.clientTimeout)

	s.mu.Lock()
	expired := make([]*ClientConnection, 0)
	for clientID, conn := range s.clients {
		if conn.LastActivity.Before(cutoff) {
			expired = append(expired, conn)
			delete(s.clients, clientID)
			delete(s.connIndex, conn.ConnectionID)
		}
	}
	s.mu.Unlock()

	for _, conn := range expired {
		s.logger.Warn("client timed out",
			"clientId", conn.ClientID,
			"connectionId", conn.ConnectionID,
			"lastActivity", conn.LastActivity,
		)
		s.emitSystemEvent(context.Background(), SysDisconnected, DisconnectedEvent{
			ClientID:     conn.ClientID,
			ConnectionID: conn.ConnectionID,
			Reason:       "Client timeout",
			Timestamp:    time.Now().UTC(),
		})
	}
}

func (s *Server) emitSystemEvent(ctx context.Context, eventType string, payload interface{}) {
	env, err := contracts.NewEnvelope(contracts.KindEvent, eventType, payload, s.newContext())
	if err != nil {
		return
	}
	if err := s.transport.Emit(ctx, env); err != nil {
		s.logger.Debug("system event emit failed", "eventType", eventType, "error", err)
	}
}

// touch refreshes a client's last-activity timestamp.
func (s *Server) touch(clientID string) {
	if clientID == "" {
		return
	}
	s.mu.Lock()
	if conn, ok := s.clients[clientID]; ok {
		conn.LastActivity = time.Now()
	}
	s.mu.Unlock()
}

func (s *Server) newContext() *contracts.MessageContext {
	return contracts.NewMessageContext(s.serverID)
}

func (s *Server) accessForRequest(name string) *contracts.AccessControl {
	if s.contract == nil {
		return nil
	}
	if def, ok := s.contract.Requests[name]; ok {
		return def.Access
	}
	return nil
}

func (s *Server) accessForEvent(name string) *contracts.AccessControl {
	if s.contract == nil {
		return nil
	}
	if def, ok := s.contract.Events[name]; ok {
		return def.Access
	}
	return nil
}

func (s *Server) notifyError(err error) {
	for _, fn := range s.errorListeners.snapshot() {
		fn(err)
	}
}

// rawPayload normalizes a middleware-transformed payload back to JSON.
func rawPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return json.RawMessage(data), nil
	}
}
