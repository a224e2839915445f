package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshrpc/meshrpc-go/contracts"
	"github.com/meshrpc/meshrpc-go/errors"
	"github.com/meshrpc/meshrpc-go/middleware"
	"github.com/meshrpc/meshrpc-go/reliability"
)

// clientSubscription is the client-local record of a server-side
// subscription, kept so subscriptions can be replayed after a reconnect.
type clientSubscription struct {
	Events []string
	Filter map[string]interface{}
}

// Client is the client endpoint of the protocol: it owns the connection
// state machine, the heartbeat monitor, the reconnect scheduler and the
// local subscription set.
type Client struct {
	transport Transport

	clientID     string
	clientType   string
	capabilities []string
	metadata     map[string]interface{}

	logger    *slog.Logger
	mw        *middleware.Manager
	breaker   *reliability.CircuitBreaker
	registry  *errors.Registry
	reconnect ReconnectPolicy
	heartbeat HeartbeatConfig

	connectTimeout time.Duration
	requestTimeout time.Duration

	mu             sync.Mutex
	state          ConnectionState
	connString     string
	connectionID   string
	serverID       string
	attempts       int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	lastHeartbeat  time.Time
	missed         int
	subscriptions  map[string]*clientSubscription
	authToken      string
	actor          *contracts.Actor

	handlers    *handlerSet
	dispatchers map[string]EventHandler

	stateListeners *listenerSet[func(old, new ConnectionState)]
	errorListeners *listenerSet[func(error)]
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientID sets the client identity sent in the handshake. Defaults to a
// generated UUID.
func WithClientID(id string) ClientOption {
	return func(c *Client) { c.clientID = id }
}

// WithClientType labels the kind of client in the handshake.
func WithClientType(clientType string) ClientOption {
	return func(c *Client) { c.clientType = clientType }
}

// WithCapabilities sets the capability list sent in the handshake.
func WithCapabilities(capabilities ...string) ClientOption {
	return func(c *Client) { c.capabilities = capabilities }
}

// WithClientMetadata attaches metadata to the handshake.
func WithClientMetadata(metadata map[string]interface{}) ClientOption {
	return func(c *Client) { c.metadata = metadata }
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithClientMiddleware sets the middleware manager wrapping every request,
// response and event.
func WithClientMiddleware(mw *middleware.Manager) ClientOption {
	return func(c *Client) { c.mw = mw }
}

// WithReconnectPolicy overrides the reconnect policy.
func WithReconnectPolicy(policy ReconnectPolicy) ClientOption {
	return func(c *Client) { c.reconnect = policy }
}

// WithHeartbeatConfig overrides the heartbeat configuration.
func WithHeartbeatConfig(cfg HeartbeatConfig) ClientOption {
	return func(c *Client) { c.heartbeat = cfg }
}

// WithConnectTimeout bounds the transport connect plus handshake.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.connectTimeout = d }
}

// WithRequestTimeout bounds each request round trip.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.requestTimeout = d }
}

// WithCircuitBreaker wraps outgoing requests with a circuit breaker.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) ClientOption {
	return func(c *Client) { c.breaker = cb }
}

// WithErrorRegistry lets the client reconstruct typed errors from response
// error codes using the contract's definitions.
func WithErrorRegistry(registry *errors.Registry) ClientOption {
	return func(c *Client) { c.registry = registry }
}

// NewClient creates a client over the given transport. The client is
// Disconnected until Connect is called.
func NewClient(transport Transport, options ...ClientOption) *Client {
	c := &Client{
		transport:      transport,
		clientID:       uuid.New().String(),
		clientType:     "client",
		logger:         slog.Default(),
		mw:             middleware.NewManager(),
		reconnect:      DefaultReconnectPolicy(),
		heartbeat:      DefaultHeartbeatConfig(),
		connectTimeout: 10 * time.Second,
		requestTimeout: 30 * time.Second,
		state:          StateDisconnected,
		subscriptions:  make(map[string]*clientSubscription),
		handlers:       newHandlerSet(),
		dispatchers:    make(map[string]EventHandler),
		stateListeners: newListenerSet[func(old, new ConnectionState)](),
		errorListeners: newListenerSet[func(error)](),
	}
	for _, opt := range options {
		opt(c)
	}
	c.transport.On(SysHeartbeat, NewEventHandlerFunc(c.onHeartbeat))
	return c
}

// ClientID returns the client identity.
func (c *Client) ClientID() string { return c.clientID }

// ConnectionID returns the server-issued connection ID, or "" when not
// registered.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a connection state listener. The returned function
// removes it.
func (c *Client) OnStateChange(fn func(old, new ConnectionState)) (remove func()) {
	return c.stateListeners.add(fn)
}

// OnError registers an error listener. The returned function removes it.
func (c *Client) OnError(fn func(error)) (remove func()) {
	return c.errorListeners.add(fn)
}

// Connect opens the transport and performs the $register handshake. On
// success the heartbeat starts and previously-held subscriptions are
// replayed. On failure the error is returned and, when the reconnect policy
// allows, a reconnect is scheduled in the background.
func (c *Client) Connect(ctx context.Context, connString string) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting, StateDisconnecting:
		state := c.state
		c.mu.Unlock()
		return errors.Newf("INVALID_STATE", errors.TypeState, "cannot connect while %s", state)
	}
	c.connString = connString
	c.mu.Unlock()

	c.setState(StateConnecting)
	if err := c.establish(ctx); err != nil {
		c.setState(StateError)
		c.notifyError(err)
		if c.reconnect.Enabled {
			c.scheduleReconnect()
		}
		return err
	}
	return nil
}

// establish connects the transport, registers, starts the heartbeat and
// replays subscriptions. Call with state Connecting or Reconnecting.
func (c *Client) establish(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	c.mu.Lock()
	connString := c.connString
	c.mu.Unlock()

	if err := c.transport.Connect(ctx, connString); err != nil {
		return errors.ErrConnectionFailed.WithCause(err)
	}

	req := RegisterRequest{
		ClientID:     c.clientID,
		ClientType:   c.clientType,
		Capabilities: c.capabilities,
		Metadata:     c.metadata,
	}
	data, err := c.doRequest(ctx, SysRegister, req, c.newContext())
	if err != nil {
		// Handshake failed: tear the transport back down so the next
		// attempt starts clean.
		_ = c.transport.Disconnect(context.Background())
		return err
	}
	var resp RegisterResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		_ = c.transport.Disconnect(context.Background())
		return errors.Wrap(err)
	}

	c.mu.Lock()
	c.connectionID = resp.ConnectionID
	c.serverID = resp.ServerID
	if c.reconnect.ResetOnSuccess {
		c.attempts = 0
	}
	c.mu.Unlock()

	c.setState(StateConnected)
	c.startHeartbeat()
	c.replaySubscriptions(ctx)

	c.logger.Info("connected",
		"clientId", c.clientID,
		"connectionId", resp.ConnectionID,
		"serverId", resp.ServerID,
	)
	return nil
}

// Disconnect cancels all timers, unregisters and tears down the transport.
func (c *Client) Disconnect(ctx context.Context) error {
	c.setState(StateDisconnecting)

	// Timers go first so nothing fires against a torn-down connection.
	c.cancelReconnect()
	c.stopHeartbeat()

	c.mu.Lock()
	connectionID := c.connectionID
	c.connectionID = ""
	c.serverID = ""
	c.attempts = 0
	c.mu.Unlock()

	if connectionID != "" && c.transport.IsConnected() {
		req := UnregisterRequest{ClientID: c.clientID, ConnectionID: connectionID}
		unregCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		if _, err := c.doRequest(unregCtx, SysUnregister, req, c.newContext()); err != nil {
			c.logger.Warn("unregister failed", "clientId", c.clientID, "error", err)
		}
		cancel()
	}

	err := c.transport.Disconnect(ctx)
	c.setState(StateDisconnected)
	return err
}

// Request sends a typed request and waits for its response payload. The
// beforeRequest chain runs on the outgoing payload and the afterResponse
// chain on the returned one. A failed request always resolves with an error;
// it never hangs past the request timeout.
func (c *Client) Request(ctx context.Context, reqType string, payload interface{}) (json.RawMessage, error) {
	if c.State() != StateConnected {
		return nil, errors.ErrNotConnected
	}

	ex := &middleware.Exchange{MessageType: reqType, Context: c.newContext(), Payload: payload}
	if err := c.mw.Execute(ctx, middleware.BeforeRequest, ex); err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	data, err := c.doRequest(rctx, reqType, ex.Payload, ex.Context)
	if err != nil {
		return nil, c.mw.ExecuteError(ctx, ex, err)
	}

	rex := &middleware.Exchange{MessageType: reqType, Context: ex.Context, Payload: data}
	if err := c.mw.Execute(ctx, middleware.AfterResponse, rex); err != nil {
		return nil, err
	}
	if raw, ok := rex.Payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(rex.Payload)
}

// doRequest performs one request round trip and unwraps the uniform response
// envelope. System handshake requests use it directly, bypassing middleware.
func (c *Client) doRequest(ctx context.Context, reqType string, payload interface{}, mc *contracts.MessageContext) (json.RawMessage, error) {
	env, err := contracts.NewEnvelope(contracts.KindRequest, reqType, payload, mc)
	if err != nil {
		return nil, errors.Wrap(err)
	}

	var respEnv *contracts.Envelope
	call := func() error {
		var callErr error
		respEnv, callErr = c.transport.Request(ctx, env)
		return callErr
	}
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.ErrRequestTimeout.WithCause(err)
		}
		return nil, errors.Wrap(err)
	}

	var resp struct {
		Success bool                  `json:"success"`
		Data    json.RawMessage       `json:"data,omitempty"`
		Error   *errors.ResponseError `json:"error,omitempty"`
	}
	if err := respEnv.Decode(&resp); err != nil {
		return nil, errors.Wrap(err)
	}
	if !resp.Success {
		return nil, c.responseError(resp.Error)
	}
	return resp.Data, nil
}

// responseError rebuilds a typed error from a response, consulting the error
// registry when the code is registered there.
func (c *Client) responseError(re *errors.ResponseError) error {
	if re == nil {
		return errors.New("EMPTY_ERROR", errors.TypeResponse, "request failed without error detail")
	}
	if c.registry != nil && c.registry.Has(re.Code) {
		return c.registry.New(re.Code, nil).WithDetails(re.Details)
	}
	return &errors.MessagingError{
		Code:     re.Code,
		Message:  re.Message,
		Type:     errors.TypeResponse,
		Severity: errors.SeverityError,
		Details:  re.Details,
	}
}

// Emit publishes a typed event through the beforeEvent chain.
func (c *Client) Emit(ctx context.Context, eventType string, payload interface{}) error {
	if c.State() != StateConnected {
		return errors.ErrNotConnected
	}
	ex := &middleware.Exchange{MessageType: eventType, Context: c.newContext(), Payload: payload}
	if err := c.mw.Execute(ctx, middleware.BeforeEvent, ex); err != nil {
		return err
	}
	env, err := contracts.NewEnvelope(contracts.KindEvent, eventType, ex.Payload, ex.Context)
	if err != nil {
		return errors.Wrap(err)
	}
	return c.transport.Emit(ctx, env)
}

// On registers a local event handler. The first handler for a type installs
// the transport subscription.
func (c *Client) On(eventType string, handler EventHandler) {
	if c.handlers.add(eventType, handler) {
		dispatcher := NewEventHandlerFunc(func(ctx context.Context, env *contracts.Envelope) {
			c.dispatchEvent(ctx, env)
		})
		c.mu.Lock()
		c.dispatchers[eventType] = dispatcher
		c.mu.Unlock()
		c.transport.On(eventType, dispatcher)
	}
}

// Off removes a handler by identity. Removing the last handler for a type
// removes the transport subscription.
func (c *Client) Off(eventType string, handler EventHandler) {
	if c.handlers.remove(eventType, handler) {
		c.mu.Lock()
		dispatcher := c.dispatchers[eventType]
		delete(c.dispatchers, eventType)
		c.mu.Unlock()
		if dispatcher != nil {
			c.transport.Off(eventType, dispatcher)
		}
	}
}

// dispatchEvent routes a delivered envelope through the event-handler
// middleware phases and into the local handler set. Envelopes targeted at a
// different client are dropped.
func (c *Client) dispatchEvent(ctx context.Context, env *contracts.Envelope) {
	if env.Context != nil && env.Context.Target != "" && env.Context.Target != c.clientID {
		return
	}

	mc := env.Context
	if mc == nil {
		mc = contracts.NewMessageContext("")
	}
	ex := &middleware.Exchange{MessageType: env.Type, Context: mc, Payload: env.Payload}
	if err := c.mw.Execute(ctx, middleware.BeforeEventHandler, ex); err != nil {
		c.notifyError(err)
		return
	}

	dispatched := env
	if raw, ok := ex.Payload.(json.RawMessage); ok {
		dup := *env
		dup.Payload = raw
		dispatched = &dup
	} else if ex.Payload != nil {
		raw, err := json.Marshal(ex.Payload)
		if err != nil {
			c.notifyError(errors.Wrap(err))
			return
		}
		dup := *env
		dup.Payload = raw
		dispatched = &dup
	}

	c.handlers.dispatch(ctx, dispatched)

	if err := c.mw.Execute(ctx, middleware.AfterEventHandler, ex); err != nil {
		c.notifyError(err)
	}
}

// Subscribe registers interest in event types with the server and records it
// locally for post-reconnect replay.
func (c *Client) Subscribe(ctx context.Context, events []string, filter map[string]interface{}) (string, error) {
	if c.State() != StateConnected {
		return "", errors.ErrNotConnected
	}
	subID, err := c.sendSubscribe(ctx, events, filter)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.subscriptions[subID] = &clientSubscription{Events: events, Filter: filter}
	c.mu.Unlock()
	return subID, nil
}

func (c *Client) sendSubscribe(ctx context.Context, events []string, filter map[string]interface{}) (string, error) {
	req := SubscribeRequest{ClientID: c.clientID, Events: events, Filter: filter}
	rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	data, err := c.doRequest(rctx, SysSubscribe, req, c.newContext())
	if err != nil {
		return "", err
	}
	var resp SubscribeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", errors.Wrap(err)
	}
	return resp.SubscriptionID, nil
}

// Unsubscribe removes a subscription on the server and locally. Unknown
// subscription IDs fail.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID string) error {
	if c.State() != StateConnected {
		return errors.ErrNotConnected
	}
	req := UnsubscribeRequest{ClientID: c.clientID, SubscriptionID: subscriptionID}
	rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	if _, err := c.doRequest(rctx, SysUnsubscribe, req, c.newContext()); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.subscriptions, subscriptionID)
	c.mu.Unlock()
	return nil
}

// replaySubscriptions re-issues $subscribe for every locally-held
// subscription. Restoration is sequential and best-effort: a failure is
// logged and does not abort the rest.
func (c *Client) replaySubscriptions(ctx context.Context) {
	c.mu.Lock()
	held := make(map[string]*clientSubscription, len(c.subscriptions))
	for id, sub := range c.subscriptions {
		held[id] = sub
	}
	c.mu.Unlock()

	for oldID, sub := range held {
		newID, err := c.sendSubscribe(ctx, sub.Events, sub.Filter)
		if err != nil {
			c.logger.Warn("subscription restore failed",
				"clientId", c.clientID,
				"subscriptionId", oldID,
				"events", sub.Events,
				"error", err,
			)
			continue
		}
		c.mu.Lock()
		delete(c.subscriptions, oldID)
		c.subscriptions[newID] = sub
		c.mu.Unlock()
	}
}

// Login authenticates through the transport and attaches the resulting token
// and actor to every subsequent message context.
func (c *Client) Login(ctx context.Context, credentials Credentials) (*AuthResult, error) {
	result, err := c.transport.Login(ctx, credentials)
	if err != nil {
		return nil, errors.Wrap(err)
	}
	c.mu.Lock()
	c.authToken = result.Token
	c.actor = result.Actor
	c.mu.Unlock()
	return result, nil
}

// Logout discards the authentication state.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.authToken = ""
	c.actor = nil
	c.mu.Unlock()
	return c.transport.Logout(ctx)
}

// newContext builds a message context carrying the client identity and any
// authentication state.
func (c *Client) newContext() *contracts.MessageContext {
	mc := contracts.NewMessageContext(c.clientID)
	c.mu.Lock()
	token, actor := c.authToken, c.actor
	c.mu.Unlock()
	if token != "" || actor != nil {
		mc.Auth = &contracts.AuthInfo{Token: token, Actor: actor}
	}
	return mc
}

// Heartbeat handling.

func (c *Client) onHeartbeat(ctx context.Context, env *contracts.Envelope) {
	var hb HeartbeatEvent
	if err := env.Decode(&hb); err != nil {
		return
	}
	if hb.ServerID == "" {
		// Peer client heartbeats on fan-out transports are not liveness
		// signals for us.
		return
	}
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.missed = 0
	c.mu.Unlock()
}

// startHeartbeat starts the emit ticker and the liveness checker, replacing
// any previous instance.
func (c *Client) startHeartbeat() {
	c.stopHeartbeat()

	stop := make(chan struct{})
	c.mu.Lock()
	c.heartbeatStop = stop
	c.lastHeartbeat = time.Now()
	c.missed = 0
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.heartbeat.Interval)
		checker := time.NewTicker(c.heartbeat.Interval / 2)
		defer ticker.Stop()
		defer checker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.emitHeartbeat()
			case <-checker.C:
				c.checkHeartbeat()
			}
		}
	}()
}

func (c *Client) stopHeartbeat() {
	c.mu.Lock()
	stop := c.heartbeatStop
	c.heartbeatStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (c *Client) emitHeartbeat() {
	if !c.transport.IsConnected() {
		return
	}
	hb := HeartbeatEvent{Timestamp: time.Now().UTC(), ClientID: c.clientID}
	env, err := contracts.NewEnvelope(contracts.KindEvent, SysHeartbeat, hb, c.newContext())
	if err != nil {
		return
	}
	if err := c.transport.Emit(context.Background(), env); err != nil {
		c.logger.Debug("heartbeat emit failed", "clientId", c.clientID, "error", err)
	}
}

// checkHeartbeat counts a miss when the last received heartbeat is older
// than the timeout, and declares the connection lost at the threshold.
func (c *Client) checkHeartbeat() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	if time.Since(c.lastHeartbeat) > c.heartbeat.Timeout {
		c.missed++
	}
	lost := c.missed >= c.heartbeat.MissedThreshold
	missed := c.missed
	c.mu.Unlock()

	if lost {
		c.logger.Warn("heartbeat lost",
			"clientId", c.clientID,
			"missed", missed,
			"threshold", c.heartbeat.MissedThreshold,
		)
		c.handleConnectionLost()
	}
}

// handleConnectionLost transitions Connected -> Error exactly once and
// schedules reconnection when enabled.
func (c *Client) handleConnectionLost() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.stopHeartbeat()
	c.setState(StateError)
	c.notifyError(errors.ErrConnectionLost)
	_ = c.transport.Disconnect(context.Background())

	if c.reconnect.Enabled {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the reconnect timer with capped exponential
// backoff, replacing any pending one. After MaxAttempts consecutive failures
// it gives up and the state becomes terminally Disconnected.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	if c.reconnect.MaxAttempts > 0 && attempt > c.reconnect.MaxAttempts {
		c.mu.Unlock()
		c.logger.Error("reconnect attempts exhausted",
			"clientId", c.clientID,
			"attempts", attempt-1,
		)
		c.setState(StateDisconnected)
		c.notifyError(errors.Newf("RECONNECT_EXHAUSTED", errors.TypeConnection,
			"gave up after %d reconnect attempts", attempt-1))
		return
	}
	delay := c.reconnect.backoff().NextDelay(attempt)
	c.mu.Unlock()

	// The state must be Reconnecting before the timer can fire.
	c.setState(StateReconnecting)

	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, c.attemptReconnect)
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled",
		"clientId", c.clientID,
		"attempt", attempt,
		"delay", delay,
	)
}

func (c *Client) cancelReconnect() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()
}

func (c *Client) attemptReconnect() {
	if c.State() != StateReconnecting {
		// Disconnect (or a manual connect) canceled the reconnect cycle.
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	defer cancel()
	if err := c.establish(ctx); err != nil {
		c.logger.Warn("reconnect attempt failed", "clientId", c.clientID, "error", err)
		c.notifyError(err)
		c.scheduleReconnect()
	}
}

// setState transitions the state machine and notifies listeners outside the
// lock.
func (c *Client) setState(next ConnectionState) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()

	c.logger.Debug("connection state changed",
		"clientId", c.clientID,
		"from", prev.String(),
		"to", next.String(),
	)
	for _, fn := range c.stateListeners.snapshot() {
		fn(prev, next)
	}
}

func (c *Client) notifyError(err error) {
	for _, fn := range c.errorListeners.snapshot() {
		fn(err)
	}
}
