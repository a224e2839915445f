// Package amqp provides a RabbitMQ transport. Events travel through a topic
// exchange with the event type as routing key; requests travel through
// per-type RPC queues answered over RabbitMQ direct reply-to.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/meshrpc/meshrpc-go/contracts"
	"github.com/meshrpc/meshrpc-go/messaging"
)

const (
	defaultExchange = "meshrpc.events"
	replyToQueue    = "amq.rabbitmq.reply-to"
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

// Transport implements messaging.Transport over RabbitMQ. The same type
// serves both endpoints: a server installs request handlers and an
// authenticator, a client issues requests and logins.
type Transport struct {
	logger        *slog.Logger
	exchange      string
	authenticator Authenticator
	prefetch      int

	mu        sync.RWMutex
	connected bool
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	consumeCh *amqp.Channel
	eventQ    string
	events    map[string][]messaging.EventHandler
	requests  map[string]messaging.RequestHandler
	consumers map[string]struct{}
	pending   map[string]chan *contracts.Envelope

	pubMu sync.Mutex
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) { t.logger = logger }
}

// WithExchange overrides the event exchange name.
func WithExchange(name string) TransportOption {
	return func(t *Transport) { t.exchange = name }
}

// WithAuthenticator installs the login authenticator. Setting one makes
// this endpoint answer $login requests from peers.
func WithAuthenticator(fn Authenticator) TransportOption {
	return func(t *Transport) { t.authenticator = fn }
}

// WithPrefetch sets the consumer prefetch count.
func WithPrefetch(n int) TransportOption {
	return func(t *Transport) { t.prefetch = n }
}

// NewTransport creates a disconnected transport.
func NewTransport(options ...TransportOption) *Transport {
	t := &Transport{
		logger:    slog.Default(),
		exchange:  defaultExchange,
		prefetch:  32,
		events:    make(map[string][]messaging.EventHandler),
		requests:  make(map[string]messaging.RequestHandler),
		consumers: make(map[string]struct{}),
		pending:   make(map[string]chan *contracts.Envelope),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

func rpcQueue(requestType string) string {
	return "meshrpc.rpc." + requestType
}

// Connect dials the amqp:// URL, declares the event exchange and starts the
// consumers for every handler registered so far.
func (t *Transport) Connect(ctx context.Context, connString string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return fmt.Errorf("already connected")
	}

	conn, err := amqp.DialConfig(connString, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	consumeCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := consumeCh.Qos(t.prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	if err := pubCh.ExchangeDeclare(t.exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", t.exchange, err)
	}

	// Exclusive event queue, auto-deleted with the connection.
	q, err := consumeCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("declare event queue: %w", err)
	}
	eventDeliveries, err := consumeCh.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("consume event queue: %w", err)
	}

	// Direct reply-to consumer must live on the channel that publishes
	// the requests.
	replies, err := pubCh.Consume(replyToQueue, "", true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("consume reply queue: %w", err)
	}

	t.conn = conn
	t.pubCh = pubCh
	t.consumeCh = consumeCh
	t.eventQ = q.Name
	t.connected = true

	for eventType := range t.events {
		if err := consumeCh.QueueBind(q.Name, eventType, t.exchange, false, nil); err != nil {
			t.logger.Warn("event binding failed", "eventType", eventType, "error", err)
		}
	}
	for reqType, handler := range t.requests {
		if err := t.startRequestConsumer(reqType, handler); err != nil {
			t.logger.Warn("request consumer failed", "requestType", reqType, "error", err)
		}
	}
	if t.authenticator != nil {
		if err := t.startRequestConsumer(messaging.SysLogin, t.loginHandler); err != nil {
			t.logger.Warn("login consumer failed", "error", err)
		}
	}

	go t.eventPump(eventDeliveries)
	go t.replyPump(replies)
	go t.watchClose(conn)
	return nil
}

// Disconnect closes the connection and fails outstanding requests.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	conn := t.conn
	t.conn = nil
	t.pubCh = nil
	t.consumeCh = nil
	t.consumers = make(map[string]struct{})
	t.failPendingLocked()
	t.mu.Unlock()

	return conn.Close()
}

// IsConnected implements messaging.Transport.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *Transport) watchClose(conn *amqp.Connection) {
	err := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	t.mu.Lock()
	if t.conn == conn {
		t.connected = false
		t.conn = nil
		t.pubCh = nil
		t.consumeCh = nil
		t.consumers = make(map[string]struct{})
		t.failPendingLocked()
	}
	t.mu.Unlock()
	if err != nil {
		t.logger.Warn("amqp connection lost", "error", err)
	}
}

func (t *Transport) failPendingLocked() {
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

func (t *Transport) eventPump(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		var env contracts.Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			t.logger.Warn("discarding malformed event", "error", err)
			continue
		}
		t.mu.RLock()
		handlers := make([]messaging.EventHandler, len(t.events[env.Type]))
		copy(handlers, t.events[env.Type])
		t.mu.RUnlock()
		for _, h := range handlers {
			h.HandleEvent(context.Background(), &env)
		}
	}
}

func (t *Transport) replyPump(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		var env contracts.Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			t.logger.Warn("discarding malformed response", "error", err)
			continue
		}
		t.mu.Lock()
		ch := t.pending[d.CorrelationId]
		delete(t.pending, d.CorrelationId)
		t.mu.Unlock()
		if ch != nil {
			ch <- &env
		}
	}
}

func (t *Transport) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	t.mu.RLock()
	ch := t.pubCh
	t.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("transport not connected")
	}
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	return ch.PublishWithContext(ctx, exchange, key, false, false, msg)
}

// Emit publishes the event to the topic exchange keyed by event type.
func (t *Transport) Emit(ctx context.Context, env *contracts.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return t.publish(ctx, t.exchange, env.Type, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   env.ID,
		Timestamp:   time.Now(),
		Body:        body,
	})
}

// On implements messaging.Transport. The first handler for a type binds the
// event queue to that routing key.
func (t *Transport) On(eventType string, handler messaging.EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	first := len(t.events[eventType]) == 0
	t.events[eventType] = append(t.events[eventType], handler)
	if first && t.consumeCh != nil {
		if err := t.consumeCh.QueueBind(t.eventQ, eventType, t.exchange, false, nil); err != nil {
			t.logger.Warn("event binding failed", "eventType", eventType, "error", err)
		}
	}
}

// Off implements messaging.Transport. Removing the last handler unbinds the
// routing key.
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
		if t.consumeCh != nil {
			if err := t.consumeCh.QueueUnbind(t.eventQ, eventType, t.exchange, nil); err != nil {
				t.logger.Warn("event unbinding failed", "eventType", eventType, "error", err)
			}
		}
	}
}

// Request publishes to the RPC queue for the envelope type and waits for the
// correlated direct reply-to response.
func (t *Transport) Request(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	ch := make(chan *contracts.Envelope, 1)
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport not connected")
	}
	t.pending[env.ID] = ch
	t.mu.Unlock()

	err = t.publish(ctx, "", rpcQueue(env.Type), amqp.Publishing{
		ContentType:   "application/json",
		MessageId:     env.ID,
		CorrelationId: env.ID,
		ReplyTo:       replyToQueue,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
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

// HandleRequest implements messaging.Transport. A consumer on the type's RPC
// queue starts immediately when connected, otherwise at Connect.
func (t *Transport) HandleRequest(reqType string, handler messaging.RequestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests[reqType] = handler
	if t.connected {
		if err := t.startRequestConsumer(reqType, handler); err != nil {
			t.logger.Warn("request consumer failed", "requestType", reqType, "error", err)
		}
	}
}

// startRequestConsumer runs with t.mu held.
func (t *Transport) startRequestConsumer(reqType string, handler messaging.RequestHandler) error {
	if _, running := t.consumers[reqType]; running {
		return nil
	}
	queue := rpcQueue(reqType)
	if _, err := t.consumeCh.QueueDeclare(queue, false, true, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	deliveries, err := t.consumeCh.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", queue, err)
	}
	t.consumers[reqType] = struct{}{}

	go func() {
		for d := range deliveries {
			t.serveRequest(&d, handler)
		}
	}()
	return nil
}

func (t *Transport) serveRequest(d *amqp.Delivery, handler messaging.RequestHandler) {
	var env contracts.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		t.logger.Warn("discarding malformed request", "error", err)
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
	err = t.publish(context.Background(), "", d.ReplyTo, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		t.logger.Debug("response publish failed", "requestType", env.Type, "error", err)
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
