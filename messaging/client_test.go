package messaging

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrpc/meshrpc-go/contracts"
	"github.com/meshrpc/meshrpc-go/errors"
	"github.com/meshrpc/meshrpc-go/middleware"
)

func newTestClient(t *testing.T, transport Transport, options ...ClientOption) *Client {
	t.Helper()
	opts := append([]ClientOption{
		WithClientID("client-1"),
		WithHeartbeatConfig(HeartbeatConfig{Interval: time.Hour, Timeout: time.Hour, MissedThreshold: 3}),
		WithReconnectPolicy(ReconnectPolicy{Enabled: false}),
	}, options...)
	return NewClient(transport, opts...)
}

func connectTestClient(t *testing.T, transport Transport, options ...ClientOption) *Client {
	t.Helper()
	c := newTestClient(t, transport, options...)
	require.NoError(t, c.Connect(context.Background(), "fake://test"))
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

func TestClientConnectHandshake(t *testing.T) {
	ft := newFakeTransport()
	c := connectTestClient(t, ft)

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, "conn-1", c.ConnectionID())

	regs := ft.requestsOfType(SysRegister)
	require.Len(t, regs, 1)
	var req RegisterRequest
	require.NoError(t, regs[0].Decode(&req))
	assert.Equal(t, "client-1", req.ClientID)
}

func TestClientConnectWhileConnectedFails(t *testing.T) {
	ft := newFakeTransport()
	c := connectTestClient(t, ft)

	err := c.Connect(context.Background(), "fake://test")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeState))
}

func TestClientConnectFailureSetsErrorState(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = stderrors.New("refused")

	c := newTestClient(t, ft)
	var seen []error
	c.OnError(func(err error) { seen = append(seen, err) })

	err := c.Connect(context.Background(), "fake://test")
	require.Error(t, err)
	assert.Equal(t, StateError, c.State())
	require.Len(t, seen, 1)
	assert.True(t, errors.IsType(seen[0], errors.TypeConnection))
}

func TestClientHandshakeFailureTearsDownTransport(t *testing.T) {
	ft := newFakeTransport()
	ft.respond(SysRegister, func(env *contracts.Envelope) (interface{}, error) {
		return nil, stderrors.New("handshake rejected")
	})

	c := newTestClient(t, ft)
	require.Error(t, c.Connect(context.Background(), "fake://test"))
	assert.False(t, ft.IsConnected())
	assert.Equal(t, StateError, c.State())
}

func TestClientStateChangeListeners(t *testing.T) {
	ft := newFakeTransport()
	c := newTestClient(t, ft)

	var transitions []ConnectionState
	var mu sync.Mutex
	remove := c.OnStateChange(func(old, new ConnectionState) {
		mu.Lock()
		transitions = append(transitions, new)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background(), "fake://test"))
	remove()
	require.NoError(t, c.Disconnect(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, transitions)
}

func TestClientDisconnectUnregisters(t *testing.T) {
	ft := newFakeTransport()
	c := connectTestClient(t, ft)

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, c.State())

	unregs := ft.requestsOfType(SysUnregister)
	require.Len(t, unregs, 1)
	var req UnregisterRequest
	require.NoError(t, unregs[0].Decode(&req))
	assert.Equal(t, "conn-1", req.ConnectionID)
	assert.Empty(t, c.ConnectionID())
}

func TestClientRequest(t *testing.T) {
	ft := newFakeTransport()
	ft.respond("doc:share", func(env *contracts.Envelope) (interface{}, error) {
		var in map[string]string
		if err := env.Decode(&in); err != nil {
			return nil, err
		}
		return Response{Success: true, Data: map[string]interface{}{"docId": in["docId"], "shared": true}}, nil
	})
	c := connectTestClient(t, ft)

	data, err := c.Request(context.Background(), "doc:share", map[string]string{"docId": "d1"})
	require.NoError(t, err)

	var out struct {
		DocID  string `json:"docId"`
		Shared bool   `json:"shared"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "d1", out.DocID)
	assert.True(t, out.Shared)
}

func TestClientRequestWhenDisconnected(t *testing.T) {
	c := newTestClient(t, newFakeTransport())
	_, err := c.Request(context.Background(), "doc:share", nil)
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	assert.ErrorIs(t, c.Emit(context.Background(), "doc:changed", nil), errors.ErrNotConnected)

	_, err = c.Subscribe(context.Background(), []string{"doc:updated"}, nil)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestClientRequestFailureResponse(t *testing.T) {
	ft := newFakeTransport()
	ft.respond("doc:share", func(env *contracts.Envelope) (interface{}, error) {
		return Response{Success: false, Error: &errors.ResponseError{Code: "DOC_LOCKED", Message: "locked"}}, nil
	})
	registry := errors.NewRegistry([]contracts.ErrorDefinition{
		{Code: "DOC_LOCKED", Message: "Document is locked", Type: "business", Retryable: true},
	})
	c := connectTestClient(t, ft, WithErrorRegistry(registry))

	_, err := c.Request(context.Background(), "doc:share", nil)
	require.Error(t, err)

	var merr *errors.MessagingError
	require.True(t, stderrors.As(err, &merr))
	assert.Equal(t, "DOC_LOCKED", merr.Code)
	// The registry definition restores retryability lost on the wire.
	assert.True(t, merr.Retryable)
}

func TestClientRequestMiddleware(t *testing.T) {
	ft := newFakeTransport()
	ft.respond("doc:share", func(env *contracts.Envelope) (interface{}, error) {
		var in map[string]string
		if err := env.Decode(&in); err != nil {
			return nil, err
		}
		return Response{Success: true, Data: in}, nil
	})

	mw := middleware.NewManager()
	mw.Add(middleware.New("stamp",
		middleware.WithBeforeRequest(func(ctx context.Context, ex *middleware.Exchange) error {
			payload := ex.Payload.(map[string]string)
			payload["stamped"] = "yes"
			return nil
		}),
	))
	c := connectTestClient(t, ft, WithClientMiddleware(mw))

	data, err := c.Request(context.Background(), "doc:share", map[string]string{"docId": "d1"})
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "yes", out["stamped"])
}

func TestClientRequestMiddlewareRejection(t *testing.T) {
	ft := newFakeTransport()
	mw := middleware.NewManager()
	rejection := stderrors.New("request vetoed")
	mw.Add(middleware.New("veto",
		middleware.WithBeforeRequest(func(ctx context.Context, ex *middleware.Exchange) error {
			return rejection
		}),
	))
	c := connectTestClient(t, ft, WithClientMiddleware(mw))

	_, err := c.Request(context.Background(), "doc:share", nil)
	assert.Equal(t, rejection, err)
	assert.Empty(t, ft.requestsOfType("doc:share"))
}

func TestClientEventDispatch(t *testing.T) {
	ft := newFakeTransport()
	c := connectTestClient(t, ft)

	var got []string
	var mu sync.Mutex
	handler := NewEventHandlerFunc(func(ctx context.Context, env *contracts.Envelope) {
		var payload map[string]string
		_ = env.Decode(&payload)
		mu.Lock()
		got = append(got, payload["docId"])
		mu.Unlock()
	})
	c.On("doc:updated", handler)
	require.Equal(t, 1, ft.handlerCount("doc:updated"))

	env, err := contracts.NewEnvelope(contracts.KindEvent, "doc:updated", map[string]string{"docId": "d1"}, nil)
	require.NoError(t, err)
	ft.deliver(env)

	mu.Lock()
	assert.Equal(t, []string{"d1"}, got)
	mu.Unlock()

	c.Off("doc:updated", handler)
	assert.Equal(t, 0, ft.handlerCount("doc:updated"))
}

func TestClientDropsEventsTargetedElsewhere(t *testing.T) {
	ft := newFakeTransport()
	c := connectTestClient(t, ft)

	var delivered int
	var mu sync.Mutex
	c.On("doc:updated", NewEventHandlerFunc(func(ctx context.Context, env *contracts.Envelope) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}))

	mine := contracts.NewMessageContext("srv-1").WithTarget("client-1")
	other := contracts.NewMessageContext("srv-1").WithTarget("client-2")

	for _, mc := range []*contracts.MessageContext{mine, other, nil} {
		env, err := contracts.NewEnvelope(contracts.KindEvent, "doc:updated", map[string]string{}, mc)
		require.NoError(t, err)
		ft.deliver(env)
	}

	mu.Lock()
	defer mu.Unlock()
	// Targeted-at-us and untargeted arrive; targeted-elsewhere is dropped.
	assert.Equal(t, 2, delivered)
}

func TestClientSubscribeAndReplay(t *testing.T) {
	ft := newFakeTransport()
	c := connectTestClient(t, ft)

	subID, err := c.Subscribe(context.Background(), []string{"doc:updated"}, map[string]interface{}{"docId": "d1"})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", subID)

	// A re-established session replays the held subscription under a new ID.
	c.setState(StateReconnecting)
	require.NoError(t, c.establish(context.Background()))

	subs := ft.requestsOfType(SysSubscribe)
	require.Len(t, subs, 2)
	var replayed SubscribeRequest
	require.NoError(t, subs[1].Decode(&replayed))
	assert.Equal(t, []string{"doc:updated"}, replayed.Events)
	assert.Equal(t, "d1", replayed.Filter["docId"])

	c.mu.Lock()
	_, oldHeld := c.subscriptions["sub-1"]
	_, newHeld := c.subscriptions["sub-2"]
	c.mu.Unlock()
	assert.False(t, oldHeld)
	assert.True(t, newHeld)
}

func TestClientUnsubscribe(t *testing.T) {
	ft := newFakeTransport()
	c := connectTestClient(t, ft)

	subID, err := c.Subscribe(context.Background(), []string{"doc:updated"}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Unsubscribe(context.Background(), subID))

	c.mu.Lock()
	held := len(c.subscriptions)
	c.mu.Unlock()
	assert.Zero(t, held)
}

func TestClientLoginAttachesAuthToContexts(t *testing.T) {
	ft := newFakeTransport()
	actor := &contracts.Actor{ID: "u1", Roles: []string{"editor"}}
	ft.loginResult = &AuthResult{Token: "tok-1", Actor: actor}
	c := connectTestClient(t, ft)

	result, err := c.Login(context.Background(), Credentials{"user": "u1"})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", result.Token)

	mc := c.newContext()
	require.NotNil(t, mc.Auth)
	assert.Equal(t, "tok-1", mc.Auth.Token)
	assert.Equal(t, actor, mc.Auth.Actor)

	require.NoError(t, c.Logout(context.Background()))
	assert.Nil(t, c.newContext().Auth)
}

func TestClientHeartbeatLossTransitionsOnce(t *testing.T) {
	ft := newFakeTransport()
	c := connectTestClient(t, ft, WithHeartbeatConfig(HeartbeatConfig{
		Interval:        time.Hour,
		Timeout:         time.Millisecond,
		MissedThreshold: 3,
	}))

	var transitions []ConnectionState
	var mu sync.Mutex
	c.OnStateChange(func(old, new ConnectionState) {
		mu.Lock()
		transitions = append(transitions, new)
		mu.Unlock()
	})

	c.mu.Lock()
	c.lastHeartbeat = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	// Two stale checks stay below the threshold.
	c.checkHeartbeat()
	c.checkHeartbeat()
	assert.Equal(t, StateConnected, c.State())

	c.checkHeartbeat()
	assert.Equal(t, StateError, c.State())

	// Further checks are no-ops once the state left Connected.
	c.checkHeartbeat()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnectionState{StateError}, transitions)
}

func TestClientHeartbeatReceiptResetsMisses(t *testing.T) {
	ft := newFakeTransport()
	c := connectTestClient(t, ft, WithHeartbeatConfig(HeartbeatConfig{
		Interval:        time.Hour,
		Timeout:         time.Millisecond,
		MissedThreshold: 2,
	}))

	c.mu.Lock()
	c.lastHeartbeat = time.Now().Add(-time.Minute)
	c.mu.Unlock()
	c.checkHeartbeat()

	hb, err := contracts.NewEnvelope(contracts.KindEvent, SysHeartbeat, HeartbeatEvent{ServerID: "srv-1", Timestamp: time.Now()}, nil)
	require.NoError(t, err)
	ft.deliver(hb)

	c.mu.Lock()
	missed := c.missed
	c.mu.Unlock()
	assert.Zero(t, missed)
	assert.Equal(t, StateConnected, c.State())
}

func TestClientIgnoresPeerClientHeartbeats(t *testing.T) {
	ft := newFakeTransport()
	c := connectTestClient(t, ft, WithHeartbeatConfig(HeartbeatConfig{
		Interval:        time.Hour,
		Timeout:         time.Millisecond,
		MissedThreshold: 2,
	}))

	c.mu.Lock()
	c.lastHeartbeat = time.Now().Add(-time.Minute)
	c.mu.Unlock()
	c.checkHeartbeat()

	hb, err := contracts.NewEnvelope(contracts.KindEvent, SysHeartbeat, HeartbeatEvent{ClientID: "client-2", Timestamp: time.Now()}, nil)
	require.NoError(t, err)
	ft.deliver(hb)

	c.mu.Lock()
	missed := c.missed
	c.mu.Unlock()
	assert.Equal(t, 1, missed)
}

func TestClientReconnectAfterConnectionLoss(t *testing.T) {
	ft := newFakeTransport()
	c := connectTestClient(t, ft, WithReconnectPolicy(ReconnectPolicy{
		Enabled:        true,
		InitialDelay:   5 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		BackoffFactor:  2,
		MaxAttempts:    5,
		ResetOnSuccess: true,
	}))

	c.handleConnectionLost()
	assert.Contains(t, []ConnectionState{StateError, StateReconnecting}, c.State())

	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, time.Second, 5*time.Millisecond)

	// The handshake ran again.
	assert.GreaterOrEqual(t, len(ft.requestsOfType(SysRegister)), 2)
}

func TestClientReconnectExhaustion(t *testing.T) {
	ft := newFakeTransport()
	c := connectTestClient(t, ft, WithReconnectPolicy(ReconnectPolicy{
		Enabled:       true,
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BackoffFactor: 2,
		MaxAttempts:   2,
	}))

	var exhausted bool
	var mu sync.Mutex
	c.OnError(func(err error) {
		var merr *errors.MessagingError
		if stderrors.As(err, &merr) && merr.Code == "RECONNECT_EXHAUSTED" {
			mu.Lock()
			exhausted = true
			mu.Unlock()
		}
	})

	// Every reconnect attempt fails from here on.
	ft.mu.Lock()
	ft.connectErr = stderrors.New("still down")
	ft.connected = false
	ft.mu.Unlock()

	c.handleConnectionLost()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return exhausted && c.State() == StateDisconnected
	}, time.Second, 5*time.Millisecond)
}
