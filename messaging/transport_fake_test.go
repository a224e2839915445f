package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshrpc/meshrpc-go/contracts"
)

// fakeTransport is an in-test Transport with scriptable behavior. The zero
// value answers $register, $subscribe, $unregister and $unsubscribe with
// plausible successes; tests override per message type through respond.
type fakeTransport struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	connects    int
	events      map[string][]EventHandler
	requests    map[string]RequestHandler
	emitted     []*contracts.Envelope
	requested   []*contracts.Envelope
	responders  map[string]func(env *contracts.Envelope) (interface{}, error)
	loginResult *AuthResult
	subSeq      int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:     make(map[string][]EventHandler),
		requests:   make(map[string]RequestHandler),
		responders: make(map[string]func(env *contracts.Envelope) (interface{}, error)),
	}
}

// respond scripts the reply payload for one request type.
func (f *fakeTransport) respond(reqType string, fn func(env *contracts.Envelope) (interface{}, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responders[reqType] = fn
}

func (f *fakeTransport) Connect(ctx context.Context, connString string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Emit(ctx context.Context, env *contracts.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return fmt.Errorf("transport not connected")
	}
	f.emitted = append(f.emitted, env)
	return nil
}

func (f *fakeTransport) On(eventType string, handler EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[eventType] = append(f.events[eventType], handler)
}

func (f *fakeTransport) Off(eventType string, handler EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	handlers := f.events[eventType]
	for i, h := range handlers {
		if h == handler {
			f.events[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// deliver hands an envelope to the handlers subscribed for its type, the way
// a real transport would on receipt.
func (f *fakeTransport) deliver(env *contracts.Envelope) {
	f.mu.Lock()
	handlers := make([]EventHandler, len(f.events[env.Type]))
	copy(handlers, f.events[env.Type])
	f.mu.Unlock()
	for _, h := range handlers {
		h.HandleEvent(context.Background(), env)
	}
}

func (f *fakeTransport) handlerCount(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events[eventType])
}

func (f *fakeTransport) emittedOfType(eventType string) []*contracts.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*contracts.Envelope
	for _, env := range f.emitted {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) requestsOfType(reqType string) []*contracts.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*contracts.Envelope
	for _, env := range f.requested {
		if env.Type == reqType {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) Request(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
	f.mu.Lock()
	f.requested = append(f.requested, env)
	responder := f.responders[env.Type]
	f.mu.Unlock()

	if responder == nil {
		responder = f.defaultResponder(env.Type)
	}
	if responder == nil {
		return nil, fmt.Errorf("no responder for %q", env.Type)
	}
	result, err := responder(env)
	if err != nil {
		return nil, err
	}
	return env.Reply(result, nil)
}

func (f *fakeTransport) defaultResponder(reqType string) func(env *contracts.Envelope) (interface{}, error) {
	switch reqType {
	case SysRegister:
		return func(env *contracts.Envelope) (interface{}, error) {
			return Response{Success: true, Data: RegisterResponse{
				Success:      true,
				ConnectionID: "conn-1",
				ServerID:     "srv-1",
			}}, nil
		}
	case SysSubscribe:
		return func(env *contracts.Envelope) (interface{}, error) {
			f.mu.Lock()
			f.subSeq++
			id := fmt.Sprintf("sub-%d", f.subSeq)
			f.mu.Unlock()
			return Response{Success: true, Data: SubscribeResponse{Success: true, SubscriptionID: id}}, nil
		}
	case SysUnregister, SysUnsubscribe:
		return func(env *contracts.Envelope) (interface{}, error) {
			return Response{Success: true}, nil
		}
	}
	return nil
}

func (f *fakeTransport) HandleRequest(reqType string, handler RequestHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[reqType] = handler
}

// request invokes a registered request handler the way a peer would.
func (f *fakeTransport) request(reqType string, env *contracts.Envelope) (interface{}, error) {
	f.mu.Lock()
	handler := f.requests[reqType]
	f.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("no handler for %q", reqType)
	}
	return handler(context.Background(), env)
}

func (f *fakeTransport) Login(ctx context.Context, credentials Credentials) (*AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginResult == nil {
		return nil, fmt.Errorf("login rejected")
	}
	return f.loginResult, nil
}

func (f *fakeTransport) Logout(ctx context.Context) error { return nil }

var _ Transport = (*fakeTransport)(nil)
