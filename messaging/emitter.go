package messaging

import (
	"context"
	"sync"

	"github.com/meshrpc/meshrpc-go/contracts"
)

// handlerSet is an event-handler registry keyed by handler identity with
// deterministic add/remove. Dispatch iterates a snapshot so handlers may
// add or remove handlers without corrupting the iteration.
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[string][]EventHandler)}
}

// add registers a handler and reports whether it is the first for the type.
func (s *handlerSet) add(eventType string, handler EventHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.handlers[eventType]
	for _, h := range existing {
		if h == handler {
			return false
		}
	}
	s.handlers[eventType] = append(existing, handler)
	return len(existing) == 0
}

// remove unregisters a handler by identity and reports whether it was the
// last for the type.
func (s *handlerSet) remove(eventType string, handler EventHandler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.handlers[eventType]
	for i, h := range existing {
		if h == handler {
			s.handlers[eventType] = append(existing[:i:i], existing[i+1:]...)
			if len(s.handlers[eventType]) == 0 {
				delete(s.handlers, eventType)
				return true
			}
			return false
		}
	}
	return false
}

// snapshot returns the current handlers for a type.
func (s *handlerSet) snapshot(eventType string) []EventHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing := s.handlers[eventType]
	out := make([]EventHandler, len(existing))
	copy(out, existing)
	return out
}

// dispatch invokes all handlers for the envelope's type against a snapshot.
func (s *handlerSet) dispatch(ctx context.Context, env *contracts.Envelope) {
	for _, h := range s.snapshot(env.Type) {
		h.HandleEvent(ctx, env)
	}
}

// listenerSet holds connection status and error listeners. Registration
// returns a removal token; notification iterates a snapshot.
type listenerSet[T any] struct {
	mu        sync.Mutex
	nextToken int
	listeners map[int]T
}

func newListenerSet[T any]() *listenerSet[T] {
	return &listenerSet[T]{listeners: make(map[int]T)}
}

func (l *listenerSet[T]) add(listener T) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	token := l.nextToken
	l.nextToken++
	l.listeners[token] = listener
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.listeners, token)
	}
}

func (l *listenerSet[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]T, 0, len(l.listeners))
	for _, listener := range l.listeners {
		out = append(out, listener)
	}
	return out
}
