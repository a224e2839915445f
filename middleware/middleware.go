// Package middleware implements the prioritized interceptor pipeline that
// wraps every request, response and event. One ordered chain exists per
// phase; execution is a strict chain-of-responsibility with deterministic
// ordering for a fixed priority assignment.
package middleware

import (
	"context"

	"github.com/meshrpc/meshrpc-go/contracts"
)

// Phase names a pipeline interception point.
type Phase string

const (
	BeforeRequest      Phase = "beforeRequest"
	AfterRequest       Phase = "afterRequest"
	BeforeResponse     Phase = "beforeResponse"
	AfterResponse      Phase = "afterResponse"
	BeforeEvent        Phase = "beforeEvent"
	BeforeEventHandler Phase = "beforeEventHandler"
	AfterEventHandler  Phase = "afterEventHandler"
	OnError            Phase = "onError"
)

// DefaultPriority is assigned to middleware that does not set one. Lower
// priorities run first.
const DefaultPriority = 50

// Exchange is the mutable unit of work passed through a chain. Hooks may
// replace Payload, or swap Context for an augmented copy (never mutate a
// shared context in place). Error is set only for the OnError phase, where a
// hook may transform it.
type Exchange struct {
	MessageType string
	Context     *contracts.MessageContext
	Payload     interface{}
	Error       error
}

// Hook processes an exchange in one phase. Returning an error stops the
// chain.
type Hook func(ctx context.Context, ex *Exchange) error

// Middleware bundles hooks for any subset of phases under one name and
// priority. Construct with New; hooks are attached through options.
type Middleware struct {
	name     string
	priority int
	hooks    map[Phase]Hook
}

// Option configures a Middleware.
type Option func(*Middleware)

// WithPriority sets the middleware priority. Lower runs first.
func WithPriority(priority int) Option {
	return func(m *Middleware) { m.priority = priority }
}

// WithHook attaches a hook for an arbitrary phase.
func WithHook(phase Phase, hook Hook) Option {
	return func(m *Middleware) { m.hooks[phase] = hook }
}

// WithBeforeRequest attaches a beforeRequest hook.
func WithBeforeRequest(hook Hook) Option { return WithHook(BeforeRequest, hook) }

// WithAfterRequest attaches an afterRequest hook.
func WithAfterRequest(hook Hook) Option { return WithHook(AfterRequest, hook) }

// WithBeforeResponse attaches a beforeResponse hook.
func WithBeforeResponse(hook Hook) Option { return WithHook(BeforeResponse, hook) }

// WithAfterResponse attaches an afterResponse hook.
func WithAfterResponse(hook Hook) Option { return WithHook(AfterResponse, hook) }

// WithBeforeEvent attaches a beforeEvent hook, run before an event is emitted.
func WithBeforeEvent(hook Hook) Option { return WithHook(BeforeEvent, hook) }

// WithBeforeEventHandler attaches a hook run before a received event reaches
// its handlers.
func WithBeforeEventHandler(hook Hook) Option { return WithHook(BeforeEventHandler, hook) }

// WithAfterEventHandler attaches a hook run after event handlers complete.
func WithAfterEventHandler(hook Hook) Option { return WithHook(AfterEventHandler, hook) }

// WithOnError attaches an onError hook. Errors returned by OnError hooks
// replace the exchange error; panics are contained by the manager.
func WithOnError(hook Hook) Option { return WithHook(OnError, hook) }

// New creates a middleware with the given name and DefaultPriority unless
// overridden.
func New(name string, options ...Option) *Middleware {
	m := &Middleware{
		name:     name,
		priority: DefaultPriority,
		hooks:    make(map[Phase]Hook),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Name returns the middleware name.
func (m *Middleware) Name() string { return m.name }

// Priority returns the middleware priority.
func (m *Middleware) Priority() int { return m.priority }

func (m *Middleware) hook(phase Phase) (Hook, bool) {
	h, ok := m.hooks[phase]
	return h, ok
}
