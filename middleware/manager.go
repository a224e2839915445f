package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Manager keeps middleware sorted ascending by priority (stable for equal
// priorities, preserving insertion order) and executes the chain for a phase.
type Manager struct {
	mu         sync.RWMutex
	middleware []*Middleware
	logger     *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates an empty middleware manager.
func NewManager(options ...ManagerOption) *Manager {
	m := &Manager{logger: slog.Default()}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Add inserts middleware and re-sorts the chain. Returns the manager for
// chaining.
func (m *Manager) Add(mw *Middleware) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.middleware = append(m.middleware, mw)
	sort.SliceStable(m.middleware, func(i, j int) bool {
		return m.middleware[i].priority < m.middleware[j].priority
	})
	return m
}

// Remove deletes all middleware with the given name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.middleware[:0]
	for _, mw := range m.middleware {
		if mw.name != name {
			kept = append(kept, mw)
		}
	}
	m.middleware = kept
}

// snapshot returns the current chain; iteration never observes concurrent
// Add/Remove.
func (m *Manager) snapshot() []*Middleware {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := make([]*Middleware, len(m.middleware))
	copy(chain, m.middleware)
	return chain
}

// Execute runs the chain for a phase over the exchange. Hooks run strictly in
// priority order; the first hook error (or panic, converted to an error)
// stops the chain, the OnError chain observes it, and the possibly
// transformed error is returned. OnError must not be passed here; use
// ExecuteError.
func (m *Manager) Execute(ctx context.Context, phase Phase, ex *Exchange) error {
	for _, mw := range m.snapshot() {
		hook, ok := mw.hook(phase)
		if !ok {
			continue
		}
		if err := m.runHook(ctx, hook, ex); err != nil {
			m.logger.Debug("middleware chain aborted",
				"phase", string(phase),
				"middleware", mw.name,
				"messageType", ex.MessageType,
				"error", err,
			)
			return m.ExecuteError(ctx, ex, err)
		}
	}
	return nil
}

// ExecuteError runs the OnError chain. Hooks may transform the error by
// assigning ex.Error; a hook that itself fails or panics is logged and
// skipped, never aborting processing of the original error. The final
// (possibly transformed) error is returned and is never nil.
func (m *Manager) ExecuteError(ctx context.Context, ex *Exchange, err error) error {
	ex.Error = err
	for _, mw := range m.snapshot() {
		hook, ok := mw.hook(OnError)
		if !ok {
			continue
		}
		if hookErr := m.runHook(ctx, hook, ex); hookErr != nil {
			m.logger.Error("error middleware failed",
				"middleware", mw.name,
				"messageType", ex.MessageType,
				"error", hookErr,
			)
		}
	}
	if ex.Error == nil {
		// An error chain cannot swallow the failure entirely.
		ex.Error = err
	}
	return ex.Error
}

func (m *Manager) runHook(ctx context.Context, hook Hook, ex *Exchange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("middleware panic: %v", r)
		}
	}()
	return hook(ctx, ex)
}

// Len returns the number of registered middleware.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.middleware)
}
