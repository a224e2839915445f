package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordHook(order *[]string, name string) Hook {
	return func(ctx context.Context, ex *Exchange) error {
		*order = append(*order, name)
		return nil
	}
}

func TestExecuteRunsInPriorityOrder(t *testing.T) {
	m := NewManager()
	var order []string

	m.Add(New("ten", WithPriority(10), WithBeforeRequest(recordHook(&order, "ten"))))
	m.Add(New("zero", WithPriority(0), WithBeforeRequest(recordHook(&order, "zero"))))
	m.Add(New("five", WithPriority(5), WithBeforeRequest(recordHook(&order, "five"))))

	err := m.Execute(context.Background(), BeforeRequest, &Exchange{MessageType: "doc.save"})
	require.NoError(t, err)
	assert.Equal(t, []string{"zero", "five", "ten"}, order)
}

func TestEqualPriorityKeepsInsertionOrder(t *testing.T) {
	m := NewManager()
	var order []string

	m.Add(New("first", WithBeforeRequest(recordHook(&order, "first"))))
	m.Add(New("second", WithBeforeRequest(recordHook(&order, "second"))))
	m.Add(New("third", WithBeforeRequest(recordHook(&order, "third"))))

	err := m.Execute(context.Background(), BeforeRequest, &Exchange{})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestExecuteStopsAtFirstError(t *testing.T) {
	m := NewManager()
	var order []string
	boom := errors.New("boom")

	m.Add(New("ok", WithPriority(1), WithBeforeRequest(recordHook(&order, "ok"))))
	m.Add(New("fail", WithPriority(2), WithBeforeRequest(func(ctx context.Context, ex *Exchange) error {
		order = append(order, "fail")
		return boom
	})))
	m.Add(New("never", WithPriority(3), WithBeforeRequest(recordHook(&order, "never"))))

	err := m.Execute(context.Background(), BeforeRequest, &Exchange{})
	assert.Equal(t, boom, err)
	assert.Equal(t, []string{"ok", "fail"}, order)
}

func TestHooksMutateThePayload(t *testing.T) {
	m := NewManager()
	m.Add(New("stamp", WithBeforeRequest(func(ctx context.Context, ex *Exchange) error {
		ex.Payload = ex.Payload.(string) + "-stamped"
		return nil
	})))

	ex := &Exchange{MessageType: "doc.save", Payload: "payload"}
	require.NoError(t, m.Execute(context.Background(), BeforeRequest, ex))
	assert.Equal(t, "payload-stamped", ex.Payload)
}

func TestPhaseIsolation(t *testing.T) {
	m := NewManager()
	var order []string
	m.Add(New("req", WithBeforeRequest(recordHook(&order, "req"))))
	m.Add(New("evt", WithBeforeEvent(recordHook(&order, "evt"))))

	require.NoError(t, m.Execute(context.Background(), BeforeEvent, &Exchange{}))
	assert.Equal(t, []string{"evt"}, order)
}

func TestExecuteErrorTransformsError(t *testing.T) {
	m := NewManager()
	wrapped := errors.New("wrapped")
	m.Add(New("transform", WithOnError(func(ctx context.Context, ex *Exchange) error {
		ex.Error = wrapped
		return nil
	})))

	err := m.ExecuteError(context.Background(), &Exchange{}, errors.New("original"))
	assert.Equal(t, wrapped, err)
}

func TestExecuteErrorCannotSwallowTheFailure(t *testing.T) {
	m := NewManager()
	original := errors.New("original")
	m.Add(New("swallow", WithOnError(func(ctx context.Context, ex *Exchange) error {
		ex.Error = nil
		return nil
	})))

	err := m.ExecuteError(context.Background(), &Exchange{}, original)
	assert.Equal(t, original, err)
}

func TestFailingErrorHookDoesNotAbortTheChain(t *testing.T) {
	m := NewManager()
	original := errors.New("original")
	var reached bool

	m.Add(New("bad", WithPriority(1), WithOnError(func(ctx context.Context, ex *Exchange) error {
		return errors.New("hook itself failed")
	})))
	m.Add(New("panicky", WithPriority(2), WithOnError(func(ctx context.Context, ex *Exchange) error {
		panic("hook panic")
	})))
	m.Add(New("observer", WithPriority(3), WithOnError(func(ctx context.Context, ex *Exchange) error {
		reached = true
		return nil
	})))

	err := m.ExecuteError(context.Background(), &Exchange{}, original)
	assert.Equal(t, original, err)
	assert.True(t, reached)
}

func TestPanicInHookBecomesError(t *testing.T) {
	m := NewManager()
	m.Add(New("panicky", WithBeforeRequest(func(ctx context.Context, ex *Exchange) error {
		panic("kaboom")
	})))

	err := m.Execute(context.Background(), BeforeRequest, &Exchange{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestExecuteRunsErrorChainOnFailure(t *testing.T) {
	m := NewManager()
	var sawError error
	m.Add(New("fail", WithBeforeRequest(func(ctx context.Context, ex *Exchange) error {
		return errors.New("request rejected")
	}), WithOnError(func(ctx context.Context, ex *Exchange) error {
		sawError = ex.Error
		return nil
	})))

	err := m.Execute(context.Background(), BeforeRequest, &Exchange{})
	require.Error(t, err)
	assert.Equal(t, err, sawError)
}

func TestRemove(t *testing.T) {
	m := NewManager()
	m.Add(New("keep"))
	m.Add(New("drop"))
	m.Add(New("drop"))
	require.Equal(t, 3, m.Len())

	m.Remove("drop")
	assert.Equal(t, 1, m.Len())
}
