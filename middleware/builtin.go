package middleware

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/meshrpc/meshrpc-go/errors"
)

// NewLoggingMiddleware logs every phase it observes at debug level and every
// error at error level. Priority 10 so it brackets most other middleware.
func NewLoggingMiddleware(logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	logPhase := func(phase Phase) Hook {
		return func(ctx context.Context, ex *Exchange) error {
			logger.Debug("middleware phase",
				"phase", string(phase),
				"messageType", ex.MessageType,
				"contextId", contextID(ex),
			)
			return nil
		}
	}
	return New("logging",
		WithPriority(10),
		WithBeforeRequest(logPhase(BeforeRequest)),
		WithAfterResponse(logPhase(AfterResponse)),
		WithBeforeEvent(logPhase(BeforeEvent)),
		WithBeforeEventHandler(logPhase(BeforeEventHandler)),
		WithOnError(func(ctx context.Context, ex *Exchange) error {
			logger.Error("message processing failed",
				"messageType", ex.MessageType,
				"contextId", contextID(ex),
				"error", ex.Error,
			)
			return nil
		}),
	)
}

// MetricsCollector receives message processing metrics from the metrics
// middleware. The metrics package provides a Prometheus implementation.
type MetricsCollector interface {
	IncrementMessageCount(messageType string)
	RecordProcessingTime(messageType string, duration time.Duration)
	IncrementErrorCount(messageType string, errorType string)
}

// NewMetricsMiddleware records message counts, processing time and errors.
// Processing time spans beforeRequest to afterResponse (and event receipt to
// handler completion), keyed by the context ID.
func NewMetricsMiddleware(collector MetricsCollector) *Middleware {
	starts := &startTimes{times: make(map[string]time.Time)}
	begin := func(ctx context.Context, ex *Exchange) error {
		collector.IncrementMessageCount(ex.MessageType)
		starts.set(contextID(ex), time.Now())
		return nil
	}
	end := func(ctx context.Context, ex *Exchange) error {
		if start, ok := starts.pop(contextID(ex)); ok {
			collector.RecordProcessingTime(ex.MessageType, time.Since(start))
		}
		return nil
	}
	return New("metrics",
		WithPriority(20),
		WithBeforeRequest(begin),
		WithAfterResponse(end),
		WithBeforeEventHandler(begin),
		WithAfterEventHandler(end),
		WithOnError(func(ctx context.Context, ex *Exchange) error {
			starts.pop(contextID(ex))
			collector.IncrementErrorCount(ex.MessageType, errorType(ex.Error))
			return nil
		}),
	)
}

type startTimes struct {
	mu    sync.Mutex
	times map[string]time.Time
}

func (s *startTimes) set(key string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.times[key] = t
}

func (s *startTimes) pop(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.times[key]
	if ok {
		delete(s.times, key)
	}
	return t, ok
}

func contextID(ex *Exchange) string {
	if ex.Context == nil {
		return ""
	}
	return ex.Context.ID
}

func errorType(err error) string {
	if err == nil {
		return "none"
	}
	var me *errors.MessagingError
	if stderrors.As(err, &me) {
		return string(me.Type)
	}
	return string(errors.TypeUnknown)
}
