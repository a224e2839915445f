// Package metrics provides a Prometheus-backed collector for the metrics
// middleware.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meshrpc/meshrpc-go/middleware"
)

// PrometheusCollector implements middleware.MetricsCollector on Prometheus
// counters and histograms.
type PrometheusCollector struct {
	messages   *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	errorCount *prometheus.CounterVec
}

// NewPrometheusCollector registers the collector's metrics with reg under
// the given namespace. Pass prometheus.DefaultRegisterer for the default
// registry.
func NewPrometheusCollector(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages processed, by message type.",
		}, []string{"message_type"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_duration_seconds",
			Help:      "Message processing time, by message type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"message_type"}),
		errorCount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_errors_total",
			Help:      "Message processing errors, by message and error type.",
		}, []string{"message_type", "error_type"}),
	}
}

// IncrementMessageCount implements middleware.MetricsCollector.
func (c *PrometheusCollector) IncrementMessageCount(messageType string) {
	c.messages.WithLabelValues(messageType).Inc()
}

// RecordProcessingTime implements middleware.MetricsCollector.
func (c *PrometheusCollector) RecordProcessingTime(messageType string, duration time.Duration) {
	c.durations.WithLabelValues(messageType).Observe(duration.Seconds())
}

// IncrementErrorCount implements middleware.MetricsCollector.
func (c *PrometheusCollector) IncrementErrorCount(messageType string, errorType string) {
	c.errorCount.WithLabelValues(messageType, errorType).Inc()
}

var _ middleware.MetricsCollector = (*PrometheusCollector)(nil)
