package ccrouter

import (
	"time"
)

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge

	// Histogram returns a histogram metric.
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Sub(delta float64)
	Value() float64
}

// Histogram tracks the distribution of values.
type Histogram interface {
	// Observe records a value.
	Observe(value float64)

	// ObserveDuration records a duration in seconds.
	ObserveDuration(d time.Duration)

	// Count returns the number of observations.
	Count() uint64

	// Sum returns the sum of all observations.
	Sum() float64
}

// NoOpMetrics is a no-op implementation of Metrics.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter {
	return noOpCounter{}
}

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge {
	return noOpGauge{}
}

// Histogram returns a no-op histogram.
func (n *NoOpMetrics) Histogram(_ string, _ MetricLabels) Histogram {
	return noOpHistogram{}
}

type noOpCounter struct{}

func (noOpCounter) Inc()           {}
func (noOpCounter) Add(_ float64)  {}
func (noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (noOpGauge) Set(_ float64)  {}
func (noOpGauge) Inc()           {}
func (noOpGauge) Dec()           {}
func (noOpGauge) Add(_ float64)  {}
func (noOpGauge) Sub(_ float64)  {}
func (noOpGauge) Value() float64 { return 0 }

type noOpHistogram struct{}

func (noOpHistogram) Observe(_ float64)               {}
func (noOpHistogram) ObserveDuration(_ time.Duration) {}
func (noOpHistogram) Count() uint64                   { return 0 }
func (noOpHistogram) Sum() float64                    { return 0 }

// Standard metric names for the message router.
const (
	// MetricMessagesRouted counts messages accepted by RouteIn.
	MetricMessagesRouted = "ccrouter_messages_routed_total"

	// MetricMessagesRejected counts messages rejected by RouteIn.
	MetricMessagesRejected = "ccrouter_messages_rejected_total"

	// MetricMessagesDelivered counts messages whose transmission succeeded.
	MetricMessagesDelivered = "ccrouter_messages_delivered_total"

	// MetricMessagesFailed counts messages that ended in a terminal failure.
	MetricMessagesFailed = "ccrouter_messages_failed_total"

	// MetricRetries counts rescheduled delivery attempts.
	MetricRetries = "ccrouter_retries_total"

	// MetricAccessDenied counts access control denials, including audited ones.
	MetricAccessDenied = "ccrouter_access_denied_total"

	// MetricQueueSize is the current number of messages in the delay queue.
	MetricQueueSize = "ccrouter_queue_size"

	// MetricTrackedMessages is the current number of tracked in-flight messages.
	MetricTrackedMessages = "ccrouter_tracked_messages"

	// MetricRoutingEntries is the current number of routing table entries.
	MetricRoutingEntries = "ccrouter_routing_entries"

	// MetricDispatchLatency is the time between RouteIn and completion.
	MetricDispatchLatency = "ccrouter_dispatch_latency_seconds"
)

// Standard metric labels.
const (
	// LabelMessageType is the message type label.
	LabelMessageType = "message_type"

	// LabelReason is the terminal failure reason label.
	LabelReason = "reason"

	// LabelAddressKind is the address kind label.
	LabelAddressKind = "address_kind"
)

// RouterMetrics provides convenience methods for common router metrics.
type RouterMetrics struct {
	metrics Metrics
}

// NewRouterMetrics creates a new RouterMetrics instance.
func NewRouterMetrics(m Metrics) *RouterMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &RouterMetrics{metrics: m}
}

// MessageRouted records a message accepted for routing.
func (r *RouterMetrics) MessageRouted(t MessageType) {
	r.metrics.Counter(MetricMessagesRouted, MetricLabels{LabelMessageType: t.String()}).Inc()
}

// MessageRejected records a message rejected before queueing.
func (r *RouterMetrics) MessageRejected(t MessageType) {
	r.metrics.Counter(MetricMessagesRejected, MetricLabels{LabelMessageType: t.String()}).Inc()
}

// MessageDelivered records a successful delivery to one address.
func (r *RouterMetrics) MessageDelivered(kind AddressKind) {
	r.metrics.Counter(MetricMessagesDelivered, MetricLabels{LabelAddressKind: kind.String()}).Inc()
}

// MessageFailed records a terminal failure.
func (r *RouterMetrics) MessageFailed(reason string) {
	r.metrics.Counter(MetricMessagesFailed, MetricLabels{LabelReason: reason}).Inc()
}

// Retry records a rescheduled delivery attempt.
func (r *RouterMetrics) Retry() {
	r.metrics.Counter(MetricRetries, nil).Inc()
}

// AccessDenied records an access control denial.
func (r *RouterMetrics) AccessDenied() {
	r.metrics.Counter(MetricAccessDenied, nil).Inc()
}

// QueueSize records the current delay queue length.
func (r *RouterMetrics) QueueSize(n int) {
	r.metrics.Gauge(MetricQueueSize, nil).Set(float64(n))
}

// TrackedMessages records the current number of tracked messages.
func (r *RouterMetrics) TrackedMessages(n int) {
	r.metrics.Gauge(MetricTrackedMessages, nil).Set(float64(n))
}

// RoutingEntries records the current routing table size.
func (r *RouterMetrics) RoutingEntries(n int) {
	r.metrics.Gauge(MetricRoutingEntries, nil).Set(float64(n))
}

// DispatchLatency records the time from acceptance to completion.
func (r *RouterMetrics) DispatchLatency(d time.Duration) {
	r.metrics.Histogram(MetricDispatchLatency, nil).ObserveDuration(d)
}
