package ccrouter

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryMetrics keeps router metrics in memory. It is meant for tests and
// for embedders that read values directly instead of exporting them.
//
// Every series is identified by its name and labels. Asking for the same
// series twice returns the same instrument.
type MemoryMetrics struct {
	mu     sync.Mutex
	series map[string]*memorySeries
}

var _ Metrics = (*MemoryMetrics)(nil)

// NewMemoryMetrics creates an empty store.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{series: make(map[string]*memorySeries)}
}

// seriesKey is order independent, so {a,b} and {b,a} address one series.
func seriesKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	sb.WriteByte('}')

	return sb.String()
}

func (m *MemoryMetrics) get(name string, labels MetricLabels) *memorySeries {
	key := seriesKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.series[key]
	if !ok {
		s = &memorySeries{}
		m.series[key] = s
	}
	return s
}

// Counter returns the counter of a series.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return (*memoryCounter)(m.get(name, labels))
}

// Gauge returns the gauge of a series.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return (*memoryGauge)(m.get(name, labels))
}

// Histogram returns the histogram of a series.
func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	return (*memoryHistogram)(m.get(name, labels))
}

// Snapshot returns the value of every series keyed by name{labels}.
// Histograms report their sum.
func (m *MemoryMetrics) Snapshot() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]float64, len(m.series))
	for key, s := range m.series {
		out[key] = s.load()
	}
	return out
}

// Routed returns how many messages of type t were accepted by RouteIn.
func (m *MemoryMetrics) Routed(t MessageType) float64 {
	return m.Counter(MetricMessagesRouted, MetricLabels{LabelMessageType: t.String()}).Value()
}

// Rejected returns how many messages of type t RouteIn refused.
func (m *MemoryMetrics) Rejected(t MessageType) float64 {
	return m.Counter(MetricMessagesRejected, MetricLabels{LabelMessageType: t.String()}).Value()
}

// Delivered returns the number of successful transmissions to kind.
func (m *MemoryMetrics) Delivered(kind AddressKind) float64 {
	return m.Counter(MetricMessagesDelivered, MetricLabels{LabelAddressKind: kind.String()}).Value()
}

// Failed returns the number of terminal failures with the given reason.
func (m *MemoryMetrics) Failed(reason string) float64 {
	return m.Counter(MetricMessagesFailed, MetricLabels{LabelReason: reason}).Value()
}

// Retries returns the number of rescheduled attempts.
func (m *MemoryMetrics) Retries() float64 {
	return m.Counter(MetricRetries, nil).Value()
}

// Denied returns the number of access control denials.
func (m *MemoryMetrics) Denied() float64 {
	return m.Counter(MetricAccessDenied, nil).Value()
}

// Tracked returns the last reported number of tracked messages.
func (m *MemoryMetrics) Tracked() float64 {
	return m.Gauge(MetricTrackedMessages, nil).Value()
}

// Completed returns how many messages finished, successfully or not.
func (m *MemoryMetrics) Completed() uint64 {
	return m.Histogram(MetricDispatchLatency, nil).Count()
}

// memorySeries backs all three instrument kinds. A counter and a gauge use
// value; a histogram uses value as sum plus count.
type memorySeries struct {
	mu    sync.Mutex
	value float64
	count uint64
}

func (s *memorySeries) add(delta float64) {
	s.mu.Lock()
	s.value += delta
	s.mu.Unlock()
}

func (s *memorySeries) load() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

type memoryCounter memorySeries

func (c *memoryCounter) Inc() { c.Add(1) }

// Add ignores negative deltas, counters only grow.
func (c *memoryCounter) Add(delta float64) {
	if delta < 0 {
		return
	}
	(*memorySeries)(c).add(delta)
}

func (c *memoryCounter) Value() float64 { return (*memorySeries)(c).load() }

type memoryGauge memorySeries

func (g *memoryGauge) Set(value float64) {
	g.mu.Lock()
	g.value = value
	g.mu.Unlock()
}

func (g *memoryGauge) Inc()              { g.Add(1) }
func (g *memoryGauge) Dec()              { g.Add(-1) }
func (g *memoryGauge) Add(delta float64) { (*memorySeries)(g).add(delta) }
func (g *memoryGauge) Sub(delta float64) { g.Add(-delta) }
func (g *memoryGauge) Value() float64    { return (*memorySeries)(g).load() }

type memoryHistogram memorySeries

func (h *memoryHistogram) Observe(value float64) {
	h.mu.Lock()
	h.value += value
	h.count++
	h.mu.Unlock()
}

func (h *memoryHistogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

func (h *memoryHistogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *memoryHistogram) Sum() float64 { return (*memorySeries)(h).load() }
