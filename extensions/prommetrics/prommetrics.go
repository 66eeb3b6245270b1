// Package prommetrics implements ccrouter.Metrics with Prometheus collectors.
//
// Every metric name becomes one vector whose label names are fixed by the
// first use. Later uses of the same name with different label names get a
// detached series that is counted but never exported.
package prommetrics

import (
	"errors"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/vitalvas/ccrouter"
)

var help = map[string]string{
	ccrouter.MetricMessagesRouted:    "Messages accepted for routing.",
	ccrouter.MetricMessagesRejected:  "Messages rejected before queueing.",
	ccrouter.MetricMessagesDelivered: "Successful transmissions per address kind.",
	ccrouter.MetricMessagesFailed:    "Messages that ended in a terminal failure.",
	ccrouter.MetricRetries:           "Rescheduled delivery attempts.",
	ccrouter.MetricAccessDenied:      "Access control denials, including audited ones.",
	ccrouter.MetricQueueSize:         "Messages waiting in the delay queue.",
	ccrouter.MetricTrackedMessages:   "Tracked in-flight messages.",
	ccrouter.MetricRoutingEntries:    "Routing table entries.",
	ccrouter.MetricDispatchLatency:   "Seconds from acceptance to completion of a message.",
}

// Option configures Metrics.
type Option func(*Metrics)

// WithBuckets sets the histogram buckets. The default is prometheus.DefBuckets.
func WithBuckets(buckets ...float64) Option {
	return func(m *Metrics) {
		if len(buckets) > 0 {
			m.buckets = slices.Clone(buckets)
		}
	}
}

// WithHelp sets the help text of name.
func WithHelp(name, text string) Option {
	return func(m *Metrics) {
		m.help[name] = text
	}
}

// Metrics registers router metrics in a Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry
	buckets  []float64
	help     map[string]string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string
}

var _ ccrouter.Metrics = (*Metrics)(nil)

// New creates Metrics registering into registry. A nil registry creates a new one.
func New(registry *prometheus.Registry, opts ...Option) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry:   registry,
		buckets:    prometheus.DefBuckets,
		help:       make(map[string]string, len(help)),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelNames: make(map[string][]string),
	}
	for k, v := range help {
		m.help[k] = v
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the registry metrics are registered in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) helpFor(name string) string {
	if text, ok := m.help[name]; ok {
		return text
	}
	return name
}

func sortedNames(labels ccrouter.MetricLabels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// compatible must be called with m.mu held.
func (m *Metrics) compatible(name string, names []string) bool {
	known, ok := m.labelNames[name]
	if !ok {
		m.labelNames[name] = names
		return true
	}
	return slices.Equal(known, names)
}

// register returns the collector to use for c, which is an already
// registered equal collector when there is one.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, bool) {
	err := reg.Register(c)
	if err == nil {
		return c, true
	}

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing, true
		}
	}
	return c, false
}

// Counter returns the counter series of name with labels.
func (m *Metrics) Counter(name string, labels ccrouter.MetricLabels) ccrouter.Counter {
	names := sortedNames(labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.compatible(name, names) {
		return &counter{c: prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: m.helpFor(name)})}
	}

	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: m.helpFor(name)}, names)
		vec, _ = register(m.registry, vec)
		m.counters[name] = vec
	}

	return &counter{c: vec.With(prometheus.Labels(labels))}
}

// Gauge returns the gauge series of name with labels.
func (m *Metrics) Gauge(name string, labels ccrouter.MetricLabels) ccrouter.Gauge {
	names := sortedNames(labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.compatible(name, names) {
		return &gauge{g: prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: m.helpFor(name)})}
	}

	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: m.helpFor(name)}, names)
		vec, _ = register(m.registry, vec)
		m.gauges[name] = vec
	}

	return &gauge{g: vec.With(prometheus.Labels(labels))}
}

// Histogram returns the histogram series of name with labels.
func (m *Metrics) Histogram(name string, labels ccrouter.MetricLabels) ccrouter.Histogram {
	names := sortedNames(labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	opts := prometheus.HistogramOpts{Name: name, Help: m.helpFor(name), Buckets: m.buckets}
	if !m.compatible(name, names) {
		return &histogram{h: prometheus.NewHistogram(opts)}
	}

	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(opts, names)
		vec, _ = register(m.registry, vec)
		m.histograms[name] = vec
	}

	return &histogram{h: vec.With(prometheus.Labels(labels)).(prometheus.Histogram)}
}

type counter struct {
	c prometheus.Counter
}

func (c *counter) Inc()              { c.c.Inc() }
func (c *counter) Add(delta float64) { c.c.Add(delta) }

func (c *counter) Value() float64 {
	var out dto.Metric
	if err := c.c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}

type gauge struct {
	g prometheus.Gauge
}

func (g *gauge) Set(value float64) { g.g.Set(value) }
func (g *gauge) Inc()              { g.g.Inc() }
func (g *gauge) Dec()              { g.g.Dec() }
func (g *gauge) Add(delta float64) { g.g.Add(delta) }
func (g *gauge) Sub(delta float64) { g.g.Sub(delta) }

func (g *gauge) Value() float64 {
	var out dto.Metric
	if err := g.g.Write(&out); err != nil {
		return 0
	}
	return out.GetGauge().GetValue()
}

type histogram struct {
	h prometheus.Histogram
}

func (h *histogram) Observe(value float64) { h.h.Observe(value) }

func (h *histogram) ObserveDuration(d time.Duration) { h.h.Observe(d.Seconds()) }

func (h *histogram) snapshot() *dto.Histogram {
	var out dto.Metric
	if err := h.h.Write(&out); err != nil {
		return nil
	}
	return out.GetHistogram()
}

func (h *histogram) Count() uint64 { return h.snapshot().GetSampleCount() }
func (h *histogram) Sum() float64  { return h.snapshot().GetSampleSum() }
