package observability

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MetricsRegistry holds registered metrics and renders them in the
// Prometheus text exposition format.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	histos   map[string]*Histogram
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name   string
	help   string
	labels map[string]string
	mu     sync.Mutex
	value  float64
}

// Gauge is a metric that can go up or down.
type Gauge struct {
	name   string
	help   string
	labels map[string]string
	mu     sync.Mutex
	value  float64
}

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  map[string]string
	buckets []float64
	mu      sync.Mutex
	counts  []uint64
	sum     float64
	count   uint64
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		histos:   make(map[string]*Histogram),
	}
}

// NewCounter creates and registers a counter.
func (r *MetricsRegistry) NewCounter(name, help string, labels map[string]string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Counter{name: name, help: help, labels: labels}
	r.counters[name] = c
	return c
}

// NewGauge creates and registers a gauge.
func (r *MetricsRegistry) NewGauge(name, help string, labels map[string]string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := &Gauge{name: name, help: help, labels: labels}
	r.gauges[name] = g
	return g
}

// NewHistogram creates and registers a histogram. Nil buckets use
// DefaultBuckets.
func (r *MetricsRegistry) NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if buckets == nil {
		buckets = DefaultBuckets()
	}
	h := &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
	r.histos[name] = h
	return h
}

// DefaultBuckets returns latency buckets in seconds, sized for network
// calls to embedding and completion APIs.
func DefaultBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
}

// Handler serves the registry in Prometheus text format.
func (r *MetricsRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WritePrometheus(w)
	})
}

// WritePrometheus writes all metrics sorted by name.
func (r *MetricsRegistry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		writeMetric(w, c.name, "counter", c.help, c.labels, c.Value())
	}
	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		writeMetric(w, g.name, "gauge", g.help, g.labels, g.Value())
	}
	for _, name := range sortedKeys(r.histos) {
		r.histos[name].write(w)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func writeMetric(w io.Writer, name, kind, help string, labels map[string]string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
	fmt.Fprintf(w, "%s%s %s\n", name, formatLabels(labels), formatFloat(value))
}

func (h *Histogram) write(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
	var cumulative uint64
	for i, bound := range h.buckets {
		cumulative += h.counts[i]
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, formatLabels(withLabel(h.labels, "le", formatFloat(bound))), cumulative)
	}
	fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, formatLabels(withLabel(h.labels, "le", "+Inf")), h.count)
	fmt.Fprintf(w, "%s_sum%s %s\n", h.name, formatLabels(h.labels), formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count%s %d\n", h.name, formatLabels(h.labels), h.count)
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, k := range sortedKeys(labels) {
		parts = append(parts, k+"="+strconv.Quote(labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func withLabel(labels map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[key] = value
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.Add(1) }

// Add adds v to the counter. Negative values are ignored.
func (c *Counter) Add(v float64) {
	if v < 0 {
		return
	}
	c.mu.Lock()
	c.value += v
	c.mu.Unlock()
}

// Value returns the counter value.
func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set sets the gauge value.
func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.Add(-1) }

// Add adds v to the gauge.
func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

// Value returns the gauge value.
func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Observe records a value. Bucket counts are stored per bucket and made
// cumulative on write.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
			return
		}
	}
}

// ObserveDuration records the seconds elapsed since start.
func (h *Histogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// RAGMetrics is the metric set exported on /metrics.
type RAGMetrics struct {
	Registry *MetricsRegistry

	IngestTotal    *Counter
	IngestErrors   *Counter
	IngestDuration *Histogram
	ChunksTotal    *Counter

	EmbedBatches  *Counter
	EmbedErrors   *Counter
	EmbedDuration *Histogram

	UpsertedTotal  *Counter
	SearchTotal    *Counter
	SearchDuration *Histogram

	LLMRequests *Counter
	LLMTokens   *Counter
	LLMErrors   *Counter
	LLMDuration *Histogram

	QueriesTotal      *Counter
	UngroundedAnswers *Counter
	QueryDuration     *Histogram
	ActiveIngestions  *Gauge
}

// NewRAGMetrics registers the lograg metric set on a fresh registry.
func NewRAGMetrics() *RAGMetrics {
	r := NewMetricsRegistry()
	return &RAGMetrics{
		Registry: r,

		IngestTotal:    r.NewCounter("lograg_ingest_total", "Ingestion runs started", nil),
		IngestErrors:   r.NewCounter("lograg_ingest_errors_total", "Ingestion runs that failed", nil),
		IngestDuration: r.NewHistogram("lograg_ingest_duration_seconds", "Ingestion run duration", nil, nil),
		ChunksTotal:    r.NewCounter("lograg_chunks_total", "Chunks produced by ingestion", nil),

		EmbedBatches:  r.NewCounter("lograg_embed_batches_total", "Embedding batches sent", nil),
		EmbedErrors:   r.NewCounter("lograg_embed_errors_total", "Embedding batches that failed after retries", nil),
		EmbedDuration: r.NewHistogram("lograg_embed_batch_duration_seconds", "Embedding batch duration", nil, nil),

		UpsertedTotal:  r.NewCounter("lograg_vector_upserted_total", "Records written to the vector index", nil),
		SearchTotal:    r.NewCounter("lograg_vector_search_total", "Vector similarity searches", nil),
		SearchDuration: r.NewHistogram("lograg_vector_search_duration_seconds", "Vector search duration", nil, nil),

		LLMRequests: r.NewCounter("lograg_llm_requests_total", "LLM completion requests", nil),
		LLMTokens:   r.NewCounter("lograg_llm_tokens_total", "LLM tokens consumed", nil),
		LLMErrors:   r.NewCounter("lograg_llm_errors_total", "LLM completion errors", nil),
		LLMDuration: r.NewHistogram("lograg_llm_request_duration_seconds", "LLM completion duration", nil, nil),

		QueriesTotal:      r.NewCounter("lograg_queries_total", "Questions answered", nil),
		UngroundedAnswers: r.NewCounter("lograg_ungrounded_answers_total", "Answers returned without retrieved context", nil),
		QueryDuration:     r.NewHistogram("lograg_query_duration_seconds", "End-to-end query duration", nil, nil),
		ActiveIngestions:  r.NewGauge("lograg_active_ingestions", "Ingestion runs in progress", nil),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *RAGMetrics) Handler() http.Handler {
	return m.Registry.Handler()
}

// RecordIngest records a finished ingestion run.
func (m *RAGMetrics) RecordIngest(duration time.Duration, chunks int, err error) {
	m.IngestTotal.Inc()
	m.IngestDuration.Observe(duration.Seconds())
	m.ChunksTotal.Add(float64(chunks))
	if err != nil {
		m.IngestErrors.Inc()
	}
}

// RecordEmbedBatch records one embedding batch.
func (m *RAGMetrics) RecordEmbedBatch(duration time.Duration, err error) {
	m.EmbedBatches.Inc()
	m.EmbedDuration.Observe(duration.Seconds())
	if err != nil {
		m.EmbedErrors.Inc()
	}
}

// RecordUpsert records records written to the index.
func (m *RAGMetrics) RecordUpsert(n int) {
	m.UpsertedTotal.Add(float64(n))
}

// RecordSearch records one similarity search.
func (m *RAGMetrics) RecordSearch(duration time.Duration) {
	m.SearchTotal.Inc()
	m.SearchDuration.Observe(duration.Seconds())
}

// RecordLLMRequest records an LLM completion.
func (m *RAGMetrics) RecordLLMRequest(duration time.Duration, tokens int, err error) {
	m.LLMRequests.Inc()
	m.LLMDuration.Observe(duration.Seconds())
	m.LLMTokens.Add(float64(tokens))
	if err != nil {
		m.LLMErrors.Inc()
	}
}

// RecordQuery records an answered question.
func (m *RAGMetrics) RecordQuery(duration time.Duration, grounded bool) {
	m.QueriesTotal.Inc()
	m.QueryDuration.Observe(duration.Seconds())
	if !grounded {
		m.UngroundedAnswers.Inc()
	}
}

var (
	globalMetrics *RAGMetrics
	metricsOnce   sync.Once
)

// Metrics returns the process-wide metric set.
func Metrics() *RAGMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewRAGMetrics()
	})
	return globalMetrics
}
