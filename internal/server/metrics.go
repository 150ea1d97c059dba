// ABOUTME: Prometheus counters and histograms for the HTTP API and turn pipeline
// ABOUTME: Registered on the default registry, exposed via promhttp at the configured path

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	turnsTotal      *prometheus.CounterVec
	chunksStreamed  prometheus.Counter
	disconnects     prometheus.Counter
}

// NewMetrics registers the server collectors on the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clyre_http_requests_total",
			Help: "HTTP requests by method and status code",
		}, []string{"method", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clyre_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clyre_turns_total",
			Help: "Chat turns by mode and outcome",
		}, []string{"mode", "outcome"}),
		chunksStreamed: factory.NewCounter(prometheus.CounterOpts{
			Name: "clyre_stream_chunks_total",
			Help: "Completion chunks relayed to clients",
		}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "clyre_stream_disconnects_total",
			Help: "Streaming turns ended by client disconnect",
		}),
	}
}

// ObserveTurn records one completed turn
func (m *Metrics) ObserveTurn(mode, outcome string) {
	m.turnsTotal.WithLabelValues(mode, outcome).Inc()
}

// statusRecorder captures the response code for instrumentation
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush passes through so streaming handlers keep working behind the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// InstrumentHandler wraps a handler with request counting and latency observation
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		m.requestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
