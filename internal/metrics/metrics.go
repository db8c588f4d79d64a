package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the broker and its HTTP surface.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transitions      *prometheus.CounterVec
	UpstreamExchange prometheus.Histogram
	HTTPRequests     *prometheus.CounterVec
	BearerChecks     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_authbroker_transitions_total",
			Help: "Authorization session transitions by operation and outcome",
		}, []string{"op", "outcome"}),
		UpstreamExchange: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mcp_authbroker_upstream_exchange_seconds",
			Help:    "Latency of authorization code exchanges against the identity provider",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_authbroker_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		BearerChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_authbroker_bearer_checks_total",
			Help: "Bearer token verifications on the protected resource by outcome",
		}, []string{"outcome"}),
	}
}

// RecordTransition counts one broker operation. outcome is "ok" or an OAuth
// error code.
func (m *Metrics) RecordTransition(op, outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(op, outcome).Inc()
}

// ObserveExchange records the duration of an upstream code exchange.
func (m *Metrics) ObserveExchange(d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamExchange.Observe(d.Seconds())
}

// RecordBearerCheck counts one bearer verification outcome.
func (m *Metrics) RecordBearerCheck(outcome string) {
	if m == nil {
		return
	}
	m.BearerChecks.WithLabelValues(outcome).Inc()
}

// InstrumentRoute wraps next so every response is counted under route.
func (m *Metrics) InstrumentRoute(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.HTTPRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
