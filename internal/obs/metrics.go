package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by every handler.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics.
var (
	grantsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grants_issued_total",
			Help: "Grants issued, by delivery strategy.",
		},
		[]string{"strategy"},
	)

	accessDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Verification decisions, by strategy and outcome reason.",
		},
		[]string{"strategy", "reason"},
	)

	outboxDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_deliveries_total",
			Help: "Notification delivery outcomes.",
		},
		[]string{"status"},
	)

	sweepFlipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_flips_total",
			Help: "State flips applied by maintenance sweeps.",
		},
		[]string{"kind"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		grantsIssuedTotal, accessDecisionsTotal, outboxDeliveriesTotal, sweepFlipsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GrantIssued counts one issuance.
func GrantIssued(strategy string) {
	grantsIssuedTotal.WithLabelValues(strategy).Inc()
}

// DecisionMade counts one verification outcome. Allowed decisions use the
// reason "allow".
func DecisionMade(strategy, reason string) {
	if reason == "" {
		reason = "allow"
	}
	accessDecisionsTotal.WithLabelValues(strategy, reason).Inc()
}

// OutboxDelivery counts one delivery outcome: delivered, retried, or dead.
func OutboxDelivery(status string) {
	outboxDeliveriesTotal.WithLabelValues(status).Inc()
}

// SweepFlips counts state flips from one sweep pass.
func SweepFlips(kind string, n int) {
	if n <= 0 {
		return
	}
	sweepFlipsTotal.WithLabelValues(kind).Add(float64(n))
}

// Instrument wraps a handler with RPS, latency, and in-flight tracking.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifier segments so metric label cardinality
// stays bounded. Tokens and ids become placeholders; unknown shapes pass
// through unchanged.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	seg := strings.Split(strings.Trim(p, "/"), "/")
	if len(seg) < 3 || seg[0] != "v1" {
		return p
	}
	switch seg[1] {
	case "access":
		// /v1/access/{strategy}/{token}/... or /v1/access/{token}/download
		if isStrategySegment(seg[2]) {
			if len(seg) >= 4 {
				seg[3] = ":token"
			}
		} else {
			seg[2] = ":token"
		}
	case "grants":
		seg[2] = ":id"
	case "orders":
		seg[2] = ":ref"
	default:
		return p
	}
	return "/" + strings.Join(seg, "/")
}

func isStrategySegment(s string) bool {
	switch s {
	case "mfa", "blockchain", "progressive", "portal", "qr":
		return true
	}
	return false
}

// statusWriter records the response code for the metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
