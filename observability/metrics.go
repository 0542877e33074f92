package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RedemptionMetrics captures the scan pipeline counters exported by redeemd.
type RedemptionMetrics struct {
	scans       *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	flags       *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	issued      prometheus.Counter
}

// HTTPMetrics captures per-route request counters for the HTTP surface.
type HTTPMetrics struct {
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

var (
	redemptionOnce     sync.Once
	redemptionRegistry *RedemptionMetrics

	httpOnce     sync.Once
	httpRegistry *HTTPMetrics
)

// Redemption returns the lazily-initialised scan metrics registered with the
// default Prometheus registerer.
func Redemption() *RedemptionMetrics {
	redemptionOnce.Do(func() {
		redemptionRegistry = &RedemptionMetrics{
			scans: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "redeemd",
				Name:      "scans_total",
				Help:      "Scan requests segmented by outcome and stable error code.",
			}, []string{"outcome", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "redeemd",
				Name:      "scan_duration_seconds",
				Help:      "End-to-end latency of scan requests.",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			}, []string{"outcome"}),
			flags: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "redeemd",
				Name:      "fraud_flags_total",
				Help:      "Soft fraud flags raised during screening segmented by reason.",
			}, []string{"reason"}),
			storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "redeemd",
				Name:      "fraud_store_errors_total",
				Help:      "Counter store failures observed while screening.",
			}, []string{"operation"}),
			conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "redeemd",
				Name:      "ledger_conflicts_total",
				Help:      "Ledger write attempts rejected as duplicates or over quota.",
			}, []string{"code"}),
			issued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "redeemd",
				Name:      "tokens_issued_total",
				Help:      "Redemption tokens minted through the issuance endpoint.",
			}),
		}
		prometheus.MustRegister(
			redemptionRegistry.scans,
			redemptionRegistry.latency,
			redemptionRegistry.flags,
			redemptionRegistry.storeErrors,
			redemptionRegistry.conflicts,
			redemptionRegistry.issued,
		)
	})
	return redemptionRegistry
}

// ObserveScan records a finished scan. An empty code denotes success.
func (m *RedemptionMetrics) ObserveScan(code string, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if code != "" {
		outcome = "failure"
	} else {
		code = "none"
	}
	m.scans.WithLabelValues(outcome, code).Inc()
	m.latency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordFlag increments the soft flag counter for the supplied reason.
func (m *RedemptionMetrics) RecordFlag(reason string) {
	if m == nil {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	m.flags.WithLabelValues(reason).Inc()
}

// RecordStoreError counts a failed counter store operation.
func (m *RedemptionMetrics) RecordStoreError(operation string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.storeErrors.WithLabelValues(operation).Inc()
}

// RecordConflict counts a ledger conflict by error code.
func (m *RedemptionMetrics) RecordConflict(code string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(code).Inc()
}

// RecordIssued counts a minted token.
func (m *RedemptionMetrics) RecordIssued() {
	if m == nil {
		return
	}
	m.issued.Inc()
}

// HTTP returns the lazily-initialised HTTP request metrics.
func HTTP() *HTTPMetrics {
	httpOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "redeemd",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests processed segmented by route, method and status.",
			}, []string{"route", "method", "status"}),
			durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "redeemd",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.durations)
	})
	return httpRegistry
}

// Observe records a completed HTTP request.
func (m *HTTPMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, method, statusClass(status)).Inc()
	m.durations.WithLabelValues(route, method).Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
