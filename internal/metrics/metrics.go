// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Forwarding modes, used as metric label values.
const (
	ModeGet        = "get"
	ModeEmbeddings = "embeddings"
	ModeChat       = "chat"
	ModeStream     = "stream"
)

var (
	initOnce sync.Once

	proxyRequestsCounter      *prometheus.CounterVec
	proxyDurationMetric       prometheus.Histogram
	streamChunksCounter       prometheus.Counter
	breakerTripsCounter       prometheus.Counter
	breakerRejectionsCounter  prometheus.Counter
	runsTotalCounter          *prometheus.CounterVec
	auditWriteFailuresCounter prometheus.Counter
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		proxyRequestsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_requests_total",
				Help: "Total number of proxied requests by forwarding mode and status class.",
			},
			[]string{"mode", "class"},
		)

		proxyDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "proxy_request_duration_seconds",
				Help:    "Duration of proxied requests in seconds, first byte in to last byte out.",
				Buckets: prometheus.DefBuckets,
			},
		)

		streamChunksCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "proxy_stream_chunks_total",
				Help: "Total number of streamed chunks relayed to callers.",
			},
		)

		breakerTripsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "breaker_trips_total",
				Help: "Total number of times the circuit breaker opened.",
			},
		)

		breakerRejectionsCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "breaker_rejections_total",
				Help: "Total number of requests refused while the breaker was open.",
			},
		)

		runsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runs_total",
				Help: "Total number of finished runs by terminal status.",
			},
			[]string{"status"},
		)

		auditWriteFailuresCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_write_failures_total",
				Help: "Total number of swallowed ledger and transcript write failures.",
			},
		)

		prometheus.MustRegister(
			proxyRequestsCounter,
			proxyDurationMetric,
			streamChunksCounter,
			breakerTripsCounter,
			breakerRejectionsCounter,
			runsTotalCounter,
			auditWriteFailuresCounter,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, mode := range []string{ModeGet, ModeEmbeddings, ModeChat, ModeStream} {
			for _, class := range []string{"2xx", "3xx", "4xx", "5xx"} {
				proxyRequestsCounter.WithLabelValues(mode, class)
			}
		}
		for _, status := range []string{"success", "error"} {
			runsTotalCounter.WithLabelValues(status)
		}
	})
}

func IncProxyRequest(mode string, status int) {
	Init()
	proxyRequestsCounter.WithLabelValues(mode, statusClass(status)).Inc()
}

func ObserveProxyDuration(d time.Duration) {
	Init()
	proxyDurationMetric.Observe(d.Seconds())
}

func IncStreamChunks(n int) {
	Init()
	streamChunksCounter.Add(float64(n))
}

func IncBreakerTrip() {
	Init()
	breakerTripsCounter.Inc()
}

func IncBreakerRejection() {
	Init()
	breakerRejectionsCounter.Inc()
}

func IncRunStatus(status string) {
	Init()
	runsTotalCounter.WithLabelValues(status).Inc()
}

func IncAuditWriteFailure() {
	Init()
	auditWriteFailuresCounter.Inc()
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "5xx"
	}
	return strconv.Itoa(status/100) + "xx"
}
