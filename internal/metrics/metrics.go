// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	discoveredTotal            *prometheus.CounterVec
	queueEntries               *prometheus.GaugeVec
	activeWorkers              prometheus.Gauge
	politenessDelaySeconds     *prometheus.HistogramVec
	headlessPromotionsTotal    prometheus.Counter
	reviewFailuresTotal        prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_total",
				Help: "Book pages processed, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_bytes_total",
				Help: "Bytes fetched, labeled by host.",
			},
			[]string{"host"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Fetch latency, labeled by host and mode.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host", "mode"},
		)

		discoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_discovered_urls_total",
				Help: "URLs emitted by discovery, labeled by method and enqueue result.",
			},
			[]string{"method", "result"},
		)

		queueEntries = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_queue_entries",
				Help: "Queue entries per status at the last poll.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Workers currently processing an entry.",
			},
		)

		politenessDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_politeness_delay_seconds",
				Help:    "Time spent waiting on the per-host politeness gate.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		headlessPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_headless_promotions_total",
				Help: "Pages refetched with the headless browser.",
			},
		)

		reviewFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_review_failures_total",
				Help: "Review fetches that failed without failing the book.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname, or "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOutcome counts a processed page. outcome is done, retry or failed.
func ObserveOutcome(pageURL, outcome string) {
	Init()
	pagesTotal.WithLabelValues(SanitizeSite(pageURL), outcome).Inc()
}

// ObserveFetch records one successful fetch.
func ObserveFetch(pageURL string, headless bool, bytesFetched int, duration time.Duration) {
	Init()
	host := SanitizeSite(pageURL)
	mode := "http"
	if headless {
		mode = "headless"
	}
	fetchDurationSeconds.WithLabelValues(host, mode).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObserveDiscovered counts a URL emitted by a discovery strategy.
func ObserveDiscovered(method, result string) {
	Init()
	discoveredTotal.WithLabelValues(method, result).Inc()
}

// SetQueueDepth publishes the latest per-status counts.
func SetQueueDepth(counts map[string]int) {
	Init()
	for status, n := range counts {
		queueEntries.WithLabelValues(status).Set(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObservePolitenessDelay records time spent at the politeness gate.
func ObservePolitenessDelay(host string, duration time.Duration) {
	Init()
	politenessDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHeadlessPromotion counts a headless refetch.
func ObserveHeadlessPromotion() {
	Init()
	headlessPromotionsTotal.Inc()
}

// ObserveReviewFailure counts a tolerated review failure.
func ObserveReviewFailure() {
	Init()
	reviewFailuresTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
