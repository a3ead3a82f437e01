package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh results recorded by IncRefresh.
const (
	RefreshSuccess   = "success"
	RefreshError     = "error"
	RefreshCoalesced = "coalesced"
)

// Metrics holds Prometheus counters and gauges for the stream registry.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   prometheus.Counter
	errorsTotal     prometheus.Counter
	refreshesTotal  *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
	fetchDuration   prometheus.Histogram
	streamsTotal    prometheus.Gauge
	streamsLive     prometheus.Gauge
	streamsExpired  prometheus.Gauge
	snapshotRestore prometheus.Counter
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdeck_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdeck_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		refreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdeck_refreshes_total",
			Help: "Registry refresh attempts by result",
		}, []string{"result"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamdeck_events_published_total",
			Help: "Events published on the registry bus by kind",
		}, []string{"kind"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamdeck_playlist_fetch_seconds",
			Help:    "Duration of playlist fetches",
			Buckets: prometheus.DefBuckets,
		}),
		streamsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamdeck_streams",
			Help: "Number of streams in the registry",
		}),
		streamsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamdeck_streams_live",
			Help: "Number of live streams whose playback URL has not expired",
		}),
		streamsExpired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamdeck_streams_expired",
			Help: "Number of streams whose playback URL is expired or about to expire",
		}),
		snapshotRestore: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamdeck_snapshot_restores_total",
			Help: "Number of times the collection was restored from the persisted snapshot",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.refreshesTotal,
		m.eventsTotal,
		m.fetchDuration,
		m.streamsTotal,
		m.streamsLive,
		m.streamsExpired,
		m.snapshotRestore,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncRefresh records one refresh attempt with the given result label.
func (m *Metrics) IncRefresh(result string) {
	m.refreshesTotal.WithLabelValues(result).Inc()
}

// IncEvent records one published bus event.
func (m *Metrics) IncEvent(kind string) {
	m.eventsTotal.WithLabelValues(kind).Inc()
}

// ObserveFetch records a playlist fetch duration in seconds.
func (m *Metrics) ObserveFetch(seconds float64) {
	m.fetchDuration.Observe(seconds)
}

// IncSnapshotRestores increments the snapshot restore counter.
func (m *Metrics) IncSnapshotRestores() {
	m.snapshotRestore.Inc()
}

// SetStreams sets the collection gauges.
func (m *Metrics) SetStreams(total, live, expired int) {
	m.streamsTotal.Set(float64(total))
	m.streamsLive.Set(float64(live))
	m.streamsExpired.Set(float64(expired))
}

// Gatherer exposes the private registry, mostly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values, since
// expiry is time dependent and cannot be kept current on write.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
