// Package observability holds the engine's Prometheus collectors.
package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream", "outcome"},
	)

	renderCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raster_render_cycles_total",
			Help: "Render cycles started, by trigger.",
		},
		[]string{"trigger"},
	)

	rasterResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raster_responses_total",
			Help: "Raster responses by outcome (ok, stale, hidden, error).",
		},
		[]string{"outcome"},
	)

	rasterPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raster_pending_layers",
			Help: "Layers still pending in the current render cycle.",
		},
	)

	vectorFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vector_fetches_total",
			Help: "Vector fetches by outcome (ok, stale, canceled, error, reused).",
		},
		[]string{"outcome"},
	)

	vectorPrimitives = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vector_primitives",
			Help: "Polygon primitives currently registered, by layer.",
		},
		[]string{"layer"},
	)

	hitEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hit_events_total",
			Help: "Viewport hit events by outcome (sent, dropped, error).",
		},
		[]string{"outcome"},
	)

	invalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidation_events_total",
			Help: "Upstream change notices by outcome (applied, ignored, invalid, decode_error, error).",
		},
		[]string{"outcome"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "overlay_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	registerOnce sync.Once
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
		renderCyclesTotal, rasterResponsesTotal, rasterPending,
		vectorFetchesTotal, vectorPrimitives, hitEventsTotal, invalidationsTotal, buildInfo,
	}
}

// Init registers the collectors once; later calls are no-ops. Recording works
// whether or not Init ran.
func Init(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	registerOnce.Do(func() {
		for _, c := range collectors() {
			reg.MustRegister(c)
		}
	})
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	upstreamLatencySeconds.WithLabelValues(upstream, outcome).Observe(durationSeconds)
}

func IncRenderCycle(trigger string) {
	renderCyclesTotal.WithLabelValues(trigger).Inc()
}

func IncRasterResponse(outcome string) {
	rasterResponsesTotal.WithLabelValues(outcome).Inc()
}

func SetRasterPending(n int) {
	rasterPending.Set(float64(n))
}

func IncVectorFetch(outcome string) {
	vectorFetchesTotal.WithLabelValues(outcome).Inc()
}

func SetVectorPrimitives(layer string, n int) {
	vectorPrimitives.WithLabelValues(layer).Set(float64(n))
}

func IncHitEvent(outcome string) {
	hitEventsTotal.WithLabelValues(outcome).Inc()
}

func IncInvalidation(outcome string) {
	invalidationsTotal.WithLabelValues(outcome).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
