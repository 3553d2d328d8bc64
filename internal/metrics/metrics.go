package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var callBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 15000, 30000}

var (
	GatewayRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soilsense_gateway_requests_total",
		Help: "Total backend gateway calls by endpoint",
	}, []string{"endpoint"})
	GatewayFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soilsense_gateway_fail_total",
		Help: "Backend gateway failures by endpoint and kind (transport, backend, decode)",
	}, []string{"endpoint", "kind"})
	GatewayDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "soilsense_gateway_duration_ms",
		Help:    "Backend gateway call duration in milliseconds",
		Buckets: callBuckets,
	}, []string{"endpoint"})
	BackendUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "soilsense_backend_up",
		Help: "1 when the last health probe succeeded, 0 otherwise",
	})

	StaleResponsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soilsense_stale_responses_total",
		Help: "Responses dropped because a newer generation was current",
	}, []string{"call"})
	SessionOutcomeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soilsense_session_outcome_total",
		Help: "Settled analysis batches by final session state",
	}, []string{"state"})
	SubmitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soilsense_submit_total",
		Help: "Total analysis submissions",
	})

	GeocodeRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soilsense_geocode_requests_total",
		Help: "Total geocoding REST requests",
	})
	GeocodeFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soilsense_geocode_fail_total",
		Help: "Total geocoding REST failures",
	})
	GeocodeCacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soilsense_geocode_cache_hits_total",
		Help: "Geocoding cache hits by layer (lru, redis)",
	}, []string{"layer"})
	GeocodeDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "soilsense_geocode_duration_ms",
		Help:    "Geocoding REST call duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
	})
	SearchSupersededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "soilsense_search_superseded_total",
		Help: "Place searches discarded because a newer query was issued",
	})

	HistoryWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soilsense_history_writes_total",
		Help: "Analysis history writes by status (ok, error)",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(GatewayRequestsTotal)
	prometheus.MustRegister(GatewayFailTotal)
	prometheus.MustRegister(GatewayDurationMs)
	prometheus.MustRegister(BackendUp)
	prometheus.MustRegister(StaleResponsesTotal)
	prometheus.MustRegister(SessionOutcomeTotal)
	prometheus.MustRegister(SubmitTotal)
	prometheus.MustRegister(GeocodeRequestsTotal)
	prometheus.MustRegister(GeocodeFailTotal)
	prometheus.MustRegister(GeocodeCacheHitsTotal)
	prometheus.MustRegister(GeocodeDurationMs)
	prometheus.MustRegister(SearchSupersededTotal)
	prometheus.MustRegister(HistoryWritesTotal)
}

// 文档注释：返回 Prometheus 指标处理器，由主入口挂载到 {API_BASE}/metrics
func Handler() http.Handler { return promhttp.Handler() }
