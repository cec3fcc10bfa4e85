package main

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var serverStartTime = time.Now()

// HTTP metrics
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "HTTP requests by route pattern and status code.",
		},
		[]string{"route", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration)
}

// relayCounter is satisfied by *relaypool.Pool.
type relayCounter interface {
	ConnectedCount() int
	Endpoints() []string
}

// backends names the adapters chosen at startup for the build info metric.
type backends struct {
	store string
	cache string
	queue string
}

// registerProcessMetrics exposes pool state and build information. It is
// called once from main.
func registerProcessMetrics(pool relayCounter, b backends) {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "bridge_relays_connected",
			Help: "Relays with an open connection.",
		}, func() float64 { return float64(pool.ConnectedCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "bridge_relays_total",
			Help: "Configured relay endpoints.",
		}, func() float64 { return float64(len(pool.Endpoints())) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "bridge_process_uptime_seconds",
			Help: "Time since process started.",
		}, func() float64 { return time.Since(serverStartTime).Seconds() }),
	)

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_build_info",
		Help: "Build and configuration information.",
	}, []string{"store_backend", "cache_backend", "queue_backend", "go_version"})
	prometheus.MustRegister(buildInfo)
	buildInfo.WithLabelValues(b.store, b.cache, b.queue, runtime.Version()).Set(1)
}
