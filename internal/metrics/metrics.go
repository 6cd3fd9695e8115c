// Package metrics exposes the miner's Prometheus metrics. Grounded on the
// teacher's coopmine/metrics/metrics.go (registry-per-process, namespaced
// gauges/counters/histograms, a promhttp handler) narrowed to the
// single-process mining pipeline's own surface rather than the cluster's.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the miner publishes.
type Metrics struct {
	HashRate        prometheus.Gauge
	CandidatesTotal prometheus.Counter
	TemplatesTotal  prometheus.Counter
	Height          prometheus.Gauge
	RPCLatency      *prometheus.HistogramVec
	RPCReconnects   prometheus.Counter
	KeyRotations    *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers every collector under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "rxminer"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.HashRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hashrate",
		Help:      "Realized RandomX hash rate in hashes per second.",
	})

	m.CandidatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "candidates_total",
		Help:      "Total number of candidate hashes clearing the difficulty threshold.",
	})

	m.TemplatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "templates_total",
		Help:      "Total number of block templates installed.",
	})

	m.Height = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "chain_height",
		Help:      "Last observed chain height.",
	})

	m.RPCLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rpc_latency_seconds",
		Help:      "Node JSON-RPC round trip latency in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
	}, []string{"method"})

	m.RPCReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_reconnects_total",
		Help:      "Total number of node connection re-establishments.",
	})

	m.KeyRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_rotations_total",
		Help:      "Total number of RandomX key rotations, by protocol used.",
	}, []string{"protocol"}) // protocol: eager, quiescent

	m.registry.MustRegister(
		m.HashRate,
		m.CandidatesTotal,
		m.TemplatesTotal,
		m.Height,
		m.RPCLatency,
		m.RPCReconnects,
		m.KeyRotations,
	)

	return m
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveRPCLatency records one RPC call's round trip time.
func (m *Metrics) ObserveRPCLatency(method string, seconds float64) {
	m.RPCLatency.WithLabelValues(method).Observe(seconds)
}

// RecordKeyRotation increments the rotation counter for the given protocol
// ("eager" or "quiescent").
func (m *Metrics) RecordKeyRotation(protocol string) {
	m.KeyRotations.WithLabelValues(protocol).Inc()
}

// Serve starts a blocking HTTP server exposing /metrics and /health on addr.
func Serve(addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return http.ListenAndServe(addr, mux)
}
