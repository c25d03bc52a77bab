// Package metrics exposes canaryd's Prometheus instruments. A single Set
// is built at startup, shared by the subsystems, and scraped at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "canaryd"

// Set bundles the registry with every instrument the daemon records to.
type Set struct {
	registry *prometheus.Registry

	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	ChainAppends      prometheus.Counter
	ChainSeq          prometheus.Gauge
	ChainVerifyFails  prometheus.Counter
	ExportsStarted    prometheus.Counter
	ExportsCompleted  prometheus.Counter
	EventsLogged      *prometheus.CounterVec
	MeshPeers         prometheus.Gauge
	MeshAlertsSent    prometheus.Counter
	MeshAlertsRecv    prometheus.Counter
	ChirpsSent        prometheus.Counter
	ChirpsReceived    prometheus.Counter
	ChirpsRelayed     prometheus.Counter
	WifiRSSI          prometheus.Gauge
	PreviewFramesSent prometheus.Counter
	TempCelsius       prometheus.Gauge
}

// New builds the instrument set on a fresh registry.
func New() *Set {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Set{registry: reg}

	s.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests served, by method, route and status class.",
	}, []string{"method", "route", "status"})

	s.HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	s.ChainAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_appends_total",
		Help:      "Records appended to the witness chain.",
	})

	s.ChainSeq = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "chain_seq",
		Help:      "Sequence number of the chain tip.",
	})

	s.ChainVerifyFails = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_verify_failures_total",
		Help:      "Chain verification failures observed.",
	})

	s.ExportsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exports_started_total",
		Help:      "Export jobs started.",
	})

	s.ExportsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "exports_completed_total",
		Help:      "Export jobs completed successfully.",
	})

	s.EventsLogged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_logged_total",
		Help:      "Operational events appended, by level.",
	}, []string{"level"})

	s.MeshPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mesh_peers",
		Help:      "Paired mesh peers in the table.",
	})

	s.MeshAlertsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mesh_alerts_sent_total",
		Help:      "Mesh alerts broadcast by this device.",
	})

	s.MeshAlertsRecv = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mesh_alerts_received_total",
		Help:      "Mesh alerts accepted from peers.",
	})

	s.ChirpsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chirps_sent_total",
		Help:      "Chirps broadcast by this device.",
	})

	s.ChirpsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chirps_received_total",
		Help:      "Chirps accepted from nearby devices.",
	})

	s.ChirpsRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chirps_relayed_total",
		Help:      "Validated chirps re-broadcast.",
	})

	s.WifiRSSI = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "wifi_rssi_dbm",
		Help:      "Signal strength of the uplink, dBm.",
	})

	s.PreviewFramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "preview_frames_sent_total",
		Help:      "Camera preview frames delivered to the subscriber.",
	})

	s.TempCelsius = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "temperature_celsius",
		Help:      "Die temperature.",
	})

	reg.MustRegister(
		s.HTTPRequests, s.HTTPDuration,
		s.ChainAppends, s.ChainSeq, s.ChainVerifyFails,
		s.ExportsStarted, s.ExportsCompleted,
		s.EventsLogged,
		s.MeshPeers, s.MeshAlertsSent, s.MeshAlertsRecv,
		s.ChirpsSent, s.ChirpsReceived, s.ChirpsRelayed,
		s.WifiRSSI, s.PreviewFramesSent, s.TempCelsius,
	)

	return s
}

// Handler serves the registry in Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (s *Set) Registry() *prometheus.Registry {
	return s.registry
}
