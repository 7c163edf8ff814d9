package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Preview outcome label values.
const (
	OutcomeOK          = "ok"
	OutcomePluginError = "plugin_error"
	OutcomeTimeout     = "timeout"
	OutcomeCrash       = "crash"
	OutcomeBusy        = "busy"
	OutcomeUnavailable = "unavailable"
)

// Handshake outcome label values.
const (
	HandshakeOK           = "ok"
	HandshakeRejected     = "rejected"
	HandshakeTimeout      = "timeout"
	HandshakeIncompatible = "incompatible"
	HandshakeError        = "error"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	PreviewsTotal   *prometheus.CounterVec
	PreviewDuration *prometheus.HistogramVec
	HandshakesTotal *prometheus.CounterVec
	CrashesTotal    *prometheus.CounterVec
	RespawnsTotal   *prometheus.CounterVec
	PluginsReady    prometheus.Gauge
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
}

// New creates the instruments and registers them on registry. A nil registry
// leaves them unregistered, which is what tests want.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		PreviewsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiorg_plugin_previews_total",
				Help: "Preview requests dispatched to plugins, by outcome",
			},
			[]string{"plugin", "outcome"},
		),
		PreviewDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiorg_plugin_preview_duration_seconds",
				Help:    "Wall time of preview round trips",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"plugin"},
		),
		HandshakesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiorg_plugin_handshakes_total",
				Help: "Handshake attempts, by outcome",
			},
			[]string{"outcome"},
		),
		CrashesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiorg_plugin_crashes_total",
				Help: "Unexpected plugin exits, protocol faults, and timeouts",
			},
			[]string{"plugin"},
		),
		RespawnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiorg_plugin_respawns_total",
				Help: "Respawn attempts after crashes",
			},
			[]string{"plugin"},
		),
		PluginsReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kiorg_plugins_ready",
				Help: "Plugins currently in the Ready state",
			},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kiorg_preview_cache_hits_total",
				Help: "Previews served from the result cache",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kiorg_preview_cache_misses_total",
				Help: "Previews that had to be dispatched",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.PreviewsTotal,
			m.PreviewDuration,
			m.HandshakesTotal,
			m.CrashesTotal,
			m.RespawnsTotal,
			m.PluginsReady,
			m.CacheHits,
			m.CacheMisses,
		)
	}

	return m
}

// ObservePreview records one dispatched preview.
func (m *Metrics) ObservePreview(plugin, outcome string, elapsed time.Duration) {
	m.PreviewsTotal.WithLabelValues(plugin, outcome).Inc()
	m.PreviewDuration.WithLabelValues(plugin).Observe(elapsed.Seconds())
}

// Serve exposes registry on addr until the server fails. Callers run it in
// a goroutine; engine operation never depends on it.
func Serve(addr string, registry *prometheus.Registry, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	log.WithField("addr", addr).Info("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics listener stopped")
	}
}
