package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

const namespace = "softphone"

type PrometheusMetrics struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}

	pm.registerMetrics()

	return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
	// Counters
	pm.counters["calls_total"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Finished calls by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	pm.counters["calls_unclassified_total"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_unclassified_total",
			Help:      "Calls that ended without a matching outcome rule",
		},
		[]string{},
	)

	pm.counters["engine_events_total"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_events_total",
			Help:      "Engine notifications processed by type",
		},
		[]string{"type"},
	)

	pm.counters["commands_total"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Consumer commands by name and result",
		},
		[]string{"command", "result"},
	)

	pm.counters["snapshots_dropped_total"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_dropped_total",
			Help:      "Snapshots not delivered to slow subscribers",
		},
		[]string{},
	)

	pm.counters["integration_errors_total"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integration_errors_total",
			Help:      "Failed deliveries to external integrations",
		},
		[]string{"integration"},
	)

	// Histograms
	pm.histograms["call_duration_seconds"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Connected time of answered calls",
			Buckets:   []float64{5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"direction"},
	)

	// Gauges
	pm.gauges["active_calls"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Current number of call sessions",
		},
		[]string{},
	)

	pm.gauges["account_registrations"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "account_registrations",
			Help:      "Accounts per registration state",
		},
		[]string{"state"},
	)

	for _, counter := range pm.counters {
		pm.registry.MustRegister(counter)
	}
	for _, histogram := range pm.histograms {
		pm.registry.MustRegister(histogram)
	}
	for _, gauge := range pm.gauges {
		pm.registry.MustRegister(gauge)
	}
	pm.registry.MustRegister(collectors.NewGoCollector())
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
	if counter, exists := pm.counters[name]; exists {
		counter.With(prometheus.Labels(labels)).Inc()
	}
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	if histogram, exists := pm.histograms[name]; exists {
		histogram.With(prometheus.Labels(labels)).Observe(value)
	}
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
	if gauge, exists := pm.gauges[name]; exists {
		if labels == nil {
			labels = make(map[string]string)
		}
		gauge.With(prometheus.Labels(labels)).Set(value)
	}
}

// RegisterCounterFunc exposes a monotonic value owned by another component.
func (pm *PrometheusMetrics) RegisterCounterFunc(name, help string, fn func() float64) {
	pm.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// RegisterGaugeFunc exposes a value sampled at scrape time.
func (pm *PrometheusMetrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	pm.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler exposes the registry in the Prometheus text format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", pm.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.WithField("addr", addr).Info("Metrics server started")
	return http.ListenAndServe(addr, mux)
}
