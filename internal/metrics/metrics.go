// Package metrics holds the prometheus collectors shared by the hook bus,
// the manager and the admin API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pluginhost"

// Metrics is a set of collectors bound to a private registry so that tests
// can build independent instances.
type Metrics struct {
	registry *prometheus.Registry

	HookPublishes    *prometheus.CounterVec
	ListenerFailures *prometheus.CounterVec
	PluginLoads      *prometheus.CounterVec
	PluginsLoaded    prometheus.Gauge
	Installs         *prometheus.CounterVec
	StorageFlushes   prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HookPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hooks",
			Name:      "published_total",
			Help:      "Number of events published per hook.",
		}, []string{"hook"}),
		ListenerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hooks",
			Name:      "listener_failures_total",
			Help:      "Number of listener invocations that returned an error or panicked.",
		}, []string{"hook"}),
		PluginLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "loads_total",
			Help:      "Plugin load attempts by result.",
		}, []string{"result"}),
		PluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "loaded",
			Help:      "Number of currently loaded plugins.",
		}),
		Installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "installs_total",
			Help:      "Plugin install attempts by result.",
		}, []string{"result"}),
		StorageFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "flushes_total",
			Help:      "Number of storage records written to disk.",
		}),
	}

	m.registry.MustRegister(
		m.HookPublishes,
		m.ListenerFailures,
		m.PluginLoads,
		m.PluginsLoaded,
		m.Installs,
		m.StorageFlushes,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
