// Package metrics wires github.com/prometheus/client_golang into the
// runtime's invocation and cache paths. Grounded on
// app/plugin_lifecycle.go's metricsGathererProvider type-assertion pattern
// in the teacher: a component that exposes MetricsGatherer() is
// auto-registered, rather than every metric being declared centrally.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Gatherer is the optional refinement a plugin definition, or any other
// value handed to RegisterGatherer, may implement to contribute its own
// Prometheus collectors. The runtime façade type-asserts the plugin
// definition for this on every successful initialization when a Registry
// is attached (SPEC_FULL.md section 4, "Metrics gatherer registration").
type Gatherer interface {
	MetricsGatherer() prometheus.Gatherer
}

// Registry bundles the runtime-level Prometheus counters/histograms
// alongside a registerer that plugin-contributed gatherers attach to.
type Registry struct {
	reg *prometheus.Registry

	mu    sync.Mutex
	extra []prometheus.Gatherer

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	Initializations prometheus.Counter
	InitializeFailures prometheus.Counter
	ProcedureCalls *prometheus.CounterVec
	StreamItems    *prometheus.CounterVec
}

// New builds a Registry with the runtime's own collectors pre-registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowplug_runtime_cache_hits_total",
			Help: "Cache lookups that found a live initialized plugin.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowplug_runtime_cache_misses_total",
			Help: "Cache lookups that required a fresh initialization.",
		}),
		Initializations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowplug_runtime_initializations_total",
			Help: "Successful plugin initializations.",
		}),
		InitializeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowplug_runtime_initialize_failures_total",
			Help: "Failed plugin initializations.",
		}),
		ProcedureCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowplug_runtime_procedure_calls_total",
			Help: "Procedure invocations by plugin id and procedure name.",
		}, []string{"plugin_id", "procedure"}),
		StreamItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowplug_runtime_stream_items_total",
			Help: "Items emitted by streaming subscriptions.",
		}, []string{"plugin_id", "procedure"}),
	}
	reg.MustRegister(m.CacheHits, m.CacheMisses, m.Initializations, m.InitializeFailures, m.ProcedureCalls, m.StreamItems)
	return m
}

// RegisterGatherer attaches a plugin-contributed Gatherer's collectors,
// identified via a type assertion against whatever value the loader/router
// layer hands back (the "supplemented feature" named in SPEC_FULL.md
// section 4). Candidates that do not implement Gatherer, or whose
// MetricsGatherer() returns nil, are silently skipped.
func (m *Registry) RegisterGatherer(candidate any) {
	g, ok := candidate.(Gatherer)
	if !ok {
		return
	}
	gatherer := g.MetricsGatherer()
	if gatherer == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extra = append(m.extra, gatherer)
}

// Gatherers returns the runtime's own registry alongside any
// plugin-contributed ones recorded via RegisterGatherer, suitable for an
// HTTP /metrics handler the host application wires up (outside this
// package's scope, per spec section 1).
func (m *Registry) Gatherers() prometheus.Gatherer {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := prometheus.Gatherers{m.reg}
	all = append(all, m.extra...)
	return all
}
