// Package metrics exposes Prometheus collectors for login, cache, upstream and
// queue activity. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "teleboy"

type Metrics struct {
	reg *prometheus.Registry

	loginOutcomes *prometheus.CounterVec
	connected     prometheus.Gauge
	cacheLookups  *prometheus.CounterVec
	upstream      *prometheus.CounterVec
	queueDepth    prometheus.Gauge
	jobs          *prometheus.CounterVec
	refreshes     prometheus.Counter
	cacheSwept    prometheus.Counter
}

// New registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		loginOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "login_attempts_total",
			Help: "Login attempts by classified outcome.",
		}, []string{"outcome"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "session_connected",
			Help: "1 while the session is connected.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_lookups_total",
			Help: "Response cache lookups by result.",
		}, []string{"result"}),
		upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "upstream_requests_total",
			Help: "Upstream requests by classified outcome.",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "epg_queue_depth",
			Help: "Pending EPG work items.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "epg_jobs_total",
			Help: "Processed EPG work items by result.",
		}, []string{"result"}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bulk_refreshes_total",
			Help: "Bulk refreshes fired.",
		}),
		cacheSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_swept_entries_total",
			Help: "Expired cache entries removed by the sweep.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.loginOutcomes, m.connected, m.cacheLookups, m.upstream,
		m.queueDepth, m.jobs, m.refreshes, m.cacheSwept,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) LoginOutcome(outcome string) {
	if m == nil {
		return
	}
	m.loginOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.cacheLookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) Upstream(outcome string) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Job(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.jobs.WithLabelValues("ok").Inc()
	} else {
		m.jobs.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) Refresh() {
	if m == nil {
		return
	}
	m.refreshes.Inc()
}

func (m *Metrics) Swept(n int) {
	if m == nil {
		return
	}
	m.cacheSwept.Add(float64(n))
}
