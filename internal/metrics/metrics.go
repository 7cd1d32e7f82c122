// Package metrics exposes Prometheus counters for webhook processing
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "timerules"

// Metrics owns a registry so tests and multiple servers never collide on
// the global one
type Metrics struct {
	registry *prometheus.Registry

	webhooks     *prometheus.CounterVec
	authFailures *prometheus.CounterVec
	duplicates   prometheus.Counter
	ruleMatches  prometheus.Counter
	actions      *prometheus.CounterVec
	rateLimited  prometheus.Counter
	cacheLoads   *prometheus.CounterVec
	loadDuration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Processed webhook deliveries by outcome status",
		}, []string{"status"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected webhook deliveries by reason",
		}, []string{"reason"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_events_total",
			Help:      "Redelivered events skipped",
		}),
		ruleMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_matches_total",
			Help:      "Rules matched by incoming events",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Executed actions by type and outcome",
		}, []string{"type", "outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Outbound calls that exhausted the workspace budget",
		}),
		cacheLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_cache_loads_total",
			Help:      "Rule cache loads from the repository by result",
		}, []string{"result"}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_cache_load_seconds",
			Help:      "Duration of rule cache loads",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.webhooks, m.authFailures, m.duplicates, m.ruleMatches,
		m.actions, m.rateLimited, m.cacheLoads, m.loadDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the counters live in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) WebhookProcessed(status string) {
	m.webhooks.WithLabelValues(status).Inc()
}

func (m *Metrics) AuthFailed(reason string) {
	m.authFailures.WithLabelValues(authReason(reason)).Inc()
}

func (m *Metrics) DuplicateSkipped() {
	m.duplicates.Inc()
}

func (m *Metrics) RulesMatched(n int) {
	m.ruleMatches.Add(float64(n))
}

func (m *Metrics) ActionExecuted(actionType, outcome string) {
	m.actions.WithLabelValues(actionType, outcome).Inc()
}

// RateLimited counts a call refused by the outbound governor
func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}

// CacheLoaded matches multitenantengine.LoadObserver
func (m *Metrics) CacheLoaded(workspaceID string, rules int, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cacheLoads.WithLabelValues(result).Inc()
	m.loadDuration.Observe(d.Seconds())
}

// authReason keeps label cardinality bounded: free-form verifier messages
// collapse to their verifier prefix
func authReason(reason string) string {
	for i := 0; i < len(reason); i++ {
		if reason[i] == ':' {
			return reason[:i]
		}
	}
	if len(reason) > 40 {
		return "other"
	}
	return reason
}
