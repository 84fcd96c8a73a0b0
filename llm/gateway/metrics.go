package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's counters. All methods are nil-receiver safe so
// callers that do not care about metrics pass nil and move on.
type Metrics struct {
	chatRequests    *prometheus.CounterVec
	modelRefreshes  *prometheus.CounterVec
	modelCacheHits  prometheus.Counter
	retryableErrors prometheus.Counter
}

// NewMetrics registers the gateway counters on reg. A nil registerer leaves
// the counters unregistered but still usable.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		chatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "gateway",
			Name:      "chat_requests_total",
			Help:      "Chat stream opens by provider and outcome.",
		}, []string{"provider", "outcome"}),
		modelRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "gateway",
			Name:      "model_refreshes_total",
			Help:      "Model catalog refreshes by provider and outcome.",
		}, []string{"provider", "outcome"}),
		modelCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "gateway",
			Name:      "model_cache_hits_total",
			Help:      "Model lookups served without a network call.",
		}),
		retryableErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "gateway",
			Name:      "retryable_errors_total",
			Help:      "Errors classified as retryable.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.chatRequests, m.modelRefreshes, m.modelCacheHits, m.retryableErrors)
	}
	return m
}

func (m *Metrics) chatRequest(provider, outcome string) {
	if m == nil {
		return
	}
	m.chatRequests.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) modelRefresh(provider, outcome string) {
	if m == nil {
		return
	}
	m.modelRefreshes.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) modelCacheHit() {
	if m == nil {
		return
	}
	m.modelCacheHits.Inc()
}

func (m *Metrics) retryableError() {
	if m == nil {
		return
	}
	m.retryableErrors.Inc()
}
