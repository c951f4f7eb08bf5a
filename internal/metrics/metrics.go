package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ProviderCalls        *prometheus.CounterVec
	ProviderLatency      *prometheus.HistogramVec
	Fallbacks            *prometheus.CounterVec
	CredentialSelections *prometheus.CounterVec
	SearchRequests       *prometheus.CounterVec
	KnowledgeHits        prometheus.Counter
	Summaries            *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(
			global.ProviderCalls,
			global.ProviderLatency,
			global.Fallbacks,
			global.CredentialSelections,
			global.SearchRequests,
			global.KnowledgeHits,
			global.Summaries,
		)
	})
	return global
}

// New builds an unregistered set, for tests and custom registries.
func New() *Metrics {
	return &Metrics{
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bredai",
			Name:      "provider_calls_total",
			Help:      "Provider calls by provider and outcome (ok, timeout, rate_limited, error)",
		}, []string{"provider", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bredai",
			Name:      "provider_call_seconds",
			Help:      "Latency of provider calls that settled before the timeout",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"provider"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bredai",
			Name:      "fallbacks_total",
			Help:      "Fallback hops by origin provider, target provider and reason",
		}, []string{"from", "to", "reason"}),
		CredentialSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bredai",
			Name:      "credential_selections_total",
			Help:      "Credential selections by provider and result (selected, exhausted)",
		}, []string{"provider", "result"}),
		SearchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bredai",
			Name:      "web_search_total",
			Help:      "Web search side-calls by result (results, empty, quota, error, skipped)",
		}, []string{"result"}),
		KnowledgeHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bredai",
			Name:      "knowledge_hits_total",
			Help:      "Messages enriched with in-app help chunks",
		}),
		Summaries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bredai",
			Name:      "session_summaries_total",
			Help:      "Session summarization attempts by result (ok, error)",
		}, []string{"result"}),
	}
}
