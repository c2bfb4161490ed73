// Package metrics exposes Prometheus instrumentation for the askdb service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors shared across the agent and server.
type Metrics struct {
	QuestionsTotal  *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	SQLExecutions   *prometheus.CounterVec
	GeminiCalls     *prometheus.CounterVec
	SchemaCacheHits *prometheus.CounterVec
}

// New registers and returns the askdb collectors on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use their own
// registry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		QuestionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "askdb_questions_total",
			Help: "Questions processed, labeled by outcome.",
		}, []string{"outcome"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "askdb_stage_duration_seconds",
			Help:    "Time spent in each stage of answering a question.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),

		SQLExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "askdb_sql_executions_total",
			Help: "SQL statements executed against user databases, labeled by driver and result.",
		}, []string{"driver", "result"}),

		GeminiCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "askdb_gemini_calls_total",
			Help: "Gemini API calls, labeled by operation and result.",
		}, []string{"operation", "result"}),

		SchemaCacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "askdb_schema_cache_total",
			Help: "Schema cache lookups, labeled by outcome (hit or miss).",
		}, []string{"outcome"}),
	}
}
