// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/permit-leads/internal/model"
)

// Namespace prefixes every metric name.
const Namespace = "permit_leads"

// Metrics holds the pipeline collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	InputTotal     prometheus.Counter
	RejectsTotal   *prometheus.CounterVec
	DiscardsTotal  *prometheus.CounterVec
	TierTotal      *prometheus.CounterVec
	ExportedTotal  prometheus.Counter
	RunsTotal      *prometheus.CounterVec
	OracleCalls    *prometheus.CounterVec
	OracleDuration prometheus.Histogram
	OracleCostUSD  prometheus.Counter
	RetryQueue     *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry, along with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		InputTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "input_total",
			Help:      "Raw records read into the pipeline",
		}),
		RejectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rejects_total",
			Help:      "Raw records rejected by the normalizer",
		}, []string{"reason"}),
		DiscardsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "discards_total",
			Help:      "Merged leads discarded by the pre-score filter",
		}, []string{"reason"}),
		TierTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tier_total",
			Help:      "Scored leads by tier and scoring method",
		}, []string{"tier", "method"}),
		ExportedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "exported_total",
			Help:      "Leads written to export buckets",
		}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by status",
		}, []string{"status"}),
		OracleCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "oracle_calls_total",
			Help:      "Classification calls by outcome",
		}, []string{"outcome"}),
		OracleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "oracle_call_duration_seconds",
			Help:      "Latency of classification calls",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		OracleCostUSD: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "oracle_cost_usd_total",
			Help:      "Estimated classification spend in USD",
		}),
		RetryQueue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "retry_queue_entries",
			Help:      "Retry queue depth by state",
		}, []string{"state"}),
	}
}

// ObserveOracle records one classification call.
func (m *Metrics) ObserveOracle(outcome string, elapsed time.Duration) {
	m.OracleCalls.WithLabelValues(outcome).Inc()
	m.OracleDuration.Observe(elapsed.Seconds())
}

// RecordRun adds a finished run's frozen stats to the counters.
func (m *Metrics) RecordRun(status model.RunStatus, s model.RunStats) {
	m.RunsTotal.WithLabelValues(string(status)).Inc()
	m.InputTotal.Add(float64(s.TotalInput))
	for reason, n := range s.RejectReasons {
		m.RejectsTotal.WithLabelValues(reason).Add(float64(n))
	}
	for reason, n := range s.DiscardReasons {
		m.DiscardsTotal.WithLabelValues(reason).Add(float64(n))
	}
	m.ExportedTotal.Add(float64(s.Exported))
	m.OracleCostUSD.Add(s.OracleCostUSD)
}

// ObserveLead counts one classified lead.
func (m *Metrics) ObserveLead(l model.ScoredLead) {
	m.TierTotal.WithLabelValues(string(l.Tier), string(l.ScoringMethod)).Inc()
}

// SetRetryQueue publishes the current queue depth.
func (m *Metrics) SetRetryQueue(pending, due, exhausted int) {
	m.RetryQueue.WithLabelValues("pending").Set(float64(pending))
	m.RetryQueue.WithLabelValues("due").Set(float64(due))
	m.RetryQueue.WithLabelValues("exhausted").Set(float64(exhausted))
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
