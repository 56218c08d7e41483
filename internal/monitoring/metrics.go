// Package monitoring exposes Prometheus metrics for ingestion and batches
// and raises webhook alerts when a batch looks degraded.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sells-group/prospect-cli/internal/model"
)

const namespace = "prospect"

// Metrics holds the Prometheus instruments updated by the engine.
type Metrics struct {
	SignalsIngested   *prometheus.CounterVec
	SignalsRejected   *prometheus.CounterVec
	Matches           *prometheus.CounterVec
	Batches           *prometheus.CounterVec
	BatchDuration     prometheus.Histogram
	LeadsByTier       *prometheus.GaugeVec
	Profiles          prometheus.Gauge
	CollectorFailures *prometheus.CounterVec
}

// NewMetrics creates the instruments and registers them on reg.
// A nil reg leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignalsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_ingested_total",
			Help:      "Signals admitted by the ingest path, by source and outcome.",
		}, []string{"source", "outcome"}),
		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_rejected_total",
			Help:      "Signals rejected during normalization, by reason.",
		}, []string{"reason"}),
		Matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_matches_total",
			Help:      "Signals folded into an existing profile, by match strategy.",
		}, []string{"strategy"}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Completed batch runs, by status.",
		}, []string{"status"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of a batch run.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		LeadsByTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_batch_leads",
			Help:      "Leads emitted by the most recent batch, by tier.",
		}, []string{"tier"}),
		Profiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "profiles",
			Help:      "Profiles held by the aggregator.",
		}),
		CollectorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collector_failures_total",
			Help:      "Collector runs that failed, by source.",
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SignalsIngested, m.SignalsRejected, m.Matches, m.Batches,
			m.BatchDuration, m.LeadsByTier, m.Profiles, m.CollectorFailures,
		)
	}
	return m
}

// ObserveIngest counts one ingest outcome ("admitted", "replayed").
func (m *Metrics) ObserveIngest(source model.SignalSource, outcome string) {
	if m == nil {
		return
	}
	m.SignalsIngested.WithLabelValues(string(source), outcome).Inc()
}

// ObserveReject counts one rejected signal.
func (m *Metrics) ObserveReject(reason string) {
	if m == nil {
		return
	}
	m.SignalsRejected.WithLabelValues(reason).Inc()
}

// ObserveMatch counts one dedup match.
func (m *Metrics) ObserveMatch(strategy string) {
	if m == nil {
		return
	}
	m.Matches.WithLabelValues(strategy).Inc()
}

// ObserveBatch records a finished batch. Status is "partial" when collection
// was cut short, "ok" otherwise.
func (m *Metrics) ObserveBatch(b *model.BatchResult, elapsed time.Duration) {
	if m == nil || b == nil {
		return
	}
	status := "ok"
	if b.Diagnostics.Partial {
		status = "partial"
	}
	m.Batches.WithLabelValues(status).Inc()
	m.BatchDuration.Observe(elapsed.Seconds())
	m.Profiles.Set(float64(b.Diagnostics.Profiles))

	counts := make(map[model.Tier]int, len(model.Tiers))
	for _, l := range b.Leads {
		counts[l.Tier]++
	}
	for _, t := range model.Tiers {
		m.LeadsByTier.WithLabelValues(string(t)).Set(float64(counts[t]))
	}
	for _, f := range b.Diagnostics.CollectorFailures {
		m.CollectorFailures.WithLabelValues(f.Source).Inc()
	}
}

// ObserveFailure counts a batch that aborted before producing a result.
func (m *Metrics) ObserveFailure() {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues("failed").Inc()
}
