package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/store"
)

var (
	batchesStoredDesc = prometheus.NewDesc(
		namespace+"_stored_batches",
		"Batches persisted in the store within the listing window.",
		nil, nil,
	)
	lastBatchAgeDesc = prometheus.NewDesc(
		namespace+"_last_batch_age_seconds",
		"Seconds since the most recent persisted batch completed.",
		nil, nil,
	)
	lastBatchPartialDesc = prometheus.NewDesc(
		namespace+"_last_batch_partial",
		"1 if the most recent persisted batch was partial.",
		nil, nil,
	)
)

// BatchLister is the slice of the store the collector reads.
type BatchLister interface {
	ListBatches(ctx context.Context, limit int) ([]store.BatchSummary, error)
}

// StoreCollector is a Prometheus collector that reads persisted batch
// history on each scrape, so batches written by other processes show up.
type StoreCollector struct {
	store  BatchLister
	window int
	now    func() time.Time
}

// NewStoreCollector creates a collector over the newest window batches.
func NewStoreCollector(st BatchLister, window int) *StoreCollector {
	if window <= 0 {
		window = 100
	}
	return &StoreCollector{store: st, window: window, now: time.Now}
}

// Describe sends the metric descriptors to the channel.
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- batchesStoredDesc
	ch <- lastBatchAgeDesc
	ch <- lastBatchPartialDesc
}

// Collect queries the store and emits gauges.
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batches, err := c.store.ListBatches(ctx, c.window)
	if err != nil {
		zap.L().Error("monitoring: list batches for metrics", zap.Error(err))
		return
	}

	ch <- prometheus.MustNewConstMetric(batchesStoredDesc, prometheus.GaugeValue, float64(len(batches)))
	if len(batches) == 0 {
		return
	}

	last := batches[0]
	ch <- prometheus.MustNewConstMetric(lastBatchAgeDesc, prometheus.GaugeValue, c.now().Sub(last.CompletedAt).Seconds())
	partial := 0.0
	if last.Partial {
		partial = 1
	}
	ch <- prometheus.MustNewConstMetric(lastBatchPartialDesc, prometheus.GaugeValue, partial)
}
