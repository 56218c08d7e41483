package monitoring

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
)

func zapNop() *zap.Logger { return zap.NewNop() }

func TestStoreCollector_LastBatch(t *testing.T) {
	completed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	newest := healthyBatch(2)
	newest.ID = "b2"
	newest.CompletedAt = completed
	newest.Diagnostics.Partial = true
	older := healthyBatch(1)
	older.CompletedAt = completed.Add(-time.Hour)

	c := NewStoreCollector(&mockBatches{batches: []*model.BatchResult{newest, older}}, 10)
	c.now = func() time.Time { return completed.Add(90 * time.Second) }

	expected := `
# HELP prospect_last_batch_age_seconds Seconds since the most recent persisted batch completed.
# TYPE prospect_last_batch_age_seconds gauge
prospect_last_batch_age_seconds 90
# HELP prospect_last_batch_partial 1 if the most recent persisted batch was partial.
# TYPE prospect_last_batch_partial gauge
prospect_last_batch_partial 1
# HELP prospect_stored_batches Batches persisted in the store within the listing window.
# TYPE prospect_stored_batches gauge
prospect_stored_batches 2
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}

func TestStoreCollector_Empty(t *testing.T) {
	c := NewStoreCollector(&mockBatches{}, 0)
	assert.Equal(t, 100, c.window)
	assert.Equal(t, 1, testutil.CollectAndCount(c))
}

func TestStoreCollector_ListError(t *testing.T) {
	c := NewStoreCollector(&mockBatches{listErr: assert.AnError}, 10)
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}

func TestMetrics_ObserveBatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	b := healthyBatch(3)
	b.Leads[0].Tier = model.TierP0
	b.Diagnostics.CollectorFailures = []model.CollectorFailure{{Source: "ads"}}
	m.ObserveBatch(b, 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LeadsByTier.WithLabelValues("P0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LeadsByTier.WithLabelValues("P1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LeadsByTier.WithLabelValues("P3")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.Profiles))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Batches.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CollectorFailures.WithLabelValues("ads")))

	b.Diagnostics.Partial = true
	m.ObserveBatch(b, time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Batches.WithLabelValues("partial")))

	m.ObserveFailure()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Batches.WithLabelValues("failed")))

	n, err := testutil.GatherAndCount(reg, "prospect_batch_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_IngestCounters(t *testing.T) {
	m := NewMetrics(nil)
	m.ObserveIngest(model.SourceAdPlatform, "admitted")
	m.ObserveIngest(model.SourceAdPlatform, "admitted")
	m.ObserveIngest(model.SourceTechScan, "replayed")
	m.ObserveReject("missing_name")
	m.ObserveMatch("domain")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SignalsIngested.WithLabelValues("ad_platform", "admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignalsIngested.WithLabelValues("tech_scan", "replayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignalsRejected.WithLabelValues("missing_name")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Matches.WithLabelValues("domain")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveIngest(model.SourceAdPlatform, "admitted")
	m.ObserveReject("x")
	m.ObserveMatch("x")
	m.ObserveBatch(&model.BatchResult{}, time.Second)
	m.ObserveFailure()
}
