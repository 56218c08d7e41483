package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/collect"
	"github.com/sells-group/prospect-cli/internal/dedup"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/rules"
	"github.com/sells-group/prospect-cli/internal/store"
)

func newSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "prospect.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func static(signals ...model.RawSignal) []collect.Collector {
	return []collect.Collector{collect.NewStatic("static", signals)}
}

func TestRunBatch_SameEntityFoldsIntoOneProfile(t *testing.T) {
	e := newTestEngine(t)

	b, err := e.RunBatch(context.Background(), static(
		plumbingAd("X", "Acme Plumbing", "toronto", daysAgo(5)),
		plumbingAd("X", "  ACME   plumbing ", "toronto", daysAgo(2)),
	), BatchOptions{AsOf: asOf})
	require.NoError(t, err)

	profiles := e.Profiles()
	require.Len(t, profiles, 1)
	assert.Len(t, profiles[0].Signals, 2)

	d := b.Diagnostics
	assert.Equal(t, 2, d.SignalsReceived)
	assert.Equal(t, 2, d.SignalsIngested)
	assert.Equal(t, 1, d.DuplicatesFolded)
	assert.Equal(t, 1, d.MatchesByStrategy[dedup.StrategyPlatformID])
	assert.Equal(t, 1, d.Profiles)

	require.Len(t, b.Leads, 1)
	lead := b.Leads[0]
	assert.Equal(t, "pid:X", lead.EntityKey.ID())
	assert.Equal(t, 1, lead.RankWithinBatch)
	assert.Equal(t, asOf, lead.GeneratedAt)
	assert.Equal(t, asOf, b.AsOf)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, e.Config().EngineHash(), b.ConfigHash)
}

func TestRunBatch_PersonalListingExcluded(t *testing.T) {
	e := newTestEngine(t)

	listing := model.RawSignal{
		Source:           model.SourceAdPlatform,
		PlatformEntityID: "page-991",
		RawName:          "Ford 250 Bigfoot Truck+Camper - $28,000",
		Geography:        "toronto",
		VerticalHint:     "auto_glass",
		ObservedAt:       daysAgo(3),
	}
	shop := model.RawSignal{
		Source:           model.SourceAdPlatform,
		PlatformEntityID: "g1",
		RawName:          "Speedy Glass",
		Geography:        "toronto",
		VerticalHint:     "auto_glass",
		ObservedAt:       daysAgo(2),
		Payload: model.SignalPayload{
			SpendLow:      2000,
			SpendHigh:     3000,
			Currency:      "USD",
			CreativeCount: 3,
			CreativeText:  []string{"Windshield replacement same day", "Rock chip repair"},
		},
	}

	b, err := e.RunBatch(context.Background(), static(listing, shop), BatchOptions{AsOf: asOf})
	require.NoError(t, err)

	for _, l := range b.Leads {
		assert.NotEqual(t, "pid:page-991", l.EntityKey.ID())
	}
	require.Len(t, b.Leads, 1)
	assert.Equal(t, "auto_glass", b.Leads[0].ProfileSnapshot.Vertical)

	require.Len(t, b.Diagnostics.Unclassified, 1)
	u := b.Diagnostics.Unclassified[0]
	assert.Equal(t, "pid:page-991", u.EntityKey)
	assert.Equal(t, "auto_glass", u.Hint)
	assert.Equal(t, model.VerticalReasonNonBusiness, u.Reason)
	assert.Equal(t, 1, b.Diagnostics.CandidatesScored)
}

func TestRunBatch_RerunIsIdempotent(t *testing.T) {
	st := newSQLite(t)
	e := newTestEngine(t, WithStore(st))
	collectors := static(
		plumbingAd("X", "Acme Plumbing", "toronto", daysAgo(9)),
		plumbingAd("X", "Acme Plumbing", "toronto", daysAgo(4)),
		plumbingAd("Y", "Northside Drains", "ottawa", daysAgo(1)),
	)

	first, err := e.RunBatch(context.Background(), collectors, BatchOptions{AsOf: asOf})
	require.NoError(t, err)
	second, err := e.RunBatch(context.Background(), collectors, BatchOptions{AsOf: asOf})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Leads, second.Leads)
	assert.Equal(t, 3, second.Diagnostics.SignalsReplayed)
	assert.Zero(t, second.Diagnostics.SignalsIngested)
	assert.Equal(t, 2, e.Stats().Profiles)

	batches, err := st.ListBatches(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, batches, 2)

	signals, err := st.LoadSignals(context.Background())
	require.NoError(t, err)
	assert.Len(t, signals, 3)
}

func TestRunBatch_RestoreRebuildsState(t *testing.T) {
	st := newSQLite(t)
	e := newTestEngine(t, WithStore(st))
	_, err := e.RunBatch(context.Background(), static(
		plumbingAd("X", "Acme Plumbing", "toronto", daysAgo(9)),
		plumbingAd("X", "Acme Plumbing", "toronto", daysAgo(4)),
		plumbingAd("Y", "Northside Drains", "ottawa", daysAgo(1)),
	), BatchOptions{AsOf: asOf})
	require.NoError(t, err)

	restarted := newTestEngine(t, WithStore(st))
	d, err := restarted.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, d.SignalsIngested)

	before, after := e.Profiles(), restarted.Profiles()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Len(t, after[i].Signals, len(before[i].Signals))
	}

	again, err := restarted.RunBatch(context.Background(), nil, BatchOptions{AsOf: asOf})
	require.NoError(t, err)
	assert.Len(t, again.Leads, 2)
}

func TestRunBatch_NoDuplicateOutput(t *testing.T) {
	cfg := testConfig(t)
	cfg.Quotas.DefaultVerticalCap = 0
	e, err := New(cfg, rules.Default(), WithClock(func() time.Time { return asOf }))
	require.NoError(t, err)

	var signals []model.RawSignal
	for i := 0; i < 12; i++ {
		pid := fmt.Sprintf("p%02d", i)
		geo := fmt.Sprintf("city-%02d", i)
		signals = append(signals,
			plumbingAd(pid, "Acme Plumbing", geo, daysAgo(20+i)),
			plumbingAd(pid, "Acme Plumbing", geo, daysAgo(i)),
		)
	}

	b, err := e.RunBatch(context.Background(), static(signals...), BatchOptions{AsOf: asOf, N: 10})
	require.NoError(t, err)
	require.Len(t, b.Leads, 10)

	seen := make(map[string]bool)
	for i, l := range b.Leads {
		assert.False(t, seen[l.EntityKey.ID()], "duplicate %s", l.EntityKey.ID())
		seen[l.EntityKey.ID()] = true
		assert.Equal(t, i+1, l.RankWithinBatch)
	}
	assert.Equal(t, 12, b.Diagnostics.CandidatesScored)
	assert.Zero(t, b.Diagnostics.Unfilled)

	total := 0
	for _, n := range b.Diagnostics.LeadsByTier {
		total += n
	}
	assert.Equal(t, 10, total)
}

func TestRunBatch_SameNameDifferentVerticalsBothEmitted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Quotas.DefaultGeoCap = 0
	cfg.Quotas.DefaultVerticalCap = 0
	e, err := New(cfg, rules.Default(), WithClock(func() time.Time { return asOf }))
	require.NoError(t, err)

	plumber := plumbingAd("", "Summit Services", "toronto", daysAgo(4))
	roofer := model.RawSignal{
		Source:       model.SourceAdPlatform,
		RawName:      "Summit Services",
		Geography:    "toronto",
		VerticalHint: "roofing",
		ObservedAt:   daysAgo(3),
		Payload: model.SignalPayload{
			SpendLow:      1500,
			SpendHigh:     2500,
			Currency:      "USD",
			CreativeCount: 3,
			CreativeText:  []string{"Roof repair and replacement", "Storm damage shingles fixed fast"},
		},
	}

	b, err := e.RunBatch(context.Background(), static(plumber, roofer), BatchOptions{AsOf: asOf, N: 5})
	require.NoError(t, err)

	require.Len(t, b.Leads, 2)
	assert.Zero(t, b.Diagnostics.DuplicateOutput)
	assert.Equal(t, b.Leads[0].EntityKey.ID(), b.Leads[1].EntityKey.ID())
	assert.NotEqual(t, b.Leads[0].ProfileSnapshot.ID, b.Leads[1].ProfileSnapshot.ID)

	verticals := []string{b.Leads[0].ProfileSnapshot.Vertical, b.Leads[1].ProfileSnapshot.Vertical}
	assert.ElementsMatch(t, []string{"plumbing", "roofing"}, verticals)
}

func TestRunBatch_PartialFailureKeepsOtherSources(t *testing.T) {
	e := newTestEngine(t)
	collectors := append(static(plumbingAd("X", "Acme Plumbing", "toronto", daysAgo(1))),
		failingCollector{name: "ads-api", err: errSourceDown})

	b, err := e.RunBatch(context.Background(), collectors, BatchOptions{AsOf: asOf})
	require.NoError(t, err)

	require.Len(t, b.Diagnostics.CollectorFailures, 1)
	assert.Equal(t, "ads-api", b.Diagnostics.CollectorFailures[0].Source)
	assert.Len(t, b.Leads, 1)
}

func TestRunBatch_AllCollectorsFailedIsStructural(t *testing.T) {
	e := newTestEngine(t)
	collectors := []collect.Collector{
		failingCollector{name: "a", err: errSourceDown},
		failingCollector{name: "b", err: errSourceDown},
	}

	b, err := e.RunBatch(context.Background(), collectors, BatchOptions{AsOf: asOf})
	assert.Nil(t, b)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStructural)

	var se *StructuralError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "collect", se.Op)
}

func TestRunBatch_StoreWriteFailureIsStructural(t *testing.T) {
	st := new(mockStore)
	e := newTestEngine(t, WithStore(st))
	st.On("AppendSignals", mock.Anything, mock.Anything).Return(1, nil).Once()
	st.On("SaveProfiles", mock.Anything, mock.Anything).Return(nil).Once()
	st.On("SaveBatch", mock.Anything, mock.Anything).Return(errSourceDown).Once()

	_, err := e.RunBatch(context.Background(), static(plumbingAd("X", "Acme Plumbing", "toronto", daysAgo(1))), BatchOptions{AsOf: asOf})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStructural)
	st.AssertExpectations(t)
}

func TestRunBatch_NoCollectorsScoresHeldProfiles(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Ingest(context.Background(), plumbingAd("X", "Acme Plumbing", "toronto", daysAgo(1)))
	require.NoError(t, err)

	b, err := e.RunBatch(context.Background(), nil, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, asOf, b.AsOf)
	assert.Zero(t, b.Diagnostics.SignalsReceived)
	assert.Len(t, b.Leads, 1)
	assert.Equal(t, asOf, b.StartedAt)
	assert.Equal(t, asOf, b.CompletedAt)
}

func TestRunBatch_SingleOldSignalCappedBelowTop(t *testing.T) {
	e := newTestEngine(t)
	sig := plumbingAd("X", "Acme Plumbing", "toronto", daysAgo(40))
	sig.Payload.CreativeText = append(sig.Payload.CreativeText, "Going out of business, last chance")

	b, err := e.RunBatch(context.Background(), static(sig), BatchOptions{AsOf: asOf})
	require.NoError(t, err)
	require.Len(t, b.Leads, 1)

	l := b.Leads[0]
	assert.Less(t, l.Score.Confidence, e.Config().Tiers.P0ConfidenceFloor)
	assert.NotEqual(t, model.TierP0, l.Tier)
}
