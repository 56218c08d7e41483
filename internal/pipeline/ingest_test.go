package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/dedup"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/normalize"
	"github.com/sells-group/prospect-cli/internal/store"
)

func TestIngest_AdmitThenReplay(t *testing.T) {
	e := newTestEngine(t)
	sig := plumbingAd("X", "Acme Plumbing", "toronto", daysAgo(3))

	first, err := e.Ingest(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdmitted, first.Outcome)
	assert.True(t, first.Created)
	assert.Equal(t, "pid:X", first.ProfileID)

	again, err := e.Ingest(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, again.Outcome)

	p := e.Profiles()
	require.Len(t, p, 1)
	assert.Len(t, p[0].Signals, 1)
}

func TestIngest_RejectIsOutcome(t *testing.T) {
	e := newTestEngine(t)
	sig := plumbingAd("X", "Acme Plumbing", "toronto", daysAgo(3))
	sig.ObservedAt = time.Time{}

	res, err := e.Ingest(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	require.NotNil(t, res.Reject)
	assert.Equal(t, normalize.ReasonMissingObservedAt, res.Reject.Reason)
	assert.Zero(t, e.Stats().Profiles)
}

func TestIngestResult_Record(t *testing.T) {
	var d model.Diagnostics
	IngestResult{Outcome: OutcomeRejected, Reject: &normalize.RejectedSignal{Reason: normalize.ReasonNoIdentity}}.Record(&d)
	IngestResult{Outcome: OutcomeReplayed}.Record(&d)
	IngestResult{Outcome: OutcomeAdmitted, Created: true, Warnings: []string{normalize.WarnDirectoryDomainDropped}}.Record(&d)
	IngestResult{Outcome: OutcomeAdmitted, Strategy: dedup.StrategyDomain}.Record(&d)
	IngestResult{Outcome: OutcomeAdmitted, Redirected: true}.Record(&d)
	IngestResult{Outcome: OutcomeReplayed, Merged: []string{"dom:acme.com"}}.Record(&d)
	IngestResult{Outcome: OutcomeAdmitted, Strategy: dedup.StrategyPlatformID, Merged: []string{"dom:acme.com"}}.Record(&d)

	assert.Equal(t, 7, d.SignalsReceived)
	assert.Equal(t, 4, d.SignalsIngested)
	assert.Equal(t, 2, d.SignalsReplayed)
	assert.Equal(t, 1, d.SignalsRejected)
	assert.Equal(t, 1, d.RejectReasons[normalize.ReasonNoIdentity])
	assert.Equal(t, 1, d.SoftWarnings[normalize.WarnDirectoryDomainDropped])
	assert.Equal(t, 2, d.DuplicatesFolded)
	assert.Equal(t, 1, d.MatchesByStrategy[dedup.StrategyDomain])
	assert.Equal(t, 1, d.ConflictsFolded)
	assert.Equal(t, 2, d.ProfilesMerged)
}

// linkedSignals returns two observations of one business that share no
// identity, and a third carrying both identities.
func linkedSignals() map[string]model.RawSignal {
	a := plumbingAd("X", "Acme Plumbing", "toronto", daysAgo(9))
	b := plumbingAd("", "Northside Drains", "toronto", daysAgo(6))
	b.Domain = "acme-plumbing.ca"
	c := plumbingAd("X", "Acme Plumbing", "toronto", daysAgo(3))
	c.Domain = "acme-plumbing.ca"
	return map[string]model.RawSignal{"A": a, "B": b, "C": c}
}

func TestIngest_LinkingSignalMergesInAnyOrder(t *testing.T) {
	signals := linkedSignals()
	orders := [][]string{
		{"A", "B", "C"}, {"A", "C", "B"}, {"B", "A", "C"},
		{"B", "C", "A"}, {"C", "A", "B"}, {"C", "B", "A"},
	}

	for _, order := range orders {
		t.Run(strings.Join(order, ""), func(t *testing.T) {
			e := newTestEngine(t)
			for _, name := range order {
				res, err := e.Ingest(context.Background(), signals[name])
				require.NoError(t, err)
				require.Equal(t, OutcomeAdmitted, res.Outcome)
			}

			profiles := e.Profiles()
			require.Len(t, profiles, 1)
			assert.Equal(t, "pid:X", profiles[0].ID)
			assert.Len(t, profiles[0].Signals, 3)
			assert.Equal(t, "acme-plumbing.ca", profiles[0].EntityKey.NormalizedDomain)
			assert.Equal(t, 1, e.Stats().Profiles)
		})
	}
}

func TestAccept_MergeDeletesAbsorbedProfile(t *testing.T) {
	st := newSQLite(t)
	e := newTestEngine(t, WithStore(st))
	signals := linkedSignals()
	ctx := context.Background()

	_, err := e.Accept(ctx, []model.RawSignal{signals["A"], signals["B"]})
	require.NoError(t, err)
	stored, err := st.ListProfiles(ctx, store.ProfileFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 2)

	d, err := e.Accept(ctx, []model.RawSignal{signals["C"]})
	require.NoError(t, err)
	assert.Equal(t, 1, d.ProfilesMerged)

	stored, err = st.ListProfiles(ctx, store.ProfileFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "pid:X", stored[0].ID)
	assert.Len(t, stored[0].Signals, 3)

	restarted := newTestEngine(t, WithStore(st))
	_, err = restarted.Restore(ctx)
	require.NoError(t, err)
	profiles := restarted.Profiles()
	require.Len(t, profiles, 1)
	assert.Equal(t, "pid:X", profiles[0].ID)
	assert.Len(t, profiles[0].Signals, 3)
}

func TestIngest_ConcurrentSameEntity(t *testing.T) {
	e := newTestEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Ingest(context.Background(), plumbingAd("X", "Acme Plumbing", "toronto", daysAgo(i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p := e.Profiles()
	require.Len(t, p, 1)
	assert.Len(t, p[0].Signals, 20)
}

func TestIngest_ConcurrentDistinctEntities(t *testing.T) {
	e := newTestEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pid := fmt.Sprintf("p%02d", i)
			_, err := e.Ingest(context.Background(), plumbingAd(pid, "Acme Plumbing", "city-"+pid, daysAgo(1)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, e.Stats().Profiles)
}

func TestAccept_PersistsSignalsAndProfiles(t *testing.T) {
	st := new(mockStore)
	e := newTestEngine(t, WithStore(st))

	signals := []model.RawSignal{
		plumbingAd("X", "Acme Plumbing", "toronto", daysAgo(2)),
		plumbingAd("X", "ACME  plumbing", "toronto", daysAgo(1)),
	}
	st.On("AppendSignals", mock.Anything, signals).Return(2, nil).Once()
	st.On("SaveProfiles", mock.Anything, mock.MatchedBy(func(p []model.ProspectProfile) bool {
		return len(p) == 1 && len(p[0].Signals) == 2
	})).Return(nil).Once()

	d, err := e.Accept(context.Background(), signals)
	require.NoError(t, err)
	assert.Equal(t, 2, d.SignalsReceived)
	assert.Equal(t, 2, d.SignalsIngested)
	assert.Equal(t, 1, d.DuplicatesFolded)
	st.AssertExpectations(t)
}

func TestAccept_StoreFailureIsStructural(t *testing.T) {
	st := new(mockStore)
	e := newTestEngine(t, WithStore(st))
	st.On("AppendSignals", mock.Anything, mock.Anything).Return(0, errSourceDown).Once()

	_, err := e.Accept(context.Background(), []model.RawSignal{plumbingAd("X", "Acme", "toronto", daysAgo(1))})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStructural)
	assert.Zero(t, e.Stats().Profiles)
}

func TestAccept_Empty(t *testing.T) {
	st := new(mockStore)
	e := newTestEngine(t, WithStore(st))

	d, err := e.Accept(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, d.SignalsReceived)
	st.AssertNotCalled(t, "AppendSignals", mock.Anything, mock.Anything)
}

func TestRestore_NoStore(t *testing.T) {
	e := newTestEngine(t)
	d, err := e.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, d.SignalsReceived)
}

func TestRestore_LoadFailureIsStructural(t *testing.T) {
	st := new(mockStore)
	e := newTestEngine(t, WithStore(st))
	st.On("LoadSignals", mock.Anything).Return(nil, errSourceDown).Once()

	_, err := e.Restore(context.Background())
	assert.ErrorIs(t, err, ErrStructural)
}
