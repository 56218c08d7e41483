package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/model"
)

func TestTokenSetRatio(t *testing.T) {
	assert.InDelta(t, 1.0, TokenSetRatio("acme plumbing", "acme plumbing"), 1e-9)
	assert.InDelta(t, 1.0, TokenSetRatio("acme plumbing heating", "heating acme plumbing"), 1e-9)
	assert.InDelta(t, 1.0, TokenSetRatio("acme plumbing heating", "acme plumbing"), 1e-9)
	assert.GreaterOrEqual(t, TokenSetRatio("acme plumbing", "acme plumbng"), DefaultFuzzyThreshold)
	assert.Less(t, TokenSetRatio("joes plumbing", "plumbing"), DefaultFuzzyThreshold)
	assert.Less(t, TokenSetRatio("acme plumbing", "zenith roofing"), 0.5)
	assert.Zero(t, TokenSetRatio("", "acme"))
}

func cand(name, domain, pid, geo, vertical string) Candidate {
	return Candidate{
		Key: model.EntityKey{
			NormalizedName:   name,
			NormalizedDomain: domain,
			PlatformEntityID: pid,
			Geography:        geo,
		},
		Vertical: vertical,
	}
}

func TestAdmit_CreatesThenMatchesByPlatformID(t *testing.T) {
	ix := NewIndex(DefaultFuzzyThreshold)
	ctx := context.Background()

	a, err := ix.Admit(ctx, cand("acme plumbing", "acme.com", "p-1", "toronto", "plumbing"))
	require.NoError(t, err)
	assert.True(t, a.Created)
	assert.Equal(t, "pid:p-1", a.ProfileID)

	b, err := ix.Admit(ctx, cand("acme plumbing and heating", "acme-heating.com", "p-1", "toronto", "plumbing"))
	require.NoError(t, err)
	assert.False(t, b.Created)
	assert.Equal(t, StrategyPlatformID, b.Strategy)
	assert.Equal(t, a.ProfileID, b.ProfileID)

	// The new domain is now bound to the same profile.
	id, ok := ix.Lookup("dom:acme-heating.com")
	require.True(t, ok)
	assert.Equal(t, a.ProfileID, id)
	assert.Equal(t, 1, ix.Len())
}

func TestAdmit_MatchesByDomain(t *testing.T) {
	ix := NewIndex(DefaultFuzzyThreshold)
	ctx := context.Background()

	a, _ := ix.Admit(ctx, cand("acme", "acme.com", "", "toronto", "plumbing"))
	b, err := ix.Admit(ctx, cand("", "acme.com", "p-7", "toronto", "plumbing"))
	require.NoError(t, err)
	assert.Equal(t, StrategyDomain, b.Strategy)

	// The platform id outranks the domain, so the profile moves under it.
	assert.Equal(t, "pid:p-7", b.ProfileID)
	assert.Equal(t, []string{a.ProfileID}, b.Merged)
	assert.Equal(t, 1, ix.Len())

	c, _ := ix.Admit(ctx, cand("", "", "p-7", "", ""))
	assert.Equal(t, b.ProfileID, c.ProfileID)
	assert.Equal(t, StrategyPlatformID, c.Strategy)
	assert.Empty(t, c.Merged)

	d, _ := ix.Admit(ctx, cand("acme", "acme.com", "", "toronto", "plumbing"))
	assert.Equal(t, b.ProfileID, d.ProfileID)
	assert.False(t, d.Created)
}

func TestAdmit_LinkingSignalMergesProfiles(t *testing.T) {
	ix := NewIndex(DefaultFuzzyThreshold)
	ctx := context.Background()

	a, _ := ix.Admit(ctx, cand("alpha", "alpha.com", "p-1", "toronto", "hvac"))
	b, _ := ix.Admit(ctx, cand("beta", "beta.com", "", "toronto", "hvac"))
	require.NotEqual(t, a.ProfileID, b.ProfileID)

	got, err := ix.Admit(ctx, cand("beta", "beta.com", "p-1", "toronto", "hvac"))
	require.NoError(t, err)
	assert.Equal(t, a.ProfileID, got.ProfileID)
	assert.Equal(t, []string{b.ProfileID}, got.Merged)
	assert.Equal(t, 1, ix.Len())
	assert.Equal(t, 1, ix.Stats()["merged"])

	for _, alias := range []string{"pid:p-1", "dom:alpha.com", "dom:beta.com"} {
		id, ok := ix.Lookup(alias)
		require.True(t, ok, alias)
		assert.Equal(t, a.ProfileID, id, alias)
	}

	// A merged-away ID is never handed out again.
	again, _ := ix.Admit(ctx, cand("beta", "beta.com", "", "toronto", "hvac"))
	assert.Equal(t, a.ProfileID, again.ProfileID)
}

func TestAdmit_MergeIndependentOfOrder(t *testing.T) {
	signals := map[string]Candidate{
		"A": cand("acme plumbing", "", "X", "toronto", "plumbing"),
		"B": cand("northside drains", "acme-plumbing.ca", "", "toronto", "plumbing"),
		"C": cand("acme plumbing", "acme-plumbing.ca", "X", "toronto", "plumbing"),
	}
	orders := [][]string{
		{"A", "B", "C"}, {"A", "C", "B"}, {"B", "A", "C"},
		{"B", "C", "A"}, {"C", "A", "B"}, {"C", "B", "A"},
	}

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			ix := NewIndex(DefaultFuzzyThreshold)
			var last Admission
			for _, name := range order {
				adm, err := ix.Admit(context.Background(), signals[name])
				require.NoError(t, err)
				last = adm
			}

			assert.Equal(t, 1, ix.Len())
			assert.Equal(t, "pid:X", last.ProfileID)
			for _, alias := range []string{"pid:X", "dom:acme-plumbing.ca"} {
				id, ok := ix.Lookup(alias)
				require.True(t, ok)
				assert.Equal(t, "pid:X", id)
			}
		})
	}
}

func TestAdmit_MergeAcrossPlatformIDsKeepsSmallest(t *testing.T) {
	ix := NewIndex(DefaultFuzzyThreshold)
	ctx := context.Background()

	_, _ = ix.Admit(ctx, cand("acme", "", "p-9", "toronto", "plumbing"))
	_, _ = ix.Admit(ctx, cand("acme west", "acme.com", "p-2", "ottawa", "plumbing"))

	got, err := ix.Admit(ctx, cand("acme", "acme.com", "p-9", "toronto", "plumbing"))
	require.NoError(t, err)
	assert.Equal(t, "pid:p-2", got.ProfileID)
	assert.Equal(t, []string{"pid:p-9"}, got.Merged)
	assert.Equal(t, 1, ix.Len())
}

func TestAdmit_FuzzyRequiresGeographyAndVertical(t *testing.T) {
	ix := NewIndex(DefaultFuzzyThreshold)
	ctx := context.Background()

	a, _ := ix.Admit(ctx, cand("acme plumbing", "", "", "toronto", "plumbing"))

	same, _ := ix.Admit(ctx, cand("acme plumbng", "", "", "toronto", "plumbing"))
	assert.Equal(t, a.ProfileID, same.ProfileID)
	assert.Equal(t, StrategyFuzzyName, same.Strategy)

	otherGeo, _ := ix.Admit(ctx, cand("acme plumbing", "", "", "ottawa", "plumbing"))
	assert.True(t, otherGeo.Created)

	otherVertical, _ := ix.Admit(ctx, cand("acme plumbing", "", "", "toronto", "hvac"))
	assert.True(t, otherVertical.Created)
	assert.Equal(t, "name:toronto:acme plumbing~hvac", otherVertical.ProfileID)

	unclassified, _ := ix.Admit(ctx, cand("acme plumbing", "", "", "toronto", model.Unclassified))
	assert.True(t, unclassified.Created)
	assert.NotEqual(t, a.ProfileID, unclassified.ProfileID)

	assert.Equal(t, 1, ix.Stats()[StrategyFuzzyName])
}

func TestAdmit_FuzzyUsesResolvedVertical(t *testing.T) {
	ix := NewIndex(DefaultFuzzyThreshold)
	ctx := context.Background()

	a, _ := ix.Admit(ctx, cand("acme home services", "", "", "toronto", "plumbing"))
	ix.SetVertical(a.ProfileID, "hvac")

	b, _ := ix.Admit(ctx, cand("acme home services", "", "", "toronto", "hvac"))
	assert.Equal(t, a.ProfileID, b.ProfileID)
}

func TestAdmit_RejectsEmptyKey(t *testing.T) {
	_, err := NewIndex(0).Admit(context.Background(), Candidate{})
	assert.Error(t, err)
}

func TestAdmit_ConcurrentSameEntityCreatesOnce(t *testing.T) {
	ix := NewIndex(DefaultFuzzyThreshold)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		created atomic.Int32
		ids     sync.Map
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := cand(fmt.Sprintf("acme %d", i%3), "acme.com", "", "toronto", "plumbing")
			adm, err := ix.Admit(ctx, c)
			if err != nil {
				t.Error(err)
				return
			}
			if adm.Created {
				created.Add(1)
			}
			ids.Store(adm.ProfileID, true)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	n := 0
	ids.Range(func(_, _ any) bool { n++; return true })
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, ix.Len())
}

func newTestClaimer(t *testing.T) (*RedisClaimer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisClaimer(client, "test", time.Hour), mr
}

func TestRedisClaimer_FirstWins(t *testing.T) {
	c, mr := newTestClaimer(t)
	ctx := context.Background()

	owner, err := c.Claim(ctx, []string{"dom:acme.com"}, "dom:acme.com")
	require.NoError(t, err)
	assert.Equal(t, "dom:acme.com", owner)

	owner, err = c.Claim(ctx, []string{"pid:9", "dom:acme.com"}, "pid:9")
	require.NoError(t, err)
	assert.Equal(t, "dom:acme.com", owner)

	// The unclaimed alias now points at the owner too.
	got, err := mr.Get("{test}:alias:pid:9")
	require.NoError(t, err)
	assert.Equal(t, "dom:acme.com", got)
	assert.Equal(t, time.Hour, mr.TTL("{test}:alias:dom:acme.com"))
}

func TestRedisClaimer_NoAliases(t *testing.T) {
	c, _ := newTestClaimer(t)
	owner, err := c.Claim(context.Background(), nil, "name:x")
	require.NoError(t, err)
	assert.Equal(t, "name:x", owner)
}

func TestRedisClaimer_Expired(t *testing.T) {
	c, mr := newTestClaimer(t)
	ctx := context.Background()

	_, err := c.Claim(ctx, []string{"pid:1"}, "pid:1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Hour)

	owner, err := c.Claim(ctx, []string{"pid:1"}, "dom:other.com")
	require.NoError(t, err)
	assert.Equal(t, "dom:other.com", owner)
}

func TestRedisClaimer_ServerDown(t *testing.T) {
	c, mr := newTestClaimer(t)
	mr.Close()
	_, err := c.Claim(context.Background(), []string{"pid:1"}, "pid:1")
	assert.Error(t, err)
}

func TestAdmit_ClaimerRedirectsAcrossProcesses(t *testing.T) {
	c, _ := newTestClaimer(t)
	ctx := context.Background()

	first := NewIndex(DefaultFuzzyThreshold, WithClaimer(c))
	second := NewIndex(DefaultFuzzyThreshold, WithClaimer(c))

	a, err := first.Admit(ctx, cand("acme", "acme.com", "", "toronto", "plumbing"))
	require.NoError(t, err)
	assert.Equal(t, "dom:acme.com", a.ProfileID)

	b, err := second.Admit(ctx, cand("acme", "acme.com", "p-9", "toronto", "plumbing"))
	require.NoError(t, err)
	assert.True(t, b.Redirected)
	assert.Equal(t, "dom:acme.com", b.ProfileID)
	assert.Equal(t, 1, second.Stats()["claimer"])
}

type failingClaimer struct{}

func (failingClaimer) Claim(context.Context, []string, string) (string, error) {
	return "", errors.New("connection refused")
}

func TestAdmit_ClaimerFailureFallsBackLocal(t *testing.T) {
	ix := NewIndex(DefaultFuzzyThreshold, WithClaimer(failingClaimer{}))
	a, err := ix.Admit(context.Background(), cand("acme", "acme.com", "", "toronto", "plumbing"))
	require.NoError(t, err)
	assert.True(t, a.Created)
	assert.False(t, a.Redirected)
	assert.Equal(t, "dom:acme.com", a.ProfileID)
}
