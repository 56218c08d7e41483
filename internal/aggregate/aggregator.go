package aggregate

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/rules"
)

// FoldResult describes the effect of folding one signal.
type FoldResult struct {
	// Replayed is set when the observation was already folded; the profile
	// is unchanged.
	Replayed bool
	Created  bool
	Vertical string
}

type entry struct {
	mu      sync.Mutex
	profile model.ProspectProfile
	keys    map[string]model.EntityKey // fingerprint -> key of that signal
	merged  bool                       // signals moved to another profile
}

// Aggregator owns the prospect profiles. Folds into the same profile are
// serialized by a per-profile lock; folds into different profiles run in
// parallel.
type Aggregator struct {
	rules *rules.Rules
	spend config.SpendConfig

	mu      sync.RWMutex
	entries map[string]*entry
	dirty   map[string]bool
	forward map[string]string // merged profile ID -> owner
	removed map[string]bool

	mergeMu sync.Mutex

	seenMu sync.Mutex
	seen   map[string]string // fingerprint -> profile ID
}

// New creates an empty aggregator.
func New(r *rules.Rules, spend config.SpendConfig) *Aggregator {
	return &Aggregator{
		rules:   r,
		spend:   spend,
		entries: make(map[string]*entry),
		dirty:   make(map[string]bool),
		forward: make(map[string]string),
		removed: make(map[string]bool),
		seen:    make(map[string]string),
	}
}

// Seen reports whether the observation has already been folded.
func (a *Aggregator) Seen(fingerprint string) bool {
	a.seenMu.Lock()
	defer a.seenMu.Unlock()
	_, ok := a.seen[fingerprint]
	return ok
}

// Fold appends sig to the profile and recomputes every derived field from
// the full signal set. Folding the same observation twice is a no-op.
func (a *Aggregator) Fold(profileID string, key model.EntityKey, sig model.RawSignal) (FoldResult, error) {
	if profileID == "" {
		return FoldResult{}, eris.New("aggregate: empty profile id")
	}

	fp := sig.Fingerprint()
	a.seenMu.Lock()
	if _, dup := a.seen[fp]; dup {
		a.seenMu.Unlock()
		return FoldResult{Replayed: true}, nil
	}
	a.seen[fp] = profileID
	a.seenMu.Unlock()

	for {
		e, created := a.entry(profileID)

		e.mu.Lock()
		if e.merged {
			e.mu.Unlock()
			continue
		}
		e.profile.Signals = append(e.profile.Signals, sig)
		e.keys[fp] = key
		a.recompute(e)
		id, vertical := e.profile.ID, e.profile.Vertical
		e.mu.Unlock()

		a.markDirty(id)
		return FoldResult{Created: created, Vertical: vertical}, nil
	}
}

// entry returns the live entry for profileID, following merges.
func (a *Aggregator) entry(profileID string) (*entry, bool) {
	a.mu.RLock()
	e, ok := a.entries[a.resolve(profileID)]
	a.mu.RUnlock()
	if ok {
		return e, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	profileID = a.resolve(profileID)
	if e, ok := a.entries[profileID]; ok {
		return e, false
	}
	e = newEntry(profileID)
	a.entries[profileID] = e
	return e, true
}

func newEntry(profileID string) *entry {
	return &entry{
		profile: model.ProspectProfile{ID: profileID},
		keys:    make(map[string]model.EntityKey),
	}
}

// resolve follows merge forwarding. Caller holds a.mu.
func (a *Aggregator) resolve(profileID string) string {
	for {
		next, ok := a.forward[profileID]
		if !ok {
			return profileID
		}
		profileID = next
	}
}

// Merge moves the signals of each loser into owner, recomputes owner and
// drops the losers. Later folds addressed to a loser land in owner. Merges
// may arrive out of order; each ID is resolved through earlier merges.
func (a *Aggregator) Merge(owner string, losers []string) error {
	if owner == "" {
		return eris.New("aggregate: empty merge owner")
	}

	a.mergeMu.Lock()
	defer a.mergeMu.Unlock()

	a.mu.Lock()
	owner = a.resolve(owner)
	oe, ok := a.entries[owner]
	if !ok {
		oe = newEntry(owner)
		a.entries[owner] = oe
	}
	var moved []*entry
	for _, id := range losers {
		id = a.resolve(id)
		if id == owner {
			continue
		}
		a.forward[id] = owner
		if le, ok := a.entries[id]; ok {
			delete(a.entries, id)
			delete(a.dirty, id)
			a.removed[id] = true
			moved = append(moved, le)
		}
	}
	delete(a.removed, owner)
	a.mu.Unlock()

	for _, le := range moved {
		le.mu.Lock()
		oe.mu.Lock()
		for _, sig := range le.profile.Signals {
			fp := sig.Fingerprint()
			oe.profile.Signals = append(oe.profile.Signals, sig)
			oe.keys[fp] = le.keys[fp]
		}
		oe.mu.Unlock()
		le.profile.Signals = nil
		le.merged = true
		le.mu.Unlock()
	}

	oe.mu.Lock()
	populated := len(oe.profile.Signals) > 0
	if populated {
		a.recompute(oe)
	}
	oe.mu.Unlock()

	if populated {
		a.markDirty(owner)
	}
	return nil
}

func (a *Aggregator) markDirty(profileID string) {
	a.mu.Lock()
	a.dirty[profileID] = true
	a.mu.Unlock()
}

// recompute derives the aggregate from the signal set in canonical order so
// the result does not depend on arrival order. Caller holds e.mu.
func (a *Aggregator) recompute(e *entry) {
	p := &e.profile
	model.SortSignals(p.Signals)

	p.EntityKey = a.mergedKey(e)
	p.Geography = p.EntityKey.Geography
	p.Vertical, p.VerticalReason = ResolveVertical(a.rules, p.Signals)

	est := EstimateMonthlySpend(p.Signals, a.spend)
	p.EstimatedMonthlySpend = est.Monthly
	p.SpendLow = est.Low
	p.SpendHigh = est.High
	p.CampaignSpanDays = CampaignSpanDays(p.Signals)

	// Snapshots of the same campaign report the same creatives again, so
	// variety is the widest single observation rather than a running total.
	p.CreativeCount = 0
	for _, s := range p.Signals {
		if s.Payload.CreativeCount > p.CreativeCount {
			p.CreativeCount = s.Payload.CreativeCount
		}
	}
	p.TechIssues = DetectTechIssues(a.rules, p.Signals)

	p.FirstObservedAt = p.Signals[0].ObservedAt
	p.LastUpdatedAt = p.Signals[len(p.Signals)-1].ObservedAt
}

// mergedKey takes each key component from the earliest signal carrying it.
func (a *Aggregator) mergedKey(e *entry) model.EntityKey {
	var k model.EntityKey
	for _, s := range e.profile.Signals {
		sk := e.keys[s.Fingerprint()]
		if k.PlatformEntityID == "" {
			k.PlatformEntityID = sk.PlatformEntityID
		}
		if k.NormalizedDomain == "" {
			k.NormalizedDomain = sk.NormalizedDomain
		}
		if k.NormalizedName == "" {
			k.NormalizedName = sk.NormalizedName
		}
		if k.Geography == "" {
			k.Geography = sk.Geography
		}
	}
	return k
}

// Get returns a copy of a profile. A profile holding no signals yet does
// not exist.
func (a *Aggregator) Get(profileID string) (model.ProspectProfile, bool) {
	a.mu.RLock()
	e, ok := a.entries[profileID]
	a.mu.RUnlock()
	if !ok {
		return model.ProspectProfile{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.profile.Signals) == 0 {
		return model.ProspectProfile{}, false
	}
	return e.profile.Clone(), true
}

// Len returns the number of profiles.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Snapshot returns copies of every profile sorted by ID. Each profile is
// internally consistent; folds may continue concurrently.
func (a *Aggregator) Snapshot() []model.ProspectProfile {
	a.mu.RLock()
	entries := make([]*entry, 0, len(a.entries))
	for _, e := range a.entries {
		entries = append(entries, e)
	}
	a.mu.RUnlock()

	out := make([]model.ProspectProfile, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		// Entries are published before their first signal lands.
		if len(e.profile.Signals) > 0 {
			out = append(out, e.profile.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TakeDirty returns copies of the profiles changed since the previous call
// and clears the change set.
func (a *Aggregator) TakeDirty() []model.ProspectProfile {
	a.mu.Lock()
	ids := make([]string, 0, len(a.dirty))
	for id := range a.dirty {
		ids = append(ids, id)
	}
	a.dirty = make(map[string]bool)
	a.mu.Unlock()

	sort.Strings(ids)
	out := make([]model.ProspectProfile, 0, len(ids))
	for _, id := range ids {
		if p, ok := a.Get(id); ok {
			out = append(out, p)
		}
	}
	return out
}

// TakeRemoved returns the IDs of profiles merged away since the previous
// call and clears the set.
func (a *Aggregator) TakeRemoved() []string {
	a.mu.Lock()
	ids := make([]string, 0, len(a.removed))
	for id := range a.removed {
		ids = append(ids, id)
	}
	a.removed = make(map[string]bool)
	a.mu.Unlock()

	sort.Strings(ids)
	return ids
}
