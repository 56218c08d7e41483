package dedup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
)

// DefaultFuzzyThreshold is the minimum token-set similarity for a fuzzy name match.
const DefaultFuzzyThreshold = 0.85

// Candidate is an incoming normalized signal awaiting admission.
type Candidate struct {
	Key model.EntityKey
	// Vertical is the content-derived vertical of the signal itself, or
	// model.Unclassified when its content supports none.
	Vertical string
}

// Admission is the outcome of Index.Admit.
type Admission struct {
	ProfileID string
	Created   bool
	// Strategy names the matcher that found the profile; empty when created.
	Strategy string
	// Redirected is set when another process already owned the identity and
	// this signal was folded into that owner's profile.
	Redirected bool
	// Merged lists profiles the candidate linked to ProfileID. They no
	// longer exist in the index and their signals belong to ProfileID.
	Merged []string
}

// Claimer reserves identity aliases across processes. Claim returns the
// profile ID owning the aliases, which is profileID when none was claimed.
type Claimer interface {
	Claim(ctx context.Context, aliases []string, profileID string) (string, error)
}

// Matcher is one dedup strategy. Match runs under the index lock.
type Matcher interface {
	Name() string
	Match(c Candidate) (string, bool)
}

type profileEntry struct {
	vertical  string
	geography string
	names     map[string]bool
	aliases   []string
}

// state is the shared index data the matchers read.
type state struct {
	aliases  map[string]string // "pid:..." / "dom:..." -> profile ID
	profiles map[string]*profileEntry
	byGeo    map[string]map[string]bool // geography -> profile IDs
}

// Index resolves candidates to profiles. Admit is an atomic check-and-insert:
// concurrent candidates for the same new entity produce exactly one profile.
type Index struct {
	mu       sync.Mutex
	st       *state
	matchers []Matcher
	claimer  Claimer
	stats    map[string]int
	retired  map[string]bool // merged-away profile IDs, never reallocated
}

// Option configures an Index.
type Option func(*Index)

// WithClaimer enables cross-process admission through c.
func WithClaimer(c Claimer) Option {
	return func(ix *Index) { ix.claimer = c }
}

// NewIndex creates an index running platform id, domain and fuzzy name
// matching in that order.
func NewIndex(fuzzyThreshold float64, opts ...Option) *Index {
	if fuzzyThreshold <= 0 || fuzzyThreshold > 1 {
		fuzzyThreshold = DefaultFuzzyThreshold
	}
	st := &state{
		aliases:  make(map[string]string),
		profiles: make(map[string]*profileEntry),
		byGeo:    make(map[string]map[string]bool),
	}
	ix := &Index{
		st: st,
		matchers: []Matcher{
			&platformIDMatcher{st: st},
			&domainMatcher{st: st},
			&fuzzyNameMatcher{st: st, threshold: fuzzyThreshold},
		},
		stats:   make(map[string]int),
		retired: make(map[string]bool),
	}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// Admit resolves c to an existing profile or allocates a new one, and
// binds c's aliases to the result.
func (ix *Index) Admit(ctx context.Context, c Candidate) (Admission, error) {
	if c.Key.IsZero() {
		return Admission{}, eris.New("dedup: candidate has no identity")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, m := range ix.matchers {
		id, ok := m.Match(c)
		if !ok {
			continue
		}
		adm := Admission{ProfileID: id, Strategy: m.Name()}
		if owner, losers := ix.linked(c, id); len(losers) > 0 {
			ix.merge(owner, losers)
			adm.ProfileID, adm.Merged = owner, losers
		}
		ix.bind(adm.ProfileID, c)
		ix.stats[m.Name()]++
		zap.L().Debug("dedup: matched",
			zap.String("strategy", m.Name()),
			zap.String("entity_key", c.Key.ID()),
			zap.String("profile_id", adm.ProfileID),
			zap.Strings("merged", adm.Merged),
		)
		return adm, nil
	}

	id := ix.allocateID(c)
	adm := Admission{ProfileID: id, Created: true}

	if ix.claimer != nil {
		owner := ix.claim(ctx, c, id)
		if owner != id {
			adm = Admission{ProfileID: owner, Redirected: true, Created: ix.st.profiles[owner] == nil}
			ix.stats["claimer"]++
		}
	}

	ix.bind(adm.ProfileID, c)
	zap.L().Debug("dedup: admitted",
		zap.String("entity_key", c.Key.ID()),
		zap.String("profile_id", adm.ProfileID),
		zap.Bool("created", adm.Created),
	)
	return adm, nil
}

// claim reserves the authoritative aliases of c. Claimer failures degrade
// to local admission.
func (ix *Index) claim(ctx context.Context, c Candidate, id string) string {
	var aliases []string
	for _, alias := range c.Key.Aliases() {
		if !isNameAlias(alias) {
			aliases = append(aliases, alias)
		}
	}
	owner, err := ix.claimer.Claim(ctx, aliases, id)
	if err != nil {
		zap.L().Warn("dedup: claim failed, admitting locally",
			zap.Strings("aliases", aliases), zap.Error(err))
		return id
	}
	return owner
}

// allocateID derives the new profile's ID from its key. Name-keyed IDs can
// collide across verticals; the vertical then disambiguates, then a counter.
func (ix *Index) allocateID(c Candidate) string {
	id := c.Key.ID()
	if !ix.taken(id) {
		return id
	}
	base := id + "~" + c.Vertical
	if !ix.taken(base) {
		return base
	}
	for n := 2; ; n++ {
		next := fmt.Sprintf("%s~%d", base, n)
		if !ix.taken(next) {
			return next
		}
	}
}

func (ix *Index) taken(id string) bool {
	_, ok := ix.st.profiles[id]
	return ok || ix.retired[id]
}

// linked collects every profile the candidate's platform id and domain are
// bound to, plus matched. When they name more than one profile, or the
// candidate carries an unbound identity outranking matched, it returns the
// owner the cluster should live under and the profiles to fold into it.
func (ix *Index) linked(c Candidate, matched string) (string, []string) {
	ids := []string{matched}
	owner := matched
	for _, alias := range c.Key.Aliases() {
		if isNameAlias(alias) {
			continue
		}
		if id, ok := ix.st.aliases[alias]; ok {
			if !contains(ids, id) {
				ids = append(ids, id)
			}
			if outranks(id, owner) {
				owner = id
			}
			continue
		}
		// Claimed IDs are shared across processes and are never renamed.
		if ix.claimer == nil && !ix.retired[alias] && outranks(alias, owner) {
			owner = alias
		}
	}

	var losers []string
	for _, id := range ids {
		if id != owner {
			losers = append(losers, id)
		}
	}
	sort.Strings(losers)
	return owner, losers
}

// merge moves every loser's names and aliases onto owner and retires the
// losers. owner is created from the first loser when it does not exist yet.
func (ix *Index) merge(owner string, losers []string) {
	oe := ix.st.profiles[owner]
	for _, id := range losers {
		le, ok := ix.st.profiles[id]
		if !ok {
			continue
		}
		if oe == nil {
			oe = &profileEntry{vertical: le.vertical, geography: le.geography, names: make(map[string]bool)}
			ix.addProfile(owner, oe)
		}
		for name := range le.names {
			oe.names[name] = true
		}
		for _, alias := range le.aliases {
			ix.st.aliases[alias] = owner
			oe.aliases = append(oe.aliases, alias)
		}
		delete(ix.st.profiles, id)
		delete(ix.st.byGeo[le.geography], id)
		ix.retired[id] = true
	}
	ix.stats["merged"] += len(losers)
	zap.L().Info("dedup: merged profiles",
		zap.String("owner", owner), zap.Strings("merged", losers))
}

func (ix *Index) addProfile(id string, e *profileEntry) {
	ix.st.profiles[id] = e
	geo := ix.st.byGeo[e.geography]
	if geo == nil {
		geo = make(map[string]bool)
		ix.st.byGeo[e.geography] = geo
	}
	geo[id] = true
}

// bind registers c's aliases to profile id. An alias already bound to a
// different profile keeps its binding; Admit merges such profiles first.
// A profile whose ID has alias form also owns that alias.
func (ix *Index) bind(id string, c Candidate) {
	e, ok := ix.st.profiles[id]
	if !ok {
		e = &profileEntry{vertical: c.Vertical, geography: c.Key.Geography, names: make(map[string]bool)}
		ix.addProfile(id, e)
	}

	aliases := c.Key.Aliases()
	if idRank(id) < idRank(model.AliasName+":") {
		aliases = append(aliases, id)
	}
	for _, alias := range aliases {
		if isNameAlias(alias) {
			continue
		}
		if owner, bound := ix.st.aliases[alias]; bound {
			if owner != id {
				zap.L().Debug("dedup: alias bound elsewhere",
					zap.String("alias", alias), zap.String("owner", owner), zap.String("profile_id", id))
			}
			continue
		}
		ix.st.aliases[alias] = id
		e.aliases = append(e.aliases, alias)
	}
	if c.Key.NormalizedName != "" {
		e.names[c.Key.NormalizedName] = true
	}
}

// SetVertical records the resolved vertical of a profile so fuzzy matching
// compares against the aggregate, not the first signal.
func (ix *Index) SetVertical(profileID, vertical string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if e, ok := ix.st.profiles[profileID]; ok {
		e.vertical = vertical
	}
}

// Len returns the number of profiles known to the index.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.st.profiles)
}

// Stats returns match counts by strategy name.
func (ix *Index) Stats() map[string]int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make(map[string]int, len(ix.stats))
	for k, v := range ix.stats {
		out[k] = v
	}
	return out
}

// Lookup returns the profile bound to alias, if any.
func (ix *Index) Lookup(alias string) (string, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	id, ok := ix.st.aliases[alias]
	return id, ok
}

// sortedProfiles returns profile IDs of a geography in lexicographic order.
func (st *state) sortedProfiles(geo string) []string {
	ids := make([]string, 0, len(st.byGeo[geo]))
	for id := range st.byGeo[geo] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isNameAlias(alias string) bool {
	return strings.HasPrefix(alias, model.AliasName+":")
}

// idRank orders profile IDs by the authority of the identity they carry.
func idRank(id string) int {
	switch {
	case strings.HasPrefix(id, model.AliasPlatformID+":"):
		return 0
	case strings.HasPrefix(id, model.AliasDomain+":"):
		return 1
	default:
		return 2
	}
}

// outranks reports whether a should own a cluster containing b: platform
// ids first, then domains, then the lexicographically smaller ID.
func outranks(a, b string) bool {
	if ra, rb := idRank(a), idRank(b); ra != rb {
		return ra < rb
	}
	return a < b
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
