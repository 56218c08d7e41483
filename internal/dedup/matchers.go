package dedup

import (
	"github.com/sells-group/prospect-cli/internal/model"
)

// Strategy names reported in admission results and diagnostics.
const (
	StrategyPlatformID = "platform_id"
	StrategyDomain     = "domain"
	StrategyFuzzyName  = "fuzzy_name"
)

// platformIDMatcher matches on the ad platform's entity id. It is
// authoritative: a bound platform id wins over every other alias.
type platformIDMatcher struct {
	st *state
}

func (m *platformIDMatcher) Name() string { return StrategyPlatformID }

func (m *platformIDMatcher) Match(c Candidate) (string, bool) {
	if c.Key.PlatformEntityID == "" {
		return "", false
	}
	id, ok := m.st.aliases[model.AliasPlatformID+":"+c.Key.PlatformEntityID]
	return id, ok
}

// domainMatcher matches on the registrable domain.
type domainMatcher struct {
	st *state
}

func (m *domainMatcher) Name() string { return StrategyDomain }

func (m *domainMatcher) Match(c Candidate) (string, bool) {
	if c.Key.NormalizedDomain == "" {
		return "", false
	}
	id, ok := m.st.aliases[model.AliasDomain+":"+c.Key.NormalizedDomain]
	return id, ok
}

// fuzzyNameMatcher matches normalized names within the same geography and
// resolved vertical. Unclassified candidates never fuzzy-match.
type fuzzyNameMatcher struct {
	st        *state
	threshold float64
}

func (m *fuzzyNameMatcher) Name() string { return StrategyFuzzyName }

func (m *fuzzyNameMatcher) Match(c Candidate) (string, bool) {
	if c.Key.NormalizedName == "" || c.Vertical == "" || c.Vertical == model.Unclassified {
		return "", false
	}

	var (
		bestID    string
		bestScore float64
	)
	for _, id := range m.st.sortedProfiles(c.Key.Geography) {
		e := m.st.profiles[id]
		if e.vertical != c.Vertical {
			continue
		}
		for name := range e.names {
			score := TokenSetRatio(c.Key.NormalizedName, name)
			if score >= m.threshold && score > bestScore {
				bestID, bestScore = id, score
			}
		}
	}
	return bestID, bestID != ""
}
