// Package qualify assigns tiers and batch ranks to allocated candidates and
// asserts that every emitted lead is backed by its score evidence.
package qualify

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/allocate"
	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/scorer"
)

// ErrScoringInconsistency reports a lead whose tier or priority is not
// justified by its score components. It indicates a bug, not bad input.
var ErrScoringInconsistency = eris.New("qualify: scoring inconsistency")

const scoreTolerance = 0.011

// RawTier maps a priority score to a tier by threshold alone.
func RawTier(priority float64, cfg config.TierConfig) model.Tier {
	switch {
	case priority >= cfg.P0Min:
		return model.TierP0
	case priority >= cfg.P1Min:
		return model.TierP1
	case priority >= cfg.P2Min:
		return model.TierP2
	default:
		return model.TierP3
	}
}

// ConfidenceFloor returns the minimum confidence needed to hold a tier.
func ConfidenceFloor(t model.Tier, cfg config.TierConfig) float64 {
	switch t {
	case model.TierP0:
		return cfg.P0ConfidenceFloor
	case model.TierP1:
		return cfg.P1ConfidenceFloor
	case model.TierP2:
		return cfg.P2ConfidenceFloor
	default:
		return 0
	}
}

// TierFor returns the tier of a score. A confidence below the raw tier's
// floor caps the lead exactly one tier lower, and the top tier also
// requires pain of at least MinPainForTop.
func TierFor(s model.ScoreBreakdown, cfg config.TierConfig) model.Tier {
	tier := RawTier(s.PriorityScore, cfg)
	if s.Confidence < ConfidenceFloor(tier, cfg) {
		tier = tier.Lower()
	}
	if tier == model.TierP0 && s.PainScore < cfg.MinPainForTop {
		tier = model.TierP1
	}
	return tier
}

// Classify tiers and ranks the selected candidates. The rank is a total
// order by tier, priority desc, confidence desc, then entity key, so equal
// input always yields the same ranking.
func Classify(selected []allocate.Candidate, cfg config.TierConfig, generatedAt time.Time) []model.QualifiedLead {
	leads := make([]model.QualifiedLead, 0, len(selected))
	for _, c := range selected {
		leads = append(leads, model.QualifiedLead{
			EntityKey:       c.Profile.EntityKey,
			ProfileSnapshot: c.Profile.Clone(),
			Score:           c.Score,
			Tier:            TierFor(c.Score, cfg),
			GeneratedAt:     generatedAt,
		})
	}

	sort.SliceStable(leads, func(i, j int) bool { return less(leads[i], leads[j]) })
	for i := range leads {
		leads[i].RankWithinBatch = i + 1
	}
	return leads
}

func less(a, b model.QualifiedLead) bool {
	if ra, rb := a.Tier.Rank(), b.Tier.Rank(); ra != rb {
		return ra < rb
	}
	if a.Score.PriorityScore != b.Score.PriorityScore {
		return a.Score.PriorityScore > b.Score.PriorityScore
	}
	if a.Score.Confidence != b.Score.Confidence {
		return a.Score.Confidence > b.Score.Confidence
	}
	if ka, kb := a.EntityKey.ID(), b.EntityKey.ID(); ka != kb {
		return ka < kb
	}
	return a.ProfileSnapshot.ID < b.ProfileSnapshot.ID
}

// CheckInvariants verifies a batch before it is emitted: priority is the
// sum of its components, each component is within bounds and equals its
// evidence, no top-tier lead lacks pain, ranks form a total order and no
// profile appears twice. Violations wrap ErrScoringInconsistency.
func CheckInvariants(leads []model.QualifiedLead, tiers config.TierConfig, scoring config.ScoringConfig) error {
	var errs []string
	keys := make(map[string]bool, len(leads))

	for i, l := range leads {
		id := l.ProfileSnapshot.ID
		if id == "" {
			id = l.EntityKey.ID()
		}
		s := l.Score

		if keys[id] {
			errs = append(errs, fmt.Sprintf("%s: duplicate profile in batch", id))
		}
		keys[id] = true

		if math.Abs(s.PriorityScore-(s.DemandScore+s.PainScore+s.FitScore)) > scoreTolerance {
			errs = append(errs, fmt.Sprintf("%s: priority %.2f != demand %.2f + pain %.2f + fit %.2f",
				id, s.PriorityScore, s.DemandScore, s.PainScore, s.FitScore))
		}

		bounds := []struct {
			name  string
			v     float64
			limit float64
		}{
			{scorer.ComponentDemand, s.DemandScore, scoring.DemandMax},
			{scorer.ComponentPain, s.PainScore, scoring.PainMax},
			{scorer.ComponentFit, s.FitScore, scoring.FitMax},
		}
		evidence := evidenceTotals(s.Evidence)
		for _, b := range bounds {
			if b.v < 0 || b.v > b.limit+scoreTolerance {
				errs = append(errs, fmt.Sprintf("%s: %s %.2f outside [0, %.2f]", id, b.name, b.v, b.limit))
			}
			if want := math.Min(evidence[b.name], b.limit); math.Abs(b.v-want) > 0.05 {
				errs = append(errs, fmt.Sprintf("%s: %s %.2f not backed by evidence (%.2f)", id, b.name, b.v, want))
			}
		}

		if s.Confidence < 0 || s.Confidence > 1 {
			errs = append(errs, fmt.Sprintf("%s: confidence %.4f outside [0, 1]", id, s.Confidence))
		}

		if l.Tier == model.TierP0 && s.PainScore < tiers.MinPainForTop {
			errs = append(errs, fmt.Sprintf("%s: top tier with pain %.2f below %.2f", id, s.PainScore, tiers.MinPainForTop))
		}
		if l.Tier.Rank() < TierFor(s, tiers).Rank() {
			errs = append(errs, fmt.Sprintf("%s: tier %s above what its score supports", id, l.Tier))
		}

		if l.RankWithinBatch != i+1 {
			errs = append(errs, fmt.Sprintf("%s: rank %d at position %d", id, l.RankWithinBatch, i+1))
		}
		if i > 0 && less(l, leads[i-1]) {
			errs = append(errs, fmt.Sprintf("%s: out of rank order", id))
		}
	}

	if len(errs) > 0 {
		return eris.Wrapf(ErrScoringInconsistency, "%s", strings.Join(errs, "; "))
	}
	return nil
}

func evidenceTotals(ev []model.Evidence) map[string]float64 {
	out := make(map[string]float64, 3)
	for _, e := range ev {
		out[e.Component] += e.Points
	}
	return out
}
