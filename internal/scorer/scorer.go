package scorer

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/rules"
)

// Score components.
const (
	ComponentDemand = "demand"
	ComponentPain   = "pain"
	ComponentFit    = "fit"
)

// Scorer is a generic interpreter of the rule table. It holds no state
// between calls; every Score call recomputes from the profile.
type Scorer struct {
	rules *rules.Rules
	cfg   config.ScoringConfig
}

// New creates a Scorer with the given rule table and config.
func New(r *rules.Rules, cfg config.ScoringConfig) *Scorer {
	return &Scorer{rules: r, cfg: cfg}
}

// Score computes the breakdown of a profile as of the given time.
func (s *Scorer) Score(p model.ProspectProfile, asOf time.Time) model.ScoreBreakdown {
	var ev []model.Evidence

	demand, demandEv := s.demand(p, asOf)
	ev = append(ev, demandEv...)

	pain, painEv := s.pain(p)
	ev = append(ev, painEv...)

	fit, fitEv := s.fit(p)
	ev = append(ev, fitEv...)

	return model.ScoreBreakdown{
		DemandScore:   demand,
		PainScore:     pain,
		FitScore:      fit,
		PriorityScore: round2(demand + pain + fit),
		Confidence:    s.Confidence(p, asOf),
		Evidence:      ev,
	}
}

// demand scores how recently and how broadly the entity is advertising.
func (s *Scorer) demand(p model.ProspectProfile, asOf time.Time) (float64, []model.Evidence) {
	var ev []model.Evidence
	var total float64

	if last, ok := lastAdActivity(p.Signals, asOf); ok {
		age := daysBetween(last, asOf)
		for _, b := range s.cfg.RecencyBrackets {
			if age <= b.MaxDays {
				total += b.Points
				ev = append(ev, model.Evidence{
					Component: ComponentDemand,
					Factor:    "recency",
					Points:    b.Points,
					Detail:    fmt.Sprintf("last ad activity %d days ago", age),
				})
				break
			}
		}
	}

	for _, b := range s.cfg.VarietyBrackets {
		if p.CreativeCount >= b.MinCreatives {
			total += b.Points
			ev = append(ev, model.Evidence{
				Component: ComponentDemand,
				Factor:    "creative_variety",
				Points:    b.Points,
				Detail:    fmt.Sprintf("%d active creatives", p.CreativeCount),
			})
			break
		}
	}

	return round2(math.Min(total, s.cfg.DemandMax)), ev
}

// pain scores distress terms in the entity's own content, weighted for its
// vertical, plus the severity of its website issues.
func (s *Scorer) pain(p model.ProspectProfile) (float64, []model.Evidence) {
	var ev []model.Evidence
	var total float64

	var texts []string
	for _, sig := range p.Signals {
		texts = append(texts, sig.ContentText()...)
	}
	folded := rules.Fold(strings.Join(texts, " "))

	terms := make([]string, len(s.rules.PainTerms))
	byTerm := make(map[string]rules.Term, len(s.rules.PainTerms))
	for i, t := range s.rules.PainTerms {
		terms[i] = t.Term
		byTerm[t.Term] = t
	}

	for _, matched := range rules.MatchTerms(folded, terms) {
		w, counts := s.rules.PainWeight(p.Vertical, byTerm[matched])
		if !counts {
			ev = append(ev, model.Evidence{
				Component: ComponentPain,
				Factor:    "term",
				Points:    0,
				Detail:    fmt.Sprintf("%q is ordinary positioning for %s", matched, p.Vertical),
			})
			continue
		}
		total += w
		ev = append(ev, model.Evidence{
			Component: ComponentPain,
			Factor:    "term",
			Points:    w,
			Detail:    fmt.Sprintf("%q", matched),
		})
	}

	for _, ti := range p.TechIssues {
		w := s.cfg.SeverityWeights[ti.Severity.String()]
		if w <= 0 {
			continue
		}
		total += w
		detail := ti.Severity.String()
		if ti.Detail != "" {
			detail += ": " + ti.Detail
		}
		ev = append(ev, model.Evidence{
			Component: ComponentPain,
			Factor:    "tech:" + ti.Code,
			Points:    w,
			Detail:    detail,
		})
	}

	return round2(math.Min(total, s.cfg.PainMax)), ev
}

// fit scores structural fit: market eligibility, vertical whitelist and
// spend within the target band. Each factor is worth a third of FitMax.
func (s *Scorer) fit(p model.ProspectProfile) (float64, []model.Evidence) {
	unit := s.cfg.FitMax / 3
	components := make(map[string]float64)
	var ev []model.Evidence

	if ok, detail := s.marketEligible(p); ok {
		components["market"] = unit
		ev = append(ev, model.Evidence{Component: ComponentFit, Factor: "market", Points: round2(unit), Detail: detail})
	}

	if v, ok := s.rules.Vertical(p.Vertical); ok && v.Whitelisted {
		components["vertical"] = unit
		ev = append(ev, model.Evidence{Component: ComponentFit, Factor: "vertical_whitelist", Points: round2(unit), Detail: p.Vertical})
	}

	band := s.rules.SpendBandFor(p.Vertical)
	if f := scoreSpendFit(p.EstimatedMonthlySpend, band.Min, band.Max); f > 0 {
		components["spend"] = f * unit
		ev = append(ev, model.Evidence{
			Component: ComponentFit,
			Factor:    "spend_band",
			Points:    round2(f * unit),
			Detail:    fmt.Sprintf("est. %.0f/mo vs band %.0f-%.0f", p.EstimatedMonthlySpend, band.Min, band.Max),
		})
	}

	var total float64
	for _, v := range components {
		total += v
	}
	return round2(math.Min(total, s.cfg.FitMax)), ev
}

// marketEligible reports whether every currency the entity spends in and
// its geography are on the allow-lists. An empty allow-list admits all.
func (s *Scorer) marketEligible(p model.ProspectProfile) (bool, string) {
	var currencies []string
	for _, sig := range p.Signals {
		if c := strings.ToUpper(strings.TrimSpace(sig.Payload.Currency)); c != "" {
			if len(s.cfg.EligibleCurrencies) > 0 && !containsFold(s.cfg.EligibleCurrencies, c) {
				return false, ""
			}
			if !containsFold(currencies, c) {
				currencies = append(currencies, c)
			}
		}
	}
	if len(s.cfg.EligibleGeographies) > 0 && !containsFold(s.cfg.EligibleGeographies, p.Geography) {
		return false, ""
	}
	detail := p.Geography
	if len(currencies) > 0 {
		detail += " " + strings.Join(currencies, ",")
	}
	return true, strings.TrimSpace(detail)
}

// Confidence grows with the number of signals, the time they span and the
// freshness of the newest one. Adding a signal never lowers it.
func (s *Scorer) Confidence(p model.ProspectProfile, asOf time.Time) float64 {
	n := len(p.Signals)
	if n == 0 {
		return 0
	}

	count := 1 - math.Pow(0.5, float64(n))

	span := 0.0
	if s.cfg.ConfidenceSpanDays > 0 {
		days := p.LastUpdatedAt.Sub(p.FirstObservedAt).Hours() / 24
		span = math.Min(1, math.Max(0, days)/s.cfg.ConfidenceSpanDays)
	}

	recency := 1.0
	if age := asOf.Sub(p.LastUpdatedAt).Hours() / 24; age > 0 && s.cfg.ConfidenceHalfLifeDays > 0 {
		recency = math.Pow(2, -age/s.cfg.ConfidenceHalfLifeDays)
	}

	c := s.cfg.ConfidenceCountWeight*count +
		s.cfg.ConfidenceSpanWeight*span +
		s.cfg.ConfidenceRecencyWeight*recency
	return math.Round(math.Min(1, math.Max(0, c))*10000) / 10000
}

// scoreSpendFit returns 0.0-1.0 for how well spend sits in [minSpend, maxSpend].
// Below the band credit falls off linearly; above it, inversely.
func scoreSpendFit(spend, minSpend, maxSpend float64) float64 {
	if spend <= 0 {
		return 0
	}
	if minSpend > 0 && spend < minSpend {
		return spend / minSpend
	}
	if maxSpend > 0 && spend > maxSpend {
		return maxSpend / spend
	}
	return 1.0
}

// lastAdActivity returns the latest point at which an ad was known to be
// running, never later than asOf.
func lastAdActivity(signals []model.RawSignal, asOf time.Time) (time.Time, bool) {
	var last time.Time
	for _, sig := range signals {
		if sig.Source != model.SourceAdPlatform {
			continue
		}
		t := sig.ObservedAt
		if end := sig.Payload.CampaignEnd; end != nil && end.After(t) {
			t = *end
		}
		if t.After(asOf) {
			t = asOf
		}
		if t.After(last) {
			last = t
		}
	}
	return last, !last.IsZero()
}

func daysBetween(from, to time.Time) int {
	d := to.Sub(from).Hours() / 24
	if d < 0 {
		return 0
	}
	return int(d)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
