package aggregate

import (
	"sort"
	"strings"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/rules"
)

// Per-signal content outcomes.
const (
	OutcomeContent     = "content"
	OutcomeMismatch    = "mismatch"
	OutcomeNonBusiness = "non_business"
	OutcomeNone        = "none"
)

// Verdict is the content-derived vertical of a single signal.
type Verdict struct {
	Vertical string
	Outcome  string
}

// ClassifySignal derives a vertical from what the signal's content says
// the business does. The query hint only breaks ties; content that
// supports no vertical yields a mismatch, never the hint.
func ClassifySignal(r *rules.Rules, sig model.RawSignal) Verdict {
	texts := sig.ContentText()
	hint := strings.ToLower(strings.TrimSpace(sig.VerticalHint))
	hits := r.VerticalHits(texts...)

	if r.IsNonBusiness(strings.Join(texts, " ")) && hits[hint] == 0 {
		return Verdict{Vertical: model.Unclassified, Outcome: OutcomeNonBusiness}
	}
	if best := bestVertical(hits, hint); best != "" {
		return Verdict{Vertical: best, Outcome: OutcomeContent}
	}
	if hasDescriptiveContent(sig) {
		return Verdict{Vertical: model.Unclassified, Outcome: OutcomeMismatch}
	}
	return Verdict{Outcome: OutcomeNone}
}

// AdmissionVertical is the vertical used to gate fuzzy name matching for a
// signal: the content vertical, else the hint when the signal carries no
// content and the hint names a known vertical.
func AdmissionVertical(r *rules.Rules, sig model.RawSignal, v Verdict) string {
	switch v.Outcome {
	case OutcomeContent:
		return v.Vertical
	case OutcomeNone:
		hint := strings.ToLower(strings.TrimSpace(sig.VerticalHint))
		if _, ok := r.Vertical(hint); ok {
			return hint
		}
	}
	return model.Unclassified
}

// ResolveVertical picks the profile vertical from its signals: the vertical
// supported by the most signals (ties broken lexicographically). Without
// any support the profile is unclassified with the strongest reason seen.
func ResolveVertical(r *rules.Rules, signals []model.RawSignal) (string, string) {
	counts := make(map[string]int)
	var mismatch, nonBusiness int
	for _, s := range signals {
		v := ClassifySignal(r, s)
		switch v.Outcome {
		case OutcomeContent:
			counts[v.Vertical]++
		case OutcomeMismatch:
			mismatch++
		case OutcomeNonBusiness:
			nonBusiness++
		}
	}

	if best := bestVertical(counts, ""); best != "" {
		return best, model.VerticalReasonContent
	}
	switch {
	case nonBusiness > 0:
		return model.Unclassified, model.VerticalReasonNonBusiness
	case mismatch > 0:
		return model.Unclassified, model.VerticalReasonMismatch
	default:
		return model.Unclassified, model.VerticalReasonInsufficient
	}
}

func bestVertical(counts map[string]int, prefer string) string {
	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Strings(names)

	best, bestN := "", 0
	for _, n := range names {
		c := counts[n]
		if c > bestN || (c == bestN && n == prefer) {
			best, bestN = n, c
		}
	}
	return best
}

func hasDescriptiveContent(sig model.RawSignal) bool {
	if strings.TrimSpace(sig.Payload.LandingTitle) != "" {
		return true
	}
	for _, t := range sig.Payload.CreativeText {
		if strings.TrimSpace(t) != "" {
			return true
		}
	}
	return false
}
