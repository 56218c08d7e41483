package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/rules"
)

// Tech issue codes.
const (
	IssueSlowLCP         = "slow_lcp"
	IssueSlowINP         = "slow_inp"
	IssueLayoutShift     = "layout_shift"
	IssueNoAnalytics     = "no_analytics"
	IssueNoConversionTag = "no_conversion_tracking"
)

// Core Web Vitals thresholds: above the first value is "needs improvement",
// above the second is "poor".
var (
	lcpThresholds = [2]float64{2500, 4000}
	inpThresholds = [2]float64{200, 500}
	clsThresholds = [2]float64{0.1, 0.25}
)

// DetectTechIssues reports the issues of the most recent tech scan. Older
// scans describe a site that may since have been fixed.
func DetectTechIssues(r *rules.Rules, signals []model.RawSignal) []model.TechIssue {
	var scan *model.RawSignal
	for i := range signals {
		s := &signals[i]
		if s.Source != model.SourceTechScan {
			continue
		}
		if scan == nil || s.ObservedAt.After(scan.ObservedAt) ||
			(s.ObservedAt.Equal(scan.ObservedAt) && s.Fingerprint() > scan.Fingerprint()) {
			scan = s
		}
	}
	if scan == nil {
		return nil
	}

	set := make(map[string]model.TechIssue)
	add := func(code string, sev model.Severity, detail string) {
		if cur, ok := set[code]; ok && cur.Severity >= sev {
			return
		}
		set[code] = model.TechIssue{Code: code, Severity: sev, Detail: detail}
	}

	p := scan.Payload
	if sev := grade(p.LCPMillis, lcpThresholds); sev > 0 {
		add(IssueSlowLCP, sev, fmt.Sprintf("lcp %.0fms", p.LCPMillis))
	}
	if sev := grade(p.INPMillis, inpThresholds); sev > 0 {
		add(IssueSlowINP, sev, fmt.Sprintf("inp %.0fms", p.INPMillis))
	}
	if sev := grade(p.CLS, clsThresholds); sev > 0 {
		add(IssueLayoutShift, sev, fmt.Sprintf("cls %.2f", p.CLS))
	}

	if p.Scanned || len(p.Technologies) > 0 {
		tech := rules.Fold(strings.Join(p.Technologies, " | "))
		if len(rules.MatchTerms(tech, r.AnalyticsTechnologies)) == 0 {
			add(IssueNoAnalytics, model.SeverityLow, "")
		}
		if len(rules.MatchTerms(tech, r.ConversionTechnologies)) == 0 {
			add(IssueNoConversionTag, model.SeverityLow, "")
		}
	}

	out := make([]model.TechIssue, 0, len(set))
	for _, ti := range set {
		out = append(out, ti)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func grade(v float64, th [2]float64) model.Severity {
	switch {
	case v > th[1]:
		return model.SeverityHigh
	case v > th[0]:
		return model.SeverityMedium
	default:
		return 0
	}
}
