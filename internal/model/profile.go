package model

import (
	"sort"
	"time"
)

// Unclassified marks a profile whose content does not support any known
// vertical. Unclassified profiles are never scored or emitted.
const Unclassified = "UNCLASSIFIED"

// Vertical resolution reasons recorded on a profile.
const (
	VerticalReasonContent      = "content"              // Content supports the vertical
	VerticalReasonMismatch     = "content_mismatch"     // Content contradicts the query hint
	VerticalReasonNonBusiness  = "non_business_content" // Content looks like a personal listing
	VerticalReasonInsufficient = "insufficient_content" // No descriptive content at all
)

// Severity grades a technical issue.
type Severity int

const (
	SeverityLow    Severity = 1
	SeverityMedium Severity = 2
	SeverityHigh   Severity = 3
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "none"
	}
}

// TechIssue is a technical deficiency observed on an entity's website.
type TechIssue struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

// ProspectProfile is the aggregate of every signal admitted for one entity.
// Profiles are updated in place and never deleted.
type ProspectProfile struct {
	ID                    string      `json:"id"`
	EntityKey             EntityKey   `json:"entity_key"`
	Vertical              string      `json:"vertical"`
	VerticalReason        string      `json:"vertical_reason"`
	Geography             string      `json:"geography"`
	Signals               []RawSignal `json:"signals"`
	EstimatedMonthlySpend float64     `json:"estimated_monthly_spend"`
	SpendLow              float64     `json:"spend_low"`
	SpendHigh             float64     `json:"spend_high"`
	CampaignSpanDays      int         `json:"campaign_span_days"`
	CreativeCount         int         `json:"creative_count"`
	TechIssues            []TechIssue `json:"tech_issues,omitempty"`
	FirstObservedAt       time.Time   `json:"first_observed_at"`
	LastUpdatedAt         time.Time   `json:"last_updated_at"`
}

// IsClassified reports whether the profile resolved to a known vertical.
func (p *ProspectProfile) IsClassified() bool {
	return p.Vertical != "" && p.Vertical != Unclassified
}

// Clone returns a deep copy safe to hand to pure stages.
func (p *ProspectProfile) Clone() ProspectProfile {
	c := *p
	c.Signals = make([]RawSignal, len(p.Signals))
	copy(c.Signals, p.Signals)
	c.TechIssues = make([]TechIssue, len(p.TechIssues))
	copy(c.TechIssues, p.TechIssues)
	return c
}

// HasIssue reports whether the profile carries the issue code.
func (p *ProspectProfile) HasIssue(code string) bool {
	for _, ti := range p.TechIssues {
		if ti.Code == code {
			return true
		}
	}
	return false
}

// SortSignals orders signals by observation time then fingerprint.
func SortSignals(signals []RawSignal) {
	sort.SliceStable(signals, func(i, j int) bool {
		if !signals[i].ObservedAt.Equal(signals[j].ObservedAt) {
			return signals[i].ObservedAt.Before(signals[j].ObservedAt)
		}
		return signals[i].Fingerprint() < signals[j].Fingerprint()
	})
}
