package model

import (
	"sort"
	"time"
)

// BatchResult is the write-once output of a batch run.
type BatchResult struct {
	ID          string          `json:"id"`
	AsOf        time.Time       `json:"as_of"`
	ConfigHash  string          `json:"config_hash"`
	Leads       []QualifiedLead `json:"leads"`
	Diagnostics Diagnostics     `json:"diagnostics"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// UnclassifiedEntity records a profile excluded for content reasons.
type UnclassifiedEntity struct {
	EntityKey string `json:"entity_key"`
	Hint      string `json:"vertical_hint,omitempty"`
	Reason    string `json:"reason"`
}

// CollectorFailure records a source that failed during collection.
type CollectorFailure struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// Diagnostics summarizes what a batch saw and dropped, so operators can
// tell "no good leads" apart from "pipeline degraded".
type Diagnostics struct {
	SignalsReceived   int                  `json:"signals_received"`
	SignalsIngested   int                  `json:"signals_ingested"`
	SignalsReplayed   int                  `json:"signals_replayed"`
	SignalsRejected   int                  `json:"signals_rejected"`
	RejectReasons     map[string]int       `json:"reject_reasons,omitempty"`
	SoftWarnings      map[string]int       `json:"soft_warnings,omitempty"`
	DuplicatesFolded  int                  `json:"duplicates_folded"`
	ConflictsFolded   int                  `json:"conflicts_folded"`
	ProfilesMerged    int                  `json:"profiles_merged"`
	MatchesByStrategy map[string]int       `json:"matches_by_strategy,omitempty"`
	Profiles          int                  `json:"profiles"`
	Unclassified      []UnclassifiedEntity `json:"unclassified,omitempty"`
	CandidatesScored  int                  `json:"candidates_scored"`
	LowConfidence     int                  `json:"low_confidence"`
	QuotaHeld         int                  `json:"quota_held"`
	Unfilled          int                  `json:"unfilled"`
	DuplicateOutput   int                  `json:"duplicate_output_suppressed"`
	LeadsByTier       map[Tier]int         `json:"leads_by_tier,omitempty"`
	CollectorFailures []CollectorFailure   `json:"collector_failures,omitempty"`
	Partial           bool                 `json:"partial"`
}

// RecordReject counts a rejected signal under reason.
func (d *Diagnostics) RecordReject(reason string) {
	if d.RejectReasons == nil {
		d.RejectReasons = make(map[string]int)
	}
	d.SignalsRejected++
	d.RejectReasons[reason]++
}

// RecordWarning counts a soft normalization warning.
func (d *Diagnostics) RecordWarning(code string) {
	if d.SoftWarnings == nil {
		d.SoftWarnings = make(map[string]int)
	}
	d.SoftWarnings[code]++
}

// RecordMatch counts a dedup match by strategy name.
func (d *Diagnostics) RecordMatch(strategy string) {
	if d.MatchesByStrategy == nil {
		d.MatchesByStrategy = make(map[string]int)
	}
	d.MatchesByStrategy[strategy]++
}

// SortUnclassified orders the unclassified list by entity key.
func (d *Diagnostics) SortUnclassified() {
	sort.Slice(d.Unclassified, func(i, j int) bool {
		return d.Unclassified[i].EntityKey < d.Unclassified[j].EntityKey
	})
}

// RejectionRate returns rejected / received, or 0 with nothing received.
func (d *Diagnostics) RejectionRate() float64 {
	if d.SignalsReceived == 0 {
		return 0
	}
	return float64(d.SignalsRejected) / float64(d.SignalsReceived)
}

// UnclassifiedRate returns unclassified / profiles, or 0 with no profiles.
func (d *Diagnostics) UnclassifiedRate() float64 {
	if d.Profiles == 0 {
		return 0
	}
	return float64(len(d.Unclassified)) / float64(d.Profiles)
}
