package model

import (
	"time"
)

// Tier is the qualification bucket of a lead. P0 is the most actionable.
type Tier string

const (
	TierP0 Tier = "P0"
	TierP1 Tier = "P1"
	TierP2 Tier = "P2"
	TierP3 Tier = "P3"
)

// Tiers lists tiers from most to least actionable.
var Tiers = []Tier{TierP0, TierP1, TierP2, TierP3}

// Rank returns the ordinal of the tier (0 for P0). Unknown tiers sort last.
func (t Tier) Rank() int {
	for i, tt := range Tiers {
		if tt == t {
			return i
		}
	}
	return len(Tiers)
}

// Lower returns the tier one step below t, saturating at the lowest tier.
func (t Tier) Lower() Tier {
	r := t.Rank()
	if r+1 >= len(Tiers) {
		return Tiers[len(Tiers)-1]
	}
	return Tiers[r+1]
}

// Evidence is one scored contribution, kept for explainability.
type Evidence struct {
	Component string  `json:"component"` // demand, pain, fit
	Factor    string  `json:"factor"`
	Points    float64 `json:"points"`
	Detail    string  `json:"detail,omitempty"`
}

// ScoreBreakdown is the explainable score of a profile for one batch.
type ScoreBreakdown struct {
	DemandScore   float64    `json:"demand_score"`
	PainScore     float64    `json:"pain_score"`
	FitScore      float64    `json:"fit_score"`
	PriorityScore float64    `json:"priority_score"`
	Confidence    float64    `json:"confidence"`
	Evidence      []Evidence `json:"evidence,omitempty"`
}

// QualifiedLead is a scored, tiered and ranked profile emitted by a batch.
type QualifiedLead struct {
	EntityKey       EntityKey       `json:"entity_key"`
	ProfileSnapshot ProspectProfile `json:"profile"`
	Score           ScoreBreakdown  `json:"score"`
	Tier            Tier            `json:"tier"`
	RankWithinBatch int             `json:"rank"`
	GeneratedAt     time.Time       `json:"generated_at"`
}
