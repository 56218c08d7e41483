// Package scorer computes explainable demand, pain and fit scores for
// prospect profiles.
package scorer

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/config"
)

// DefaultConfig returns a config.ScoringConfig with sensible defaults.
// Component maxima sum to 17.
func DefaultConfig() config.ScoringConfig {
	return config.ScoringConfig{
		DemandMax: 4,
		PainMax:   10,
		FitMax:    3,

		RecencyBrackets: []config.RecencyBracket{
			{MaxDays: 7, Points: 2},
			{MaxDays: 30, Points: 1.5},
			{MaxDays: 90, Points: 1},
			{MaxDays: 180, Points: 0.5},
		},
		VarietyBrackets: []config.VarietyBracket{
			{MinCreatives: 10, Points: 2},
			{MinCreatives: 5, Points: 1.5},
			{MinCreatives: 2, Points: 1},
			{MinCreatives: 1, Points: 0.5},
		},

		SeverityWeights: map[string]float64{"low": 0.5, "medium": 1.0, "high": 2.0},

		EligibleCurrencies: []string{"USD", "CAD"},

		ConfidenceCountWeight:   0.5,
		ConfidenceSpanWeight:    0.2,
		ConfidenceRecencyWeight: 0.3,
		ConfidenceHalfLifeDays:  30,
		ConfidenceSpanDays:      90,
	}
}

// MaxPriority returns the highest priority score the config can produce.
func MaxPriority(c config.ScoringConfig) float64 {
	return c.DemandMax + c.PainMax + c.FitMax
}

// ValidateConfig checks that a ScoringConfig is internally consistent.
func ValidateConfig(c config.ScoringConfig) error {
	var errs []string

	if c.DemandMax <= 0 {
		errs = append(errs, "demand_max must be > 0")
	}
	if c.PainMax <= 0 {
		errs = append(errs, "pain_max must be > 0")
	}
	if c.FitMax <= 0 {
		errs = append(errs, "fit_max must be > 0")
	}

	// Brackets are evaluated first match wins, so they must be ordered.
	for i, b := range c.RecencyBrackets {
		if b.Points < 0 {
			errs = append(errs, fmt.Sprintf("recency_brackets[%d].points must be >= 0", i))
		}
		if i > 0 && b.MaxDays <= c.RecencyBrackets[i-1].MaxDays {
			errs = append(errs, "recency_brackets must be ordered by increasing max_days")
		}
	}
	for i, b := range c.VarietyBrackets {
		if b.Points < 0 {
			errs = append(errs, fmt.Sprintf("variety_brackets[%d].points must be >= 0", i))
		}
		if i > 0 && b.MinCreatives >= c.VarietyBrackets[i-1].MinCreatives {
			errs = append(errs, "variety_brackets must be ordered by decreasing min_creatives")
		}
	}

	for _, sev := range []string{"low", "medium", "high"} {
		if w, ok := c.SeverityWeights[sev]; !ok || w < 0 {
			errs = append(errs, fmt.Sprintf("severity_weights.%s must be set and >= 0", sev))
		}
	}

	wsum := c.ConfidenceCountWeight + c.ConfidenceSpanWeight + c.ConfidenceRecencyWeight
	if wsum < 0.999 || wsum > 1.001 {
		errs = append(errs, fmt.Sprintf("confidence weights should sum to 1, got %.3f", wsum))
	}
	if c.ConfidenceHalfLifeDays <= 0 {
		errs = append(errs, "confidence_half_life_days must be > 0")
	}
	if c.ConfidenceSpanDays <= 0 {
		errs = append(errs, "confidence_span_days must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
