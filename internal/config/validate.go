package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the configuration for the given mode ("run" or "serve").
// All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run":
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if c.Batch.Workers < 1 || c.Batch.Workers > 64 {
		errs = append(errs, "batch.workers must be between 1 and 64")
	}
	if c.Batch.ScoreWorkers < 1 || c.Batch.ScoreWorkers > 64 {
		errs = append(errs, "batch.score_workers must be between 1 and 64")
	}
	if c.Batch.OutputSize < 1 {
		errs = append(errs, "batch.output_size must be >= 1")
	}
	if c.Batch.DeadlineSecs < 1 {
		errs = append(errs, "batch.deadline_secs must be >= 1")
	}
	for _, f := range c.Batch.ExportFormats {
		switch strings.ToLower(f) {
		case "json", "csv", "xlsx":
		default:
			errs = append(errs, fmt.Sprintf("batch.export_formats: unknown format %q", f))
		}
	}

	if c.Dedup.FuzzyThreshold <= 0 || c.Dedup.FuzzyThreshold > 1 {
		errs = append(errs, "dedup.fuzzy_threshold must be in (0, 1]")
	}
	if c.Spend.HalfLifeDays <= 0 {
		errs = append(errs, "spend.half_life_days must be > 0")
	}

	errs = append(errs, c.Scoring.validate()...)
	errs = append(errs, c.Quotas.validate()...)
	errs = append(errs, c.Tiers.validate()...)

	for i, s := range c.Sources {
		switch s.Type {
		case "file":
			if s.Path == "" {
				errs = append(errs, fmt.Sprintf("sources[%d] (%s): path is required for file sources", i, s.Name))
			}
		case "http":
			if s.URL == "" {
				errs = append(errs, fmt.Sprintf("sources[%d] (%s): url is required for http sources", i, s.Name))
			}
		default:
			errs = append(errs, fmt.Sprintf("sources[%d] (%s): unknown type %q", i, s.Name, s.Type))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s ScoringConfig) validate() []string {
	var errs []string
	if s.DemandMax <= 0 || s.PainMax <= 0 || s.FitMax <= 0 {
		errs = append(errs, "scoring: demand_max, pain_max and fit_max must be > 0")
	}
	for _, w := range s.SeverityWeights {
		if w < 0 {
			errs = append(errs, "scoring.severity_weights values must be >= 0")
			break
		}
	}
	if s.ConfidenceCountWeight < 0 || s.ConfidenceSpanWeight < 0 || s.ConfidenceRecencyWeight < 0 {
		errs = append(errs, "scoring: confidence weights must be >= 0")
	}
	sum := s.ConfidenceCountWeight + s.ConfidenceSpanWeight + s.ConfidenceRecencyWeight
	if sum < 0.999 || sum > 1.001 {
		errs = append(errs, fmt.Sprintf("scoring: confidence weights must sum to 1.0 (got %.3f)", sum))
	}
	if s.ConfidenceHalfLifeDays <= 0 {
		errs = append(errs, "scoring.confidence_half_life_days must be > 0")
	}
	if s.ConfidenceSpanDays <= 0 {
		errs = append(errs, "scoring.confidence_span_days must be > 0")
	}
	return errs
}

func (q QuotaConfig) validate() []string {
	var errs []string
	check := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("quotas.%s must be between 0 and 1", name))
		}
	}
	check("default_geo_cap", q.DefaultGeoCap)
	check("default_vertical_cap", q.DefaultVerticalCap)
	for _, k := range sortedKeys(q.Geo) {
		check("geo."+k, q.Geo[k])
	}
	for _, k := range sortedKeys(q.Vertical) {
		check("vertical."+k, q.Vertical[k])
	}
	return errs
}

func (t TierConfig) validate() []string {
	var errs []string
	if !(t.P0Min > t.P1Min && t.P1Min > t.P2Min && t.P2Min >= 0) {
		errs = append(errs, "tiers: thresholds must satisfy p0_min > p1_min > p2_min >= 0")
	}
	floors := []struct {
		name string
		v    float64
	}{
		{"p0_confidence_floor", t.P0ConfidenceFloor},
		{"p1_confidence_floor", t.P1ConfidenceFloor},
		{"p2_confidence_floor", t.P2ConfidenceFloor},
	}
	for _, f := range floors {
		if f.v < 0 || f.v > 1 {
			errs = append(errs, fmt.Sprintf("tiers.%s must be between 0 and 1", f.name))
		}
	}
	if t.MinPainForTop < 0 {
		errs = append(errs, "tiers.min_pain_for_top must be >= 0")
	}
	return errs
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
