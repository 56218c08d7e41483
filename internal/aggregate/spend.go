package aggregate

import (
	"math"
	"time"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/model"
)

// DefaultSpendConfig returns the production defaults.
func DefaultSpendConfig() config.SpendConfig {
	return config.SpendConfig{HalfLifeDays: 60, DefaultWindowDays: 30}
}

// SpendEstimate is a monthly spend figure with its bounds.
type SpendEstimate struct {
	Monthly float64
	Low     float64
	High    float64
}

const daysPerMonth = 30.0

// EstimateMonthlySpend estimates current monthly ad spend from bounded
// per-window observations. Each observation is scaled to a 30-day window
// and weighted by 2^(-age/half_life), age being its distance from the
// freshest observation, so recent activity dominates and the estimate is
// never a flat total divided by campaign length.
func EstimateMonthlySpend(signals []model.RawSignal, cfg config.SpendConfig) SpendEstimate {
	halfLife := cfg.HalfLifeDays
	if halfLife <= 0 {
		halfLife = DefaultSpendConfig().HalfLifeDays
	}

	var latest time.Time
	for _, s := range signals {
		if s.Payload.HasSpend() && s.ObservedAt.After(latest) {
			latest = s.ObservedAt
		}
	}
	if latest.IsZero() {
		return SpendEstimate{}
	}

	var sumW, sumMid, sumLow, sumHigh float64
	for _, s := range signals {
		if !s.Payload.HasSpend() {
			continue
		}
		scale := daysPerMonth / float64(windowDays(s.Payload, cfg.DefaultWindowDays))
		low := s.Payload.SpendLow * scale
		high := s.Payload.SpendHigh * scale

		ageDays := latest.Sub(s.ObservedAt).Hours() / 24
		w := math.Pow(2, -ageDays/halfLife)

		sumW += w
		sumLow += w * low
		sumHigh += w * high
		sumMid += w * (low + high) / 2
	}

	return SpendEstimate{
		Monthly: round2(sumMid / sumW),
		Low:     round2(sumLow / sumW),
		High:    round2(sumHigh / sumW),
	}
}

// windowDays returns the observation window length, at least one day.
func windowDays(p model.SignalPayload, def int) int {
	if p.WindowStart != nil && p.WindowEnd != nil {
		d := int(math.Round(p.WindowEnd.Sub(*p.WindowStart).Hours() / 24))
		if d >= 1 {
			return d
		}
	}
	if def >= 1 {
		return def
	}
	return int(daysPerMonth)
}

// CampaignSpanDays is the number of days between the earliest campaign
// start (or observation) and the latest campaign end (or observation).
func CampaignSpanDays(signals []model.RawSignal) int {
	var first, last time.Time
	for _, s := range signals {
		if s.Source != model.SourceAdPlatform {
			continue
		}
		start, end := s.ObservedAt, s.ObservedAt
		if s.Payload.CampaignStart != nil {
			start = *s.Payload.CampaignStart
		}
		if s.Payload.CampaignEnd != nil {
			end = *s.Payload.CampaignEnd
		}
		if first.IsZero() || start.Before(first) {
			first = start
		}
		if end.After(last) {
			last = end
		}
	}
	if first.IsZero() || !last.After(first) {
		return 0
	}
	return int(last.Sub(first).Hours() / 24)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
