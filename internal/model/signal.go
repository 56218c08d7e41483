package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// SignalSource identifies the collector family that produced a signal.
type SignalSource string

const (
	SourceAdPlatform SignalSource = "ad_platform" // Ad-library observations (spend, creatives)
	SourceTechScan   SignalSource = "tech_scan"   // Website performance and stack scans
)

// Valid reports whether s is a known source.
func (s SignalSource) Valid() bool {
	return s == SourceAdPlatform || s == SourceTechScan
}

// RawSignal is a single observation about a business from one source.
// It is immutable once emitted by a collector.
type RawSignal struct {
	Source           SignalSource  `json:"source" csv:"source"`
	PlatformEntityID string        `json:"platform_entity_id,omitempty" csv:"platform_entity_id,omitempty"`
	RawName          string        `json:"raw_name" csv:"raw_name"`
	Domain           string        `json:"domain,omitempty" csv:"domain,omitempty"`
	Geography        string        `json:"geography" csv:"geography"`
	VerticalHint     string        `json:"vertical_hint" csv:"vertical_hint"`
	Payload          SignalPayload `json:"payload" csv:",inline"`
	ObservedAt       time.Time     `json:"observed_at" csv:"observed_at"`
}

// SignalPayload carries the source-specific measurements of a signal.
// Ad fields are zero for tech scans and vice versa.
type SignalPayload struct {
	// Ad platform: spend is a bounded range over the observation window.
	SpendLow      float64    `json:"spend_low,omitempty" csv:"spend_low,omitempty"`
	SpendHigh     float64    `json:"spend_high,omitempty" csv:"spend_high,omitempty"`
	Currency      string     `json:"currency,omitempty" csv:"currency,omitempty"`
	WindowStart   *time.Time `json:"window_start,omitempty" csv:"window_start,omitempty"`
	WindowEnd     *time.Time `json:"window_end,omitempty" csv:"window_end,omitempty"`
	CreativeCount int        `json:"creative_count,omitempty" csv:"creative_count,omitempty"`
	CreativeText  []string   `json:"creative_text,omitempty" csv:"-"`
	CampaignStart *time.Time `json:"campaign_start,omitempty" csv:"campaign_start,omitempty"`
	CampaignEnd   *time.Time `json:"campaign_end,omitempty" csv:"campaign_end,omitempty"`
	LandingTitle  string     `json:"landing_title,omitempty" csv:"landing_title,omitempty"`

	// Tech scan.
	LCPMillis    float64  `json:"lcp_ms,omitempty" csv:"lcp_ms,omitempty"`
	INPMillis    float64  `json:"inp_ms,omitempty" csv:"inp_ms,omitempty"`
	CLS          float64  `json:"cls,omitempty" csv:"cls,omitempty"`
	Technologies []string `json:"technologies,omitempty" csv:"-"`
	Scanned      bool     `json:"scanned,omitempty" csv:"scanned,omitempty"`
}

// HasSpend reports whether the payload carries a usable spend range.
func (p SignalPayload) HasSpend() bool {
	return p.SpendHigh > 0 && p.SpendLow >= 0 && p.SpendLow <= p.SpendHigh
}

// ContentText returns every free-text field of the signal that describes
// what the business offers. Used for content-derived vertical resolution
// and pain-keyword matching.
func (s RawSignal) ContentText() []string {
	var out []string
	for _, t := range s.Payload.CreativeText {
		if strings.TrimSpace(t) != "" {
			out = append(out, t)
		}
	}
	if s.Payload.LandingTitle != "" {
		out = append(out, s.Payload.LandingTitle)
	}
	if s.RawName != "" {
		out = append(out, s.RawName)
	}
	return out
}

// Fingerprint returns a deterministic identity for the observation.
// Two signals with the same source, observation time and platform id are
// the same observation. Without a platform id the raw domain and name are
// folded in so unrelated anonymous observations stay distinct.
func (s RawSignal) Fingerprint() string {
	var b strings.Builder
	b.WriteString(string(s.Source))
	b.WriteByte('|')
	b.WriteString(s.ObservedAt.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(s.PlatformEntityID))
	if strings.TrimSpace(s.PlatformEntityID) == "" {
		b.WriteByte('|')
		b.WriteString(strings.ToLower(strings.TrimSpace(s.Domain)))
		b.WriteByte('|')
		b.WriteString(strings.ToLower(strings.TrimSpace(s.RawName)))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
