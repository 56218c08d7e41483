package model

import "strings"

// EntityKey is the canonical identity tuple of a business, derived from a
// signal by the normalizer. It is never stored on its own: persisted
// profiles keep their signals and keys are recomputed on restore.
type EntityKey struct {
	NormalizedName   string `json:"normalized_name"`
	NormalizedDomain string `json:"normalized_domain,omitempty"`
	PlatformEntityID string `json:"platform_entity_id,omitempty"`
	Geography        string `json:"geography,omitempty"`
}

// Alias kinds, ordered by authority.
const (
	AliasPlatformID = "pid"
	AliasDomain     = "dom"
	AliasName       = "name"
)

// ID returns the canonical string identity of the key, preferring the most
// authoritative component: platform id, then registrable domain, then the
// geography-scoped normalized name.
func (k EntityKey) ID() string {
	switch {
	case k.PlatformEntityID != "":
		return AliasPlatformID + ":" + k.PlatformEntityID
	case k.NormalizedDomain != "":
		return AliasDomain + ":" + k.NormalizedDomain
	default:
		return AliasName + ":" + strings.ToLower(k.Geography) + ":" + k.NormalizedName
	}
}

// IsZero reports whether the key carries no identity at all.
func (k EntityKey) IsZero() bool {
	return k.PlatformEntityID == "" && k.NormalizedDomain == "" && k.NormalizedName == ""
}

// Aliases returns every lookup alias carried by the key, most authoritative first.
func (k EntityKey) Aliases() []string {
	var out []string
	if k.PlatformEntityID != "" {
		out = append(out, AliasPlatformID+":"+k.PlatformEntityID)
	}
	if k.NormalizedDomain != "" {
		out = append(out, AliasDomain+":"+k.NormalizedDomain)
	}
	if k.NormalizedName != "" {
		out = append(out, AliasName+":"+strings.ToLower(k.Geography)+":"+k.NormalizedName)
	}
	return out
}
