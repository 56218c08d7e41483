package normalize

import (
	"fmt"
	"strings"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/rules"
)

// Reject reason codes.
const (
	ReasonMissingObservedAt = "missing_observed_at"
	ReasonInvalidSource     = "invalid_source"
	ReasonNoIdentity        = "no_identity"
	ReasonNonBusiness       = "non_business_content"
	ReasonMalformedDomain   = "malformed_domain"
	ReasonDirectoryDomain   = "directory_domain"
)

// Soft warning codes: the signal is admitted without the offending component.
const (
	WarnMalformedDomainDropped = "malformed_domain_dropped"
	WarnDirectoryDomainDropped = "directory_domain_dropped"
)

// RejectedSignal describes a signal the normalizer refused to admit.
type RejectedSignal struct {
	Reason string
	Detail string
	Signal model.RawSignal
}

// Error implements error.
func (r *RejectedSignal) Error() string {
	if r.Detail == "" {
		return "normalize: rejected signal: " + r.Reason
	}
	return fmt.Sprintf("normalize: rejected signal: %s (%s)", r.Reason, r.Detail)
}

// Result is the outcome of normalizing an admitted signal.
type Result struct {
	Key      model.EntityKey
	Warnings []string
}

// Normalizer derives entity keys from raw signals. It is pure and safe for
// concurrent use.
type Normalizer struct {
	rules *rules.Rules
}

// New creates a normalizer backed by the given rule table.
func New(r *rules.Rules) *Normalizer {
	return &Normalizer{rules: r}
}

// Normalize derives the EntityKey of a signal, or rejects it.
func (n *Normalizer) Normalize(sig model.RawSignal) (Result, *RejectedSignal) {
	var res Result

	if sig.ObservedAt.IsZero() {
		return res, &RejectedSignal{Reason: ReasonMissingObservedAt, Signal: sig}
	}
	if !sig.Source.Valid() {
		return res, &RejectedSignal{Reason: ReasonInvalidSource, Detail: string(sig.Source), Signal: sig}
	}

	pid := strings.TrimSpace(sig.PlatformEntityID)
	name := NormalizeName(sig.RawName)

	var domain string
	if strings.TrimSpace(sig.Domain) != "" {
		d, err := NormalizeDomain(sig.Domain)
		switch {
		case err != nil:
			if pid == "" && name == "" {
				return res, &RejectedSignal{Reason: ReasonMalformedDomain, Detail: sig.Domain, Signal: sig}
			}
			res.Warnings = append(res.Warnings, WarnMalformedDomainDropped)
		case n.rules.IsDirectoryDomain(d):
			if pid == "" && name == "" {
				return res, &RejectedSignal{Reason: ReasonDirectoryDomain, Detail: d, Signal: sig}
			}
			res.Warnings = append(res.Warnings, WarnDirectoryDomainDropped)
		default:
			domain = d
		}
	}

	if domain == "" && pid == "" {
		if name == "" {
			return res, &RejectedSignal{Reason: ReasonNoIdentity, Signal: sig}
		}
		if n.rules.IsNonBusiness(sig.RawName) {
			return res, &RejectedSignal{Reason: ReasonNonBusiness, Detail: sig.RawName, Signal: sig}
		}
	}

	res.Key = model.EntityKey{
		NormalizedName:   name,
		NormalizedDomain: domain,
		PlatformEntityID: pid,
		Geography:        NormalizeGeography(sig.Geography),
	}
	return res, nil
}
