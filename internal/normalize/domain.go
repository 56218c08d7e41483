package normalize

import (
	"net"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

var (
	// ErrEmptyDomain is returned for blank domain input.
	ErrEmptyDomain = eris.New("normalize: empty domain")
	// ErrMalformedDomain is returned when no registrable domain can be derived.
	ErrMalformedDomain = eris.New("normalize: malformed domain")
)

// NormalizeDomain reduces a URL or host to its lower-case registrable
// domain (eTLD+1): scheme, credentials, port, path, query, fragment and
// subdomains such as "www" are dropped.
func NormalizeDomain(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	if d == "" {
		return "", ErrEmptyDomain
	}
	if !strings.Contains(d, "://") {
		d = "http://" + d
	}

	u, err := url.Parse(d)
	if err != nil {
		return "", eris.Wrapf(ErrMalformedDomain, "parse %q", raw)
	}
	host := strings.TrimSuffix(u.Hostname(), ".")
	if host == "" {
		return "", eris.Wrapf(ErrMalformedDomain, "no host in %q", raw)
	}
	if net.ParseIP(host) != nil {
		return "", eris.Wrapf(ErrMalformedDomain, "ip literal %q", raw)
	}

	host, err = idna.Lookup.ToASCII(host)
	if err != nil {
		return "", eris.Wrapf(ErrMalformedDomain, "idna %q", raw)
	}
	if !validHost(host) {
		return "", eris.Wrapf(ErrMalformedDomain, "invalid host %q", raw)
	}

	suffix, icann := publicsuffix.PublicSuffix(host)
	if !icann && !strings.Contains(suffix, ".") {
		return "", eris.Wrapf(ErrMalformedDomain, "unknown tld in %q", raw)
	}

	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", eris.Wrapf(ErrMalformedDomain, "no registrable domain in %q", raw)
	}
	return registrable, nil
}

func validHost(host string) bool {
	if len(host) > 253 || !strings.Contains(host, ".") {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
				return false
			}
		}
	}
	return true
}
