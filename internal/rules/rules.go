package rules

import (
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Rules is the vertical-aware rule table shared by the normalizer, the
// aggregator and the scorer. Keyword semantics live here as data so a new
// vertical is a YAML change.
type Rules struct {
	Verticals              map[string]VerticalRule `yaml:"verticals"`
	PainTerms              []Term                  `yaml:"pain_terms"`
	NonBusinessPatterns    []string                `yaml:"non_business_patterns"`
	DirectoryDomains       []string                `yaml:"directory_domains"`
	AnalyticsTechnologies  []string                `yaml:"analytics_technologies"`
	ConversionTechnologies []string                `yaml:"conversion_technologies"`
	DefaultSpendBand       SpendBand               `yaml:"default_spend_band"`

	nonBusiness []*regexp.Regexp
	directory   map[string]bool
}

// VerticalRule configures one vertical.
type VerticalRule struct {
	// Keywords are service terms whose presence in content supports the vertical.
	Keywords []string `yaml:"keywords"`
	// PositioningTerms are pain terms that are ordinary marketing for this
	// vertical and therefore score nothing.
	PositioningTerms []string `yaml:"positioning_terms,omitempty"`
	// PainOverrides re-weights global pain terms for this vertical.
	PainOverrides map[string]float64 `yaml:"pain_overrides,omitempty"`
	Whitelisted   bool               `yaml:"whitelisted"`
	SpendBand     *SpendBand         `yaml:"spend_band,omitempty"`
}

// Term is a weighted pain keyword.
type Term struct {
	Term   string  `yaml:"term"`
	Weight float64 `yaml:"weight"`
}

// SpendBand is the monthly ad spend range considered a good fit.
type SpendBand struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Load reads a rule table from a YAML file with a top-level "rules" key.
// Sections missing from the file fall back to the built-in defaults.
func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: read %s", path)
	}

	var wrapper struct {
		Rules Rules `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "rules: parse")
	}

	r := &wrapper.Rules
	def := Default()
	if len(r.Verticals) == 0 {
		r.Verticals = def.Verticals
	}
	if r.PainTerms == nil {
		r.PainTerms = def.PainTerms
	}
	if r.NonBusinessPatterns == nil {
		r.NonBusinessPatterns = def.NonBusinessPatterns
	}
	if r.DirectoryDomains == nil {
		r.DirectoryDomains = def.DirectoryDomains
	}
	if r.AnalyticsTechnologies == nil {
		r.AnalyticsTechnologies = def.AnalyticsTechnologies
	}
	if r.ConversionTechnologies == nil {
		r.ConversionTechnologies = def.ConversionTechnologies
	}
	if r.DefaultSpendBand.Max == 0 {
		r.DefaultSpendBand = def.DefaultSpendBand
	}

	if err := r.Compile(); err != nil {
		return nil, err
	}
	return r, nil
}

// Marshal renders the table as YAML under the "rules" key.
func (r *Rules) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(map[string]*Rules{"rules": r})
	if err != nil {
		return nil, eris.Wrap(err, "rules: marshal")
	}
	return out, nil
}

// Compile validates the table and prepares its matchers. It must be called
// before the table is used; Default and Load call it.
func (r *Rules) Compile() error {
	var errs []string
	for name, v := range r.Verticals {
		if name == "" || strings.EqualFold(name, "unclassified") {
			errs = append(errs, "invalid vertical name "+name)
		}
		if len(v.Keywords) == 0 {
			errs = append(errs, "vertical "+name+" has no keywords")
		}
		if v.SpendBand != nil && v.SpendBand.Min > v.SpendBand.Max {
			errs = append(errs, "vertical "+name+" spend_band min > max")
		}
	}
	for _, t := range r.PainTerms {
		if t.Weight < 0 {
			errs = append(errs, "pain term "+t.Term+" has negative weight")
		}
	}
	if r.DefaultSpendBand.Min > r.DefaultSpendBand.Max {
		errs = append(errs, "default_spend_band min > max")
	}

	r.nonBusiness = r.nonBusiness[:0]
	for _, p := range r.NonBusinessPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			errs = append(errs, "bad non_business pattern "+p)
			continue
		}
		r.nonBusiness = append(r.nonBusiness, re)
	}

	r.directory = make(map[string]bool, len(r.DirectoryDomains))
	for _, d := range r.DirectoryDomains {
		r.directory[strings.ToLower(d)] = true
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return eris.Errorf("rules: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// VerticalNames returns the configured verticals in lexicographic order.
func (r *Rules) VerticalNames() []string {
	names := make([]string, 0, len(r.Verticals))
	for n := range r.Verticals {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Vertical returns the rule for a vertical and whether it exists.
func (r *Rules) Vertical(name string) (VerticalRule, bool) {
	v, ok := r.Verticals[name]
	return v, ok
}

// SpendBandFor returns the vertical's spend band or the default band.
func (r *Rules) SpendBandFor(vertical string) SpendBand {
	if v, ok := r.Verticals[vertical]; ok && v.SpendBand != nil {
		return *v.SpendBand
	}
	return r.DefaultSpendBand
}

// IsNonBusiness reports whether text looks like a personal listing rather
// than a business advertisement.
func (r *Rules) IsNonBusiness(text string) bool {
	for _, re := range r.nonBusiness {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// IsDirectoryDomain reports whether a registrable domain belongs to a
// directory, marketplace or social host rather than the business itself.
func (r *Rules) IsDirectoryDomain(domain string) bool {
	return r.directory[strings.ToLower(domain)]
}

// VerticalHits counts, per vertical, the distinct keywords found in texts.
// Verticals with no hits are omitted.
func (r *Rules) VerticalHits(texts ...string) map[string]int {
	joined := Fold(strings.Join(texts, " "))
	hits := make(map[string]int)
	for name, v := range r.Verticals {
		n := len(MatchTerms(joined, v.Keywords))
		if n > 0 {
			hits[name] = n
		}
	}
	return hits
}

// PainWeight returns the effective weight of a global pain term for a
// vertical, and false when the vertical treats the term as positioning.
func (r *Rules) PainWeight(vertical string, t Term) (float64, bool) {
	v, ok := r.Verticals[vertical]
	if !ok {
		return t.Weight, true
	}
	for _, p := range v.PositioningTerms {
		if strings.EqualFold(p, t.Term) {
			return 0, false
		}
	}
	if w, ok := v.PainOverrides[t.Term]; ok {
		return w, w > 0
	}
	return t.Weight, true
}

var nonWordRe = regexp.MustCompile(`[^a-z0-9]+`)

// Fold lower-cases text and replaces every non-alphanumeric run with a
// single space so terms can be matched on word boundaries.
func Fold(s string) string {
	return strings.TrimSpace(nonWordRe.ReplaceAllString(strings.ToLower(s), " "))
}

// MatchTerms returns the terms present in folded text on word boundaries,
// in the order given, without duplicates.
func MatchTerms(folded string, terms []string) []string {
	padded := " " + folded + " "
	seen := make(map[string]bool, len(terms))
	var out []string
	for _, t := range terms {
		ft := Fold(t)
		if ft == "" || seen[ft] {
			continue
		}
		if strings.Contains(padded, " "+ft+" ") {
			seen[ft] = true
			out = append(out, t)
		}
	}
	return out
}
