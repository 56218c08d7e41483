// Package allocate selects a batch's leads from the scored candidate pool
// while holding every geography and vertical under its quota.
package allocate

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/model"
)

// Candidate is a scored, classified profile eligible for output.
type Candidate struct {
	Profile model.ProspectProfile
	Score   model.ScoreBreakdown
}

// Key returns the identity used for output deduplication: the profile ID.
// Name-keyed businesses in different verticals share an EntityKey but are
// distinct profiles.
func (c Candidate) Key() string {
	if c.Profile.ID != "" {
		return c.Profile.ID
	}
	return c.Profile.EntityKey.ID()
}

// Options configures one allocation.
type Options struct {
	N int

	GeoCaps      map[string]float64
	VerticalCaps map[string]float64

	// Defaults apply to keys without an explicit cap; <= 0 means uncapped.
	DefaultGeoCap      float64
	DefaultVerticalCap float64
}

// OptionsFromConfig builds allocation options for an output of size n.
func OptionsFromConfig(n int, q config.QuotaConfig) Options {
	return Options{
		N:                  n,
		GeoCaps:            q.Geo,
		VerticalCaps:       q.Vertical,
		DefaultGeoCap:      q.DefaultGeoCap,
		DefaultVerticalCap: q.DefaultVerticalCap,
	}
}

// Allocation is the outcome of Allocate.
type Allocation struct {
	// Selected is in candidate order: priority desc, confidence desc, key asc.
	Selected []Candidate
	// Held counts candidates blocked by a quota in the first pass.
	Held int
	// Promoted counts held candidates admitted by the relaxed second pass.
	Promoted int
	// Unfilled is the number of output slots left empty.
	Unfilled int
	// DuplicatesSuppressed counts candidates dropped for sharing a
	// profile with a better-ranked candidate.
	DuplicatesSuppressed int
}

// rounding tolerance for cap arithmetic on fractional quotas
const capEpsilon = 1e-9

// Allocate greedily admits candidates best first. A candidate that would
// push its geography or vertical over the floor(frac*N) cap is held; if N
// is not filled, held candidates are reconsidered in order against the
// ceil(frac*N) cap. Allocation is sequential by nature: each decision
// depends on the running bucket counts.
func Allocate(candidates []Candidate, opts Options) Allocation {
	var out Allocation
	if opts.N <= 0 {
		return out
	}

	pool := make([]Candidate, len(candidates))
	copy(pool, candidates)
	Sort(pool)

	seen := make(map[string]bool, len(pool))
	unique := pool[:0]
	for _, c := range pool {
		k := c.Key()
		if seen[k] {
			out.DuplicatesSuppressed++
			continue
		}
		seen[k] = true
		unique = append(unique, c)
	}

	geo := make(map[string]int)
	vert := make(map[string]int)
	admitted := make([]bool, len(unique))
	var held []int
	count := 0

	fits := func(c Candidate, capOf func(frac float64) int) bool {
		g, v := c.Profile.Geography, c.Profile.Vertical
		return geo[g] < capOf(opts.geoCap(g)) && vert[v] < capOf(opts.verticalCap(v))
	}
	admit := func(i int) {
		c := unique[i]
		geo[c.Profile.Geography]++
		vert[c.Profile.Vertical]++
		admitted[i] = true
		count++
	}

	floorCap := func(frac float64) int { return capFor(frac, opts.N, false) }
	ceilCap := func(frac float64) int { return capFor(frac, opts.N, true) }

	for i, c := range unique {
		if count == opts.N {
			break
		}
		if fits(c, floorCap) {
			admit(i)
			continue
		}
		held = append(held, i)
	}
	out.Held = len(held)

	if count < opts.N {
		for _, i := range held {
			if count == opts.N {
				break
			}
			if fits(unique[i], ceilCap) {
				admit(i)
				out.Promoted++
			}
		}
	}

	out.Selected = make([]Candidate, 0, count)
	for i, ok := range admitted {
		if ok {
			out.Selected = append(out.Selected, unique[i])
		}
	}
	out.Unfilled = opts.N - count

	zap.L().Debug("allocate: complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", count),
		zap.Int("held", out.Held),
		zap.Int("promoted", out.Promoted),
		zap.Int("unfilled", out.Unfilled),
		zap.Int("duplicates_suppressed", out.DuplicatesSuppressed),
	)
	return out
}

func (o Options) geoCap(g string) float64 {
	if f, ok := o.GeoCaps[g]; ok {
		return f
	}
	if o.DefaultGeoCap <= 0 {
		return 1
	}
	return o.DefaultGeoCap
}

func (o Options) verticalCap(v string) float64 {
	if f, ok := o.VerticalCaps[v]; ok {
		return f
	}
	if o.DefaultVerticalCap <= 0 {
		return 1
	}
	return o.DefaultVerticalCap
}

// capFor converts a quota fraction to a slot count. A positive fraction
// always allows at least one slot.
func capFor(frac float64, n int, relaxed bool) int {
	if frac >= 1 {
		return n
	}
	if frac <= 0 {
		return 0
	}
	x := frac * float64(n)
	var c int
	if relaxed {
		c = int(math.Ceil(x - capEpsilon))
	} else {
		c = int(math.Floor(x + capEpsilon))
	}
	if c < 1 {
		c = 1
	}
	return c
}

// Less reports whether a ranks before b: priority desc, confidence desc,
// then entity key and profile ID ascending.
func Less(a, b Candidate) bool {
	if a.Score.PriorityScore != b.Score.PriorityScore {
		return a.Score.PriorityScore > b.Score.PriorityScore
	}
	if a.Score.Confidence != b.Score.Confidence {
		return a.Score.Confidence > b.Score.Confidence
	}
	if ka, kb := a.Profile.EntityKey.ID(), b.Profile.EntityKey.ID(); ka != kb {
		return ka < kb
	}
	return a.Key() < b.Key()
}

// Sort orders candidates best first.
func Sort(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool { return Less(cs[i], cs[j]) })
}
