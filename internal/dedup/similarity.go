package dedup

import (
	"sort"
	"strings"

	"github.com/agext/levenshtein"
)

// TokenSetRatio returns a [0,1] similarity of two normalized names that
// ignores token order and repeated tokens. The shared tokens are compared
// against each side's full token set and the best Levenshtein similarity
// wins, so "acme plumbing heating" and "heating acme plumbing" score 1.
// Subset comparisons need at least two shared tokens; a single shared word
// such as "plumbing" is not evidence of identity.
func TokenSetRatio(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var inter, onlyA, onlyB []string
	for t := range ta {
		if tb[t] {
			inter = append(inter, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range tb {
		if !ta[t] {
			onlyB = append(onlyB, t)
		}
	}
	sort.Strings(inter)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	base := strings.Join(inter, " ")
	withA := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	withB := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	best := ratio(withA, withB)
	if len(inter) >= 2 {
		best = max(best, ratio(base, withA), ratio(base, withB))
	}
	return best
}

func ratio(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	return levenshtein.Similarity(a, b, nil)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range strings.Fields(s) {
		out[t] = true
	}
	return out
}
