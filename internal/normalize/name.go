package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes lists legal entity designators stripped from the end of a
// name, already in folded (lower-case, punctuation-free) form.
var legalSuffixes = map[string]bool{
	"llc": true, "inc": true, "incorporated": true,
	"corp": true, "corporation": true,
	"ltd": true, "limited": true,
	"lp": true, "llp": true, "lllp": true, "pllc": true,
	"pc": true, "pa": true, "plc": true,
	"co": true, "company": true,
	"dba": true,
	"gmbh": true, "ag": true, "sa": true, "sarl": true, "srl": true,
	"bv": true, "nv": true, "pty": true, "ltee": true, "limitee": true,
}

var (
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
	nonWordRe    = regexp.MustCompile(`[^a-z0-9 ]+`)
)

var punctReplacer = strings.NewReplacer(
	".", "",
	"'", "",
	"’", "",
	"\"", "",
	"/", "",
	"&", " and ",
	"+", " and ",
	"-", " ",
	",", " ",
)

// foldAccents removes combining marks so "Café Québec" folds to "Cafe Quebec".
func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeName standardizes a business name for matching by:
//  1. Folding accents and converting to lower case
//  2. Rewriting "&" and "+" as "and", dropping punctuation
//  3. Stripping trailing legal designators (LLC, Inc, Ltd, GmbH, ...) repeatedly
//  4. Collapsing whitespace
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	name = strings.ToLower(foldAccents(name))
	name = punctReplacer.Replace(name)
	name = nonWordRe.ReplaceAllString(name, " ")
	name = multiSpaceRe.ReplaceAllString(name, " ")

	tokens := strings.Fields(name)
	for len(tokens) > 1 {
		last := tokens[len(tokens)-1]
		if !legalSuffixes[last] && last != "and" {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}

	return strings.Join(tokens, " ")
}

// NormalizeGeography folds a geography label so "Toronto, ON" and
// "toronto on" land in the same quota bucket.
func NormalizeGeography(geo string) string {
	geo = strings.ToLower(foldAccents(strings.TrimSpace(geo)))
	geo = nonWordRe.ReplaceAllString(geo, " ")
	return strings.Join(strings.Fields(geo), " ")
}
