package engine

import (
	"sort"

	"github.com/TimurManjosov/goautorun/internal/rules"
)

// fieldPredicate is the compiled form of one rule match field.
type fieldPredicate struct {
	field rules.Field
	any   bool
	value string
}

func (p fieldPredicate) matches(fp rules.Fingerprint) bool {
	return p.any || fp.Value(p.field) == p.value
}

func predicatesOf(r rules.Rule) [len(rules.Fields)]fieldPredicate {
	var preds [len(rules.Fields)]fieldPredicate
	for i, f := range rules.Fields {
		v := r.Pattern(f)
		preds[i] = fieldPredicate{field: f, any: v == rules.Wildcard, value: v}
	}
	return preds
}

// Matches reports whether every match field of r is the wildcard or equals the
// corresponding fingerprint field exactly (case-sensitive).
func Matches(r rules.Rule, fp rules.Fingerprint) bool {
	for _, p := range predicatesOf(r) {
		if !p.matches(fp) {
			return false
		}
	}
	return true
}

// Match returns the rules matching fp, most specific first. Rules of equal
// specificity keep their load order. No match yields an empty, non-nil slice.
// rs is not modified.
func Match(rs []rules.Rule, fp rules.Fingerprint) []rules.Rule {
	matched := make([]rules.Rule, 0, len(rs))
	for _, r := range rs {
		if Matches(r, fp) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Specificity() > matched[j].Specificity()
	})
	return matched
}
