// Package classify decides which product family a resolved query belongs to.
package classify

import "strings"

// Classification is the product decision for one dashboard reference.
type Classification string

const (
	Verify Classification = "verify"
	Other  Classification = "other"
	// Indeterminate means no query text was available to classify.
	Indeterminate Classification = "indeterminate"
)

// Predicate reports whether a query belongs to the target product.
type Predicate interface {
	Match(query string) bool
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(query string) bool

func (f PredicateFunc) Match(query string) bool { return f(query) }

// KeywordPredicate matches when the query mentions at least one product term
// and at least one corroborating table or column name. Matching is
// case-insensitive.
type KeywordPredicate struct {
	Terms         []string
	Corroborators []string
}

// DefaultKeywords returns the Verify keyword set.
func DefaultKeywords() KeywordPredicate {
	return KeywordPredicate{
		Terms:         []string{"authy", "verify"},
		Corroborators: []string{"billable_item_metadata_alex.product", "billable_items.friendly_name", "verification"},
	}
}

func (p KeywordPredicate) Match(query string) bool {
	q := strings.ToLower(query)
	return containsAny(q, p.Terms) && containsAny(q, p.Corroborators)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// Classifier applies a Predicate to resolved queries.
type Classifier struct {
	predicate Predicate
}

func New(p Predicate) *Classifier {
	return &Classifier{predicate: p}
}

// Classify returns Indeterminate when the query could not be resolved, and
// never Other in that case.
func (c *Classifier) Classify(query string, resolved bool) Classification {
	if !resolved || strings.TrimSpace(query) == "" {
		return Indeterminate
	}
	if c.predicate.Match(query) {
		return Verify
	}
	return Other
}
