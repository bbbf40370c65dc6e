package autoreply

import (
	"context"
	"fmt"
)

// RuleSource lists the active rules in insertion order.
type RuleSource interface {
	ListActiveRules(ctx context.Context) ([]Rule, error)
}

// StaticRules is a fixed in-memory RuleSource.
type StaticRules []Rule

func (s StaticRules) ListActiveRules(context.Context) ([]Rule, error) {
	out := make([]Rule, 0, len(s))
	for _, r := range s {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

type Resolver struct {
	rules RuleSource
}

func NewResolver(rules RuleSource) *Resolver {
	return &Resolver{rules: rules}
}

// Resolve returns the winning rule for text, or ok=false when nothing matches.
// The error is non-nil only when the rule source itself fails.
func (r *Resolver) Resolve(ctx context.Context, text string) (rule Rule, ok bool, err error) {
	rules, err := r.rules.ListActiveRules(ctx)
	if err != nil {
		return Rule{}, false, fmt.Errorf("list auto-reply rules: %w", err)
	}
	rule, ok = Select(rules, Normalize(text))
	return rule, ok, nil
}

// Select picks the best match among rules for already normalized input.
func Select(rules []Rule, input string) (Rule, bool) {
	best := -1
	for i := range rules {
		if !rules[i].Matches(input) {
			continue
		}
		if best < 0 || outranks(rules[i], rules[best]) {
			best = i
		}
	}
	if best < 0 {
		return Rule{}, false
	}
	return rules[best], true
}

// outranks reports whether a beats b. Rules are visited in insertion order,
// so an equal rank keeps the earlier one.
func outranks(a, b Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Strategy.specificity() > b.Strategy.specificity()
}
