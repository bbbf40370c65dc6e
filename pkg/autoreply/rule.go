// Package autoreply resolves inbound text to a canned response using
// keyword rules ordered by priority and match specificity.
package autoreply

import (
	"fmt"
	"strings"
)

type Strategy int

const (
	Contains Strategy = iota
	StartsWith
	EndsWith
	Exact
)

var strategyNames = map[Strategy]string{
	Contains:   "contains",
	StartsWith: "starts_with",
	EndsWith:   "ends_with",
	Exact:      "exact",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy accepts the snake_case names plus a few spellings used in
// hand-written configs ("startswith", "starts-with", "prefix").
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "contains", "substring":
		return Contains, nil
	case "exact", "equals":
		return Exact, nil
	case "starts_with", "startswith", "starts-with", "prefix":
		return StartsWith, nil
	case "ends_with", "endswith", "ends-with", "suffix":
		return EndsWith, nil
	}
	return Contains, fmt.Errorf("unknown match strategy %q", s)
}

func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// specificity orders strategies for tie-breaks at equal priority.
// StartsWith and EndsWith rank the same.
func (s Strategy) specificity() int {
	switch s {
	case Exact:
		return 2
	case StartsWith, EndsWith:
		return 1
	default:
		return 0
	}
}

type Rule struct {
	ID       int64    `json:"id"`
	Keyword  string   `json:"keyword"`
	Strategy Strategy `json:"strategy"`
	Response string   `json:"response"`
	Active   bool     `json:"active"`
	Priority int      `json:"priority"`
}

// Normalize trims and case-folds text the way both inputs and keywords are
// compared.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Matches reports whether normalized input satisfies the rule. The keyword is
// normalized here so repositories can store it as typed.
func (r Rule) Matches(input string) bool {
	kw := Normalize(r.Keyword)
	if kw == "" || !r.Active {
		return false
	}
	switch r.Strategy {
	case Exact:
		return input == kw
	case StartsWith:
		return strings.HasPrefix(input, kw)
	case EndsWith:
		return strings.HasSuffix(input, kw)
	default:
		return strings.Contains(input, kw)
	}
}
