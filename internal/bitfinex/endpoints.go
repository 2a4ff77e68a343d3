package bitfinex

import (
	"fmt"
	"regexp"
	"strings"
)

// EndpointClass partitions REST endpoints into independently rate-limited
// groups. Exhausting one class never delays calls in another.
type EndpointClass string

const (
	ClassPublicMarket   EndpointClass = "PUBLIC_MARKET"
	ClassPrivateAccount EndpointClass = "PRIVATE_ACCOUNT"
	ClassPrivateTrading EndpointClass = "PRIVATE_TRADING"
	ClassPrivateMargin  EndpointClass = "PRIVATE_MARGIN"
)

// Classifier maps endpoint paths to classes via an ordered pattern list.
// Rules are "regex=>CLASS" strings evaluated top to bottom, first match
// wins, so specific prefixes must be listed before catch-alls.
type Classifier struct {
	rules []classRule
}

type classRule struct {
	re    *regexp.Regexp
	class EndpointClass
}

// NewClassifier compiles the pattern list. Patterns are validated by the
// config layer but compiled here so hand-constructed lists fail loudly too.
func NewClassifier(patterns []string) (*Classifier, error) {
	rules := make([]classRule, 0, len(patterns))
	for _, p := range patterns {
		expr, class, ok := strings.Cut(p, "=>")
		if !ok {
			return nil, fmt.Errorf("malformed rate limit pattern %q, want regex=>CLASS", p)
		}
		re, err := regexp.Compile(strings.TrimSpace(expr))
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit pattern %q: %w", p, err)
		}
		rules = append(rules, classRule{re: re, class: EndpointClass(strings.TrimSpace(class))})
	}
	return &Classifier{rules: rules}, nil
}

// Classify returns the class of an endpoint path (no version prefix, no
// query string). Unmatched endpoints fall back to PRIVATE_ACCOUNT, the most
// conservative bucket.
func (c *Classifier) Classify(endpoint string) EndpointClass {
	for _, r := range c.rules {
		if r.re.MatchString(endpoint) {
			return r.class
		}
	}
	return ClassPrivateAccount
}
