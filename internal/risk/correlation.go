package risk

import "strings"

// Correlation maps symbols to their correlation group.
type Correlation struct {
	groups []CorrelationGroup
}

// NewCorrelation builds the matcher. Groups are tried in order.
func NewCorrelation(groups []CorrelationGroup) *Correlation {
	return &Correlation{groups: groups}
}

// Group returns the group of symbol, or "" when it belongs to none.
func (c *Correlation) Group(symbol string) string {
	for _, g := range c.groups {
		for _, p := range g.Patterns {
			if matchPattern(p, symbol) {
				return g.Name
			}
		}
	}
	return ""
}

// Matcher returns a predicate selecting symbols in group.
func (c *Correlation) Matcher(group string) func(string) bool {
	return func(symbol string) bool { return c.Group(symbol) == group }
}

func matchPattern(pattern, symbol string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(symbol, prefix)
	}
	return pattern == symbol
}
