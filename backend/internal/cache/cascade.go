package cache

import (
	"fmt"
	"sort"
	"strings"
)

// Rule declares what a write to one entity type clears. Patterns are relative to
// the cache namespace; "{id}" is replaced by the entity id. Dependents name other
// entity types whose rules are applied with the same id, one level deep.
type Rule struct {
	Patterns   []string
	Tags       []string
	Dependents []string
}

// Cascades is a validated, acyclic rule set.
type Cascades struct {
	rules map[string]Rule
}

// DefaultCascades for the estimate domain.
func DefaultCascades() map[string]Rule {
	return map[string]Rule{
		"customer": {
			Patterns:   []string{"customer:{id}", "customer:{id}:*"},
			Tags:       []string{"customer:{id}"},
			Dependents: []string{"customer-estimates"},
		},
		"customer-estimates": {
			Patterns: []string{"estimate-list:customer:{id}*"},
			Tags:     []string{"customer-estimates:{id}"},
		},
		"estimate": {
			Patterns:   []string{"estimate:{id}", "estimate:{id}:*"},
			Tags:       []string{"estimate:{id}"},
			Dependents: []string{"estimate-calculations"},
		},
		"estimate-calculations": {
			Tags: []string{"subject:{id}"},
		},
	}
}

// NewCascades rejects unknown dependents and dependency cycles.
func NewCascades(rules map[string]Rule) (*Cascades, error) {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(rules))
	var visit func(string, []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case grey:
			return fmt.Errorf("cascade cycle: %s", strings.Join(append(path, name), " -> "))
		case black:
			return nil
		}
		color[name] = grey
		for _, dep := range rules[name].Dependents {
			if _, ok := rules[dep]; !ok {
				return fmt.Errorf("cascade %q depends on unknown entity %q", name, dep)
			}
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	names := make([]string, 0, len(rules))
	for n := range rules {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := visit(n, nil); err != nil {
			return nil, err
		}
	}
	cp := make(map[string]Rule, len(rules))
	for k, v := range rules {
		cp[k] = v
	}
	return &Cascades{rules: cp}, nil
}

// Expand returns the patterns and tags for a write to entity/id: its own rule
// plus each direct dependent's rule.
func (c *Cascades) Expand(entity, id string) (patterns, tags []string, err error) {
	rule, ok := c.rules[entity]
	if !ok {
		return nil, nil, fmt.Errorf("no cascade rule for entity %q", entity)
	}
	add := func(r Rule) {
		for _, p := range r.Patterns {
			patterns = append(patterns, strings.ReplaceAll(p, "{id}", id))
		}
		for _, t := range r.Tags {
			tags = append(tags, strings.ReplaceAll(t, "{id}", id))
		}
	}
	add(rule)
	for _, dep := range rule.Dependents {
		add(c.rules[dep])
	}
	return patterns, tags, nil
}

func (c *Cascades) Entities() []string {
	out := make([]string, 0, len(c.rules))
	for n := range c.rules {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
