package categorize

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cardledger/cardledger/internal/domain"
)

// DefaultPriority is used for rules that do not set one.
const DefaultPriority = 100

type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	Pattern  string `yaml:"pattern"`
	Category string `yaml:"category"`
	Priority *int   `yaml:"priority"`
	Active   *bool  `yaml:"active"`
}

// ParseRules reads a YAML rule file:
//
//	rules:
//	  - pattern: "SUPER*"
//	    category: Groceries
//	    priority: 10
//
// Rules are active unless they say otherwise.
func ParseRules(r io.Reader) ([]domain.CategorizationRule, error) {
	var f ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	out := make([]domain.CategorizationRule, 0, len(f.Rules))
	for i, e := range f.Rules {
		if strings.TrimSpace(e.Pattern) == "" || strings.TrimSpace(e.Category) == "" {
			return nil, fmt.Errorf("rule %d: pattern and category are required", i+1)
		}
		rule := domain.CategorizationRule{
			Pattern:        strings.TrimSpace(e.Pattern),
			TargetCategory: strings.TrimSpace(e.Category),
			IsActive:       true,
			Priority:       DefaultPriority,
		}
		if e.Priority != nil {
			rule.Priority = *e.Priority
		}
		if e.Active != nil {
			rule.IsActive = *e.Active
		}
		out = append(out, rule)
	}
	return out, nil
}
