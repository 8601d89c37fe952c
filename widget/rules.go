// ABOUTME: YAML loading for widget trigger rule overrides.
// ABOUTME: Preserves declared rule order and validates kinds and keyword sets.

package widget

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// rulesFile is the on-disk shape of a trigger rules override file:
//
//	rules:
//	  - kind: image
//	    keywords: [draw, paint, sketch]
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads an ordered trigger rule list from a YAML file. Rule order
// in the file is preserved exactly. Returns an error for unknown kinds,
// empty keyword sets, or duplicate kinds.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses and validates YAML rule data. Split from LoadRules for
// testability.
func ParseRules(data []byte) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules yaml: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rules file defines no rules")
	}

	seen := make(map[Kind]bool)
	for i, r := range f.Rules {
		if !r.Kind.Valid() {
			return nil, fmt.Errorf("rule %d: invalid widget kind %q", i, r.Kind)
		}
		if seen[r.Kind] {
			return nil, fmt.Errorf("rule %d: duplicate kind %q", i, r.Kind)
		}
		seen[r.Kind] = true
		if len(r.Keywords) == 0 {
			return nil, fmt.Errorf("rule %d (%s): empty keyword set", i, r.Kind)
		}
	}
	return f.Rules, nil
}
