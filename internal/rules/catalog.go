package rules

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsforge/remedia/internal/models"
)

// Rule is a static, versioned mapping from incident signature to a
// remediation template with a fixed confidence.
type Rule struct {
	ID         string     `yaml:"id"`
	Match      MatchSpec  `yaml:"match"`
	Action     ActionSpec `yaml:"action"`
	Confidence float64    `yaml:"confidence"`
	Priority   int        `yaml:"priority"`
}

// MatchSpec defines the signature attributes a rule matches on. Type is
// mandatory; Component and Severity narrow the match and raise specificity.
type MatchSpec struct {
	Type      string `yaml:"type"`
	Component string `yaml:"component"`
	Severity  string `yaml:"severity"`
}

// ActionSpec is the remediation template emitted on match.
type ActionSpec struct {
	Type       string            `yaml:"type"`
	Parameters map[string]string `yaml:"parameters"`
}

type catalogFile struct {
	Rules []Rule `yaml:"rules"`
}

// Catalog is an immutable, validated rule set. Reloads build a fresh
// Catalog and swap it in atomically; a Catalog is never mutated after load.
type Catalog struct {
	rules    []Rule
	loadedAt time.Time
}

// LoadCatalog reads and validates a YAML rule pack. Malformed rules are
// rejected here, at load time, so matching can never fail mid-incident.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule pack %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rule pack %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(file.Rules))
	for i, rule := range file.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("rule %q: duplicate id", rule.ID)
		}
		seen[rule.ID] = struct{}{}
		if rule.Match.Type == "" {
			return nil, fmt.Errorf("rule %q: match.type is required", rule.ID)
		}
		if rule.Action.Type == "" {
			return nil, fmt.Errorf("rule %q: action.type is required", rule.ID)
		}
		if rule.Confidence < 0 || rule.Confidence > 1 {
			return nil, fmt.Errorf("rule %q: confidence %v outside [0,1]", rule.ID, rule.Confidence)
		}
	}

	return &Catalog{rules: file.Rules, loadedAt: time.Now().UTC()}, nil
}

// Size returns the number of rules in the catalog.
func (c *Catalog) Size() int { return len(c.rules) }

// LoadedAt returns when the catalog was built.
func (c *Catalog) LoadedAt() time.Time { return c.loadedAt }

// Match performs an exact lookup of the signature against the catalog.
// When several rules match, the most specific one wins (more matched
// signature fields outrank fewer); equal specificity is broken by the lower
// priority value, then by catalog order.
func (c *Catalog) Match(sig models.Signature) (Rule, bool) {
	var (
		best     Rule
		bestSpec = -1
		found    bool
	)
	for _, rule := range c.rules {
		spec, ok := specificity(rule.Match, sig)
		if !ok {
			continue
		}
		if spec > bestSpec || (spec == bestSpec && rule.Priority < best.Priority) {
			best = rule
			bestSpec = spec
			found = true
		}
	}
	return best, found
}

// specificity reports whether the rule matches the signature and how many
// of its fields were constrained.
func specificity(m MatchSpec, sig models.Signature) (int, bool) {
	if m.Type != sig.Type {
		return 0, false
	}
	spec := 1
	if m.Component != "" {
		if m.Component != sig.Component {
			return 0, false
		}
		spec++
	}
	if m.Severity != "" {
		if m.Severity != string(sig.Severity) {
			return 0, false
		}
		spec++
	}
	return spec, true
}
