package rules

import (
	"fmt"
	"sort"

	"github.com/agenthands/graphmerge/internal/apperr"
)

// Schema is the resolved configuration of one entity type.
type Schema struct {
	Type         string
	PrimaryKey   string
	FallbackKeys []string

	fields  map[string]MergeFieldSpec
	aliases map[string]string
	order   []string
	rules   []MatchingRule
}

// Catalog holds the matching rules and merge specs of every entity type. It is built
// once and never mutated; all accessors return copies.
type Catalog struct {
	defaultStrategy Strategy
	schemas         map[string]*Schema
	types           []string
}

// New validates def and builds a Catalog from it.
func New(def Definition) (*Catalog, error) {
	if err := def.Validate(); err != nil {
		return nil, apperr.NewConfigError("catalog", err, "invalid catalog")
	}

	c := &Catalog{
		defaultStrategy: Strategy(def.DefaultStrategy),
		schemas:         make(map[string]*Schema, len(def.Entities)),
	}
	for typ, ed := range def.Entities {
		s, err := buildSchema(typ, ed, c.defaultStrategy)
		if err != nil {
			return nil, err
		}
		c.schemas[typ] = s
		c.types = append(c.types, typ)
	}
	sort.Strings(c.types)
	return c, nil
}

// MustNew is New for catalogs known to be valid, typically in tests.
func MustNew(def Definition) *Catalog {
	c, err := New(def)
	if err != nil {
		panic(err)
	}
	return c
}

func buildSchema(typ string, ed EntityDefinition, fallback Strategy) (*Schema, error) {
	component := "catalog." + typ
	if err := ed.Validate(); err != nil {
		return nil, apperr.NewConfigError(component, err, "invalid entity definition")
	}

	s := &Schema{
		Type:         typ,
		PrimaryKey:   ed.PrimaryKey,
		FallbackKeys: append([]string(nil), ed.FallbackKeys...),
		fields:       make(map[string]MergeFieldSpec, len(ed.Fields)),
		aliases:      make(map[string]string),
	}
	if s.PrimaryKey == "" {
		s.PrimaryKey = "name"
	}

	for name, fd := range ed.Fields {
		if err := fd.Validate(); err != nil {
			return nil, apperr.NewConfigError(component, err, "field %q", name)
		}
		spec := MergeFieldSpec{
			Field:    name,
			Kind:     FieldKind(fd.Kind),
			Strategy: Strategy(fd.Strategy),
			From:     append([]string(nil), fd.From...),
		}
		if spec.Kind == "" {
			spec.Kind = FieldScalar
		}
		if spec.Strategy == "" {
			spec.Strategy = fallback
		}
		if spec.Strategy == "" {
			return nil, apperr.NewConfigError(component, nil, "field %q has no merge strategy and the catalog has no default_strategy", name)
		}
		// append-unique values are sequences; a scalar field is stored as a
		// one-element list.
		if spec.Strategy == AppendUnique {
			spec.Kind = FieldList
		}
		s.fields[name] = spec
		s.order = append(s.order, name)
	}
	sort.Strings(s.order)

	for _, name := range s.order {
		for _, alias := range s.fields[name].From {
			if _, clash := s.fields[alias]; clash {
				return nil, apperr.NewConfigError(component, nil, "alias %q of field %q shadows a declared field", alias, name)
			}
			if other, dup := s.aliases[alias]; dup && other != name {
				return nil, apperr.NewConfigError(component, nil, "alias %q maps to both %q and %q", alias, other, name)
			}
			s.aliases[alias] = name
		}
	}

	for _, key := range append([]string{s.PrimaryKey}, s.FallbackKeys...) {
		if _, ok := s.fields[key]; !ok {
			return nil, apperr.NewConfigError(component, nil, "key field %q has no merge spec", key)
		}
	}

	seen := make(map[string]struct{}, len(ed.Rules))
	for i := range ed.Rules {
		rd := ed.Rules[i]
		if err := rd.Validate(); err != nil {
			return nil, apperr.NewConfigError(component, err, "rule #%d %q", i, rd.Name)
		}
		if _, dup := seen[rd.Name]; dup {
			return nil, apperr.NewConfigError(component, nil, "duplicate rule name %q", rd.Name)
		}
		seen[rd.Name] = struct{}{}

		rule := MatchingRule{
			Name:       rd.Name,
			AppliesTo:  typ,
			Kind:       Kind(rd.Kind),
			Source:     rd.Source,
			Target:     rd.Target,
			Priority:   rd.Priority,
			Confidence: rd.Confidence,
		}
		if rule.Kind == KindComposite {
			for _, cd := range rd.Conditions {
				rule.Conditions = append(rule.Conditions, Condition{Source: cd.Source, Target: cd.Target})
			}
		}
		if err := s.checkRule(rule); err != nil {
			return nil, apperr.NewConfigError(component, err, "rule %q", rule.Name)
		}
		s.rules = append(s.rules, rule)
	}
	sort.SliceStable(s.rules, func(i, j int) bool {
		if s.rules[i].Priority != s.rules[j].Priority {
			return s.rules[i].Priority < s.rules[j].Priority
		}
		return s.rules[i].Name < s.rules[j].Name
	})

	return s, nil
}

func (s *Schema) checkRule(r MatchingRule) error {
	for _, cond := range r.Lookups() {
		if _, ok := s.fields[cond.Source]; !ok {
			return fmt.Errorf("source attribute %q is not a field of %s", cond.Source, s.Type)
		}
		target, ok := s.fields[cond.Target]
		if !ok {
			return fmt.Errorf("target attribute %q is not a field of %s", cond.Target, s.Type)
		}
		switch r.Kind {
		case KindExactField:
			if target.Kind != FieldScalar {
				return fmt.Errorf("exact-field target %q must be a scalar field", cond.Target)
			}
		case KindListMembership:
			if target.Kind != FieldList {
				return fmt.Errorf("list-membership target %q must be a list field", cond.Target)
			}
		}
	}
	return nil
}

// Types returns the configured entity types in sorted order.
func (c *Catalog) Types() []string {
	return append([]string(nil), c.types...)
}

func (c *Catalog) DefaultStrategy() Strategy {
	return c.defaultStrategy
}

// Schema returns the schema of entityType or ErrUnknownEntityType.
func (c *Catalog) Schema(entityType string) (*Schema, error) {
	s, ok := c.schemas[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperr.ErrUnknownEntityType, entityType)
	}
	return s, nil
}

// RulesFor returns the matching rules of entityType ordered by priority, then name.
func (c *Catalog) RulesFor(entityType string) []MatchingRule {
	s, ok := c.schemas[entityType]
	if !ok {
		return nil
	}
	out := make([]MatchingRule, len(s.rules))
	for i, r := range s.rules {
		r.Conditions = append([]Condition(nil), r.Conditions...)
		out[i] = r
	}
	return out
}

// MergeSpecFor returns the declared merge specs of entityType keyed by field name.
func (c *Catalog) MergeSpecFor(entityType string) map[string]MergeFieldSpec {
	s, ok := c.schemas[entityType]
	if !ok {
		return nil
	}
	out := make(map[string]MergeFieldSpec, len(s.fields))
	for name, spec := range s.fields {
		spec.From = append([]string(nil), spec.From...)
		out[name] = spec
	}
	return out
}

// FieldSpec returns the spec of one attribute. Undeclared attributes get the
// catalog's default strategy, with the kind inferred from value.
func (c *Catalog) FieldSpec(entityType, field string, value any) MergeFieldSpec {
	if s, ok := c.schemas[entityType]; ok {
		if spec, ok := s.fields[field]; ok {
			return spec
		}
	}
	spec := MergeFieldSpec{Field: field, Kind: FieldScalar, Strategy: c.defaultStrategy}
	if _, isList := value.([]any); isList {
		spec.Kind = FieldList
	}
	if spec.Strategy == "" {
		spec.Strategy = ReplaceAlways
	}
	return spec
}

// Fields returns the declared field names of the schema in sorted order.
func (s *Schema) Fields() []string {
	return append([]string(nil), s.order...)
}

func (s *Schema) Field(name string) (MergeFieldSpec, bool) {
	spec, ok := s.fields[name]
	return spec, ok
}
