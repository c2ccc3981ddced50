package rules

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Definition is the declarative catalog as written in a catalog file.
type Definition struct {
	// DefaultStrategy applies to fields declared without a strategy and to
	// attributes not declared at all.
	DefaultStrategy string                      `toml:"default_strategy" yaml:"default_strategy"`
	Entities        map[string]EntityDefinition `toml:"entities" yaml:"entities"`
}

type EntityDefinition struct {
	PrimaryKey   string                     `toml:"primary_key" yaml:"primary_key"`
	FallbackKeys []string                   `toml:"fallback_keys" yaml:"fallback_keys"`
	Fields       map[string]FieldDefinition `toml:"fields" yaml:"fields"`
	Rules        []RuleDefinition           `toml:"rules" yaml:"rules"`
}

type FieldDefinition struct {
	Kind     string   `toml:"kind" yaml:"kind"`
	Strategy string   `toml:"strategy" yaml:"strategy"`
	From     []string `toml:"from" yaml:"from"`
}

type RuleDefinition struct {
	Name       string                `toml:"name" yaml:"name"`
	Kind       string                `toml:"kind" yaml:"kind"`
	Source     string                `toml:"source" yaml:"source"`
	Target     string                `toml:"target" yaml:"target"`
	Conditions []ConditionDefinition `toml:"conditions" yaml:"conditions"`
	Priority   int                   `toml:"priority" yaml:"priority"`
	Confidence float64               `toml:"confidence" yaml:"confidence"`
}

type ConditionDefinition struct {
	Source string `toml:"source" yaml:"source"`
	Target string `toml:"target" yaml:"target"`
}

func (d *Definition) Validate() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.DefaultStrategy, validation.In(
			string(PreserveExisting), string(AppendUnique), string(ReplaceAlways))),
		validation.Field(&d.Entities, validation.Required),
	)
}

func (d *EntityDefinition) Validate() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Fields, validation.Required),
	)
}

func (d *FieldDefinition) Validate() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Kind, validation.In(string(FieldScalar), string(FieldList))),
		validation.Field(&d.Strategy, validation.In(
			string(PreserveExisting), string(AppendUnique), string(ReplaceAlways))),
	)
}

func (d *RuleDefinition) Validate() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Name, validation.Required),
		validation.Field(&d.Kind, validation.Required, validation.In(
			string(KindExactField), string(KindListMembership), string(KindComposite))),
		validation.Field(&d.Source, validation.When(d.Kind != string(KindComposite), validation.Required)),
		validation.Field(&d.Target, validation.When(d.Kind != string(KindComposite), validation.Required)),
		validation.Field(&d.Conditions, validation.When(d.Kind == string(KindComposite),
			validation.Required, validation.Length(2, 0))),
		validation.Field(&d.Priority, validation.Min(0)),
		validation.Field(&d.Confidence, validation.Min(0.0), validation.Max(1.0)),
	)
}

func (d ConditionDefinition) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Source, validation.Required),
		validation.Field(&d.Target, validation.Required),
	)
}
