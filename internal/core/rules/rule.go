package rules

// Kind selects how a MatchingRule looks up candidates.
type Kind string

const (
	KindExactField     Kind = "exact-field"
	KindListMembership Kind = "list-membership"
	KindComposite      Kind = "composite"
)

// Strategy is the per-field policy for combining a proposal value with an existing one.
type Strategy string

const (
	PreserveExisting Strategy = "preserve-existing"
	AppendUnique     Strategy = "append-unique"
	ReplaceAlways    Strategy = "replace-always"
)

// FieldKind is the declared shape of an attribute.
type FieldKind string

const (
	FieldScalar FieldKind = "scalar"
	FieldList   FieldKind = "list"
)

// Condition is one sub-condition of a composite rule. The proposal's Source value is
// compared against the candidate's Target value; a list target matches by membership.
type Condition struct {
	Source string
	Target string
}

// MatchingRule is a declarative condition used to find candidate canonical entities.
// Kind decides which fields apply: Source/Target for exact-field and list-membership,
// Conditions for composite.
type MatchingRule struct {
	Name       string
	AppliesTo  string
	Kind       Kind
	Source     string
	Target     string
	Conditions []Condition
	Priority   int
	Confidence float64
}

// Lookups returns the conditions the rule evaluates. Simple rules are a single
// condition.
func (r MatchingRule) Lookups() []Condition {
	if r.Kind == KindComposite {
		return r.Conditions
	}
	return []Condition{{Source: r.Source, Target: r.Target}}
}

// MergeFieldSpec is the merge policy of one attribute. From lists alternate proposal
// attribute names that map onto Field.
type MergeFieldSpec struct {
	Field    string
	Kind     FieldKind
	Strategy Strategy
	From     []string
}
