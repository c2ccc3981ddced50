package rules

import "github.com/agenthands/graphmerge/internal/core/model"

// ConditionResult is the outcome of comparing one condition between a proposal and
// a candidate.
type ConditionResult int

const (
	// ConditionAbsent means neither side carries a value.
	ConditionAbsent ConditionResult = iota
	// ConditionOneSided means exactly one side carries a value.
	ConditionOneSided
	ConditionMatch
	ConditionConflict
)

// Evaluate compares the proposal's Source value with the candidate's Target value.
// Values are folded; a list on either side matches when any element is shared.
func (cond Condition) Evaluate(proposal, candidate model.Attributes) ConditionResult {
	pv := model.FoldAll(proposal[cond.Source])
	cv := model.FoldAll(candidate[cond.Target])
	switch {
	case len(pv) == 0 && len(cv) == 0:
		return ConditionAbsent
	case len(pv) == 0 || len(cv) == 0:
		return ConditionOneSided
	}

	have := make(map[string]struct{}, len(cv))
	for _, v := range cv {
		have[v] = struct{}{}
	}
	for _, v := range pv {
		if _, ok := have[v]; ok {
			return ConditionMatch
		}
	}
	return ConditionConflict
}

// Matches reports whether candidate satisfies rule for proposal. Composite rules
// require at least one matching condition and no conflicting one.
func (r MatchingRule) Matches(proposal, candidate model.Attributes) bool {
	matched := false
	for _, cond := range r.Lookups() {
		switch cond.Evaluate(proposal, candidate) {
		case ConditionConflict:
			return false
		case ConditionMatch:
			matched = true
		case ConditionOneSided, ConditionAbsent:
			if r.Kind != KindComposite {
				return false
			}
		}
	}
	return matched
}
