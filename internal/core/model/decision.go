package model

// Outcome is the result of resolving a proposal against the canonical graph.
type Outcome string

const (
	OutcomeCreateNew Outcome = "create_new"
	OutcomeMergeInto Outcome = "merge_into"
	OutcomeReject    Outcome = "reject"
)

type MergeDecision struct {
	Outcome     Outcome `json:"outcome"`
	TargetKey   string  `json:"target_key,omitempty"`
	Confidence  float64 `json:"confidence"`
	AppliedRule string  `json:"applied_rule,omitempty"`
}

// NearMiss records a rejected proposal whose best candidate scored below the
// acceptance threshold. It is kept for review, not for automated action.
type NearMiss struct {
	BatchID     string         `json:"batch_id"`
	Proposal    EntityProposal `json:"proposal"`
	CandidateID EntityRef      `json:"candidate"`
	Score       float64        `json:"score"`
	Rule        string         `json:"rule"`
}

// Stats summarizes what the store currently holds.
type Stats struct {
	Entities  map[string]int `json:"entities"`
	Relations int            `json:"relations"`
}

func (s Stats) TotalEntities() int {
	total := 0
	for _, n := range s.Entities {
		total += n
	}
	return total
}
