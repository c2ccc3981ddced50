package batch

import (
	"time"

	"github.com/agenthands/graphmerge/internal/core/model"
)

// Failure is one proposal that could not be merged. The rest of the batch is
// unaffected.
type Failure struct {
	Kind     string                  `json:"kind"` // "entity" or "relation"
	Index    int                     `json:"index"`
	Subject  string                  `json:"subject"`
	Error    string                  `json:"error"`
	Err      error                   `json:"-"`
	Entity   *model.EntityProposal   `json:"entity,omitempty"`
	Relation *model.RelationProposal `json:"relation,omitempty"`
}

// BatchResult reports what one MergeBatch call did. Rejected counts near-misses
// whatever the reject policy; Created and Merged count accepted outcomes only.
type BatchResult struct {
	BatchID          string           `json:"batch_id"`
	Created          int              `json:"created"`
	Merged           int              `json:"merged"`
	Rejected         int              `json:"rejected"`
	Skipped          int              `json:"skipped"`
	Ambiguities      int              `json:"ambiguities"`
	RelationsCreated int              `json:"relations_created"`
	RelationsMerged  int              `json:"relations_merged"`
	Failed           []Failure        `json:"failed"`
	NearMisses       []model.NearMiss `json:"near_misses"`
	Duration         time.Duration    `json:"duration"`
}

type entityOutcome struct {
	done      bool
	skipped   bool
	decision  model.MergeDecision
	ref       model.EntityRef
	resolved  bool
	ambiguous bool
	nearMiss  *model.NearMiss
	err       error
}

type relationOutcome struct {
	done     bool
	skipped  bool
	created  bool
	deferred bool
	err      error
}
