package model

import "time"

// EntityProposal is an unresolved entity extracted from a single source item.
type EntityProposal struct {
	// ID is a batch-local handle that relation proposals use to reference this entity.
	ID          string     `json:"id,omitempty"`
	Type        string     `json:"type"`
	Attributes  Attributes `json:"attributes"`
	SourceID    string     `json:"source_id"`
	Permissions []string   `json:"permissions,omitempty"`
	ExtractedAt time.Time  `json:"extracted_at"`
}

// Endpoint references one side of a relation proposal. Exactly one form is used,
// checked in this order: a resolved Ref, a batch-local ProposalID, or a (Type, Name)
// pair looked up by primary key.
type Endpoint struct {
	Ref        *EntityRef `json:"ref,omitempty"`
	ProposalID string     `json:"proposal_id,omitempty"`
	Type       string     `json:"type,omitempty"`
	Name       string     `json:"name,omitempty"`
}

func (e Endpoint) String() string {
	switch {
	case e.Ref != nil:
		return e.Ref.String()
	case e.ProposalID != "":
		return "proposal:" + e.ProposalID
	default:
		return e.Type + ":" + e.Name
	}
}

// RelationProposal is an unresolved relation extracted from a single source item.
type RelationProposal struct {
	From        Endpoint  `json:"from"`
	To          Endpoint  `json:"to"`
	Tag         string    `json:"tag"`
	Description string    `json:"description,omitempty"`
	Strength    float64   `json:"strength"`
	SourceID    string    `json:"source_id"`
	Permissions []string  `json:"permissions,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}

func (r RelationProposal) String() string {
	return r.From.String() + " -[" + r.Tag + "]-> " + r.To.String()
}
