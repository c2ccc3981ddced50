package model

// Wire shapes produced by the extraction step, both by the LLM prompt and by the
// extracted-output files consumed by the ingest pipeline. Alternate keys are accepted
// because older extraction runs used entity_type/entity_name and
// source_entity/target_entity/relationship_type.

type ExtractedEntity struct {
	Type       string         `json:"type,omitempty"`
	EntityType string         `json:"entity_type,omitempty"`
	Name       string         `json:"name,omitempty"`
	EntityName string         `json:"entity_name,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (e ExtractedEntity) TypeName() string {
	if e.Type != "" {
		return e.Type
	}
	return e.EntityType
}

func (e ExtractedEntity) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.EntityName
}

type ExtractedRelation struct {
	Source           string   `json:"source,omitempty"`
	SourceEntity     string   `json:"source_entity,omitempty"`
	Target           string   `json:"target,omitempty"`
	TargetEntity     string   `json:"target_entity,omitempty"`
	Type             string   `json:"type,omitempty"`
	RelationshipType string   `json:"relationship_type,omitempty"`
	Description      string   `json:"description,omitempty"`
	Strength         *float64 `json:"strength,omitempty"`
}

func (r ExtractedRelation) SourceName() string {
	if r.Source != "" {
		return r.Source
	}
	return r.SourceEntity
}

func (r ExtractedRelation) TargetName() string {
	if r.Target != "" {
		return r.Target
	}
	return r.TargetEntity
}

func (r ExtractedRelation) TagName() string {
	if r.Type != "" {
		return r.Type
	}
	return r.RelationshipType
}

// ExtractedItem is the extraction output for one source item.
type ExtractedItem struct {
	ItemID        string              `json:"item_id,omitempty"`
	SourceItemID  string              `json:"source_item_id,omitempty"`
	Permissions   []string            `json:"permissions,omitempty"`
	ProcessedAt   string              `json:"processed_at,omitempty"`
	Entities      []ExtractedEntity   `json:"entities"`
	Relationships []ExtractedRelation `json:"relationships,omitempty"`
	Relations     []ExtractedRelation `json:"relations,omitempty"`
}

func (i ExtractedItem) SourceID() string {
	if i.ItemID != "" {
		return i.ItemID
	}
	return i.SourceItemID
}

func (i ExtractedItem) AllRelations() []ExtractedRelation {
	if len(i.Relationships) == 0 {
		return i.Relations
	}
	return append(append([]ExtractedRelation(nil), i.Relationships...), i.Relations...)
}
