package extraction

import (
	"strings"
	"time"

	"github.com/agenthands/graphmerge/internal/core/model"
)

// defaultStrength applies to relations that carry no strength.
const defaultStrength = 1.0

// Converted is one item turned into proposals. Invalid counts entries dropped for
// missing a type, name, endpoint or tag.
type Converted struct {
	SourceID  string
	Entities  []model.EntityProposal
	Relations []model.RelationProposal
	Invalid   int
}

// Convert turns an item into proposals. Entity names become the batch-local
// proposal IDs that relation endpoints refer to; fallbackID is used when the item
// carries no ID of its own.
func Convert(item model.ExtractedItem, fallbackID string, now time.Time) Converted {
	out := Converted{SourceID: item.SourceID()}
	if out.SourceID == "" {
		out.SourceID = fallbackID
	}
	extractedAt := now.UTC()
	if t, err := time.Parse(time.RFC3339, item.ProcessedAt); err == nil {
		extractedAt = t.UTC()
	}

	for _, e := range item.Entities {
		typ, name := strings.TrimSpace(e.TypeName()), strings.TrimSpace(e.DisplayName())
		if typ == "" || name == "" {
			out.Invalid++
			continue
		}
		attrs := make(model.Attributes, len(e.Attributes)+1)
		for k, v := range e.Attributes {
			attrs[k] = v
		}
		if _, ok := attrs["name"]; !ok {
			attrs["name"] = name
		}
		out.Entities = append(out.Entities, model.EntityProposal{
			ID:          name,
			Type:        typ,
			Attributes:  attrs,
			SourceID:    out.SourceID,
			Permissions: item.Permissions,
			ExtractedAt: extractedAt,
		})
	}

	for _, r := range item.AllRelations() {
		src, dst, tag := strings.TrimSpace(r.SourceName()), strings.TrimSpace(r.TargetName()), strings.TrimSpace(r.TagName())
		if src == "" || dst == "" || tag == "" {
			out.Invalid++
			continue
		}
		out.Relations = append(out.Relations, model.RelationProposal{
			From:        model.Endpoint{ProposalID: src, Name: src},
			To:          model.Endpoint{ProposalID: dst, Name: dst},
			Tag:         tag,
			Description: strings.TrimSpace(r.Description),
			Strength:    scaleStrength(r.Strength),
			SourceID:    out.SourceID,
			Permissions: item.Permissions,
			ExtractedAt: extractedAt,
		})
	}
	return out
}

// scaleStrength maps extractor strengths into [0,1]. Extractors score on 0-10.
func scaleStrength(v *float64) float64 {
	if v == nil {
		return defaultStrength
	}
	s := *v
	if s > 1 {
		s /= 10
	}
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}
