package merge

import (
	"math"
	"strings"

	"github.com/agenthands/graphmerge/internal/core/model"
)

// MergeRelation combines a relation proposal between two resolved endpoints with the
// existing edge, if any. Descriptions, permissions and sources accumulate; strength
// keeps the maximum seen.
func MergeRelation(existing *model.RelationRecord, p model.RelationProposal, from, to model.EntityRef) model.RelationRecord {
	at := extractedAt(p.ExtractedAt)
	strength := clamp(p.Strength)
	description := strings.TrimSpace(p.Description)

	if existing == nil {
		return model.RelationRecord{
			ID:           model.RelationID(from, to, p.Tag),
			From:         from,
			To:           to,
			Tag:          p.Tag,
			Descriptions: model.AppendUniqueStrings(nil, description),
			Strength:     strength,
			Permissions:  model.AppendUniqueStrings(nil, p.Permissions...),
			Sources:      model.AppendUniqueStrings(nil, p.SourceID),
			CreatedAt:    at,
			LastUpdated:  at,
		}
	}

	out := existing.Clone()
	out.Descriptions = model.AppendUniqueStrings(out.Descriptions, description)
	out.Strength = math.Max(out.Strength, strength)
	out.Permissions = model.AppendUniqueStrings(out.Permissions, p.Permissions...)
	out.Sources = model.AppendUniqueStrings(out.Sources, p.SourceID)
	out.LastUpdated = at
	return out
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
