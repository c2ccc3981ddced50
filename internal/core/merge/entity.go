package merge

import (
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/core/rules"
)

// NewEntity builds the first canonical record of an identity from a normalized proposal.
func (r *Resolver) NewEntity(p model.EntityProposal, key string) model.CanonicalEntity {
	return model.CanonicalEntity{
		UUID:        uuid.NewString(),
		Type:        p.Type,
		PrimaryKey:  key,
		Attributes:  p.Attributes.Clone(),
		Sources:     model.AppendUniqueStrings(nil, p.SourceID),
		Permissions: model.AppendUniqueStrings(nil, p.Permissions...),
		LastUpdated: extractedAt(p.ExtractedAt),
	}
}

// MergeEntity folds a normalized proposal into existing using the catalog's field
// strategies. It reports whether any attribute changed; Sources, Permissions and
// LastUpdated are bookkeeping and do not count.
func (r *Resolver) MergeEntity(existing model.CanonicalEntity, p model.EntityProposal) (model.CanonicalEntity, bool) {
	out := existing.Clone()
	if out.Attributes == nil {
		out.Attributes = make(model.Attributes, len(p.Attributes))
	}

	for name, incoming := range p.Attributes {
		spec := r.catalog.FieldSpec(existing.Type, name, incoming)
		if merged, ok := mergeField(spec, out.Attributes[name], incoming); ok {
			out.Attributes[name] = merged
		}
	}

	out.Sources = model.AppendUniqueStrings(out.Sources, p.SourceID)
	out.Permissions = model.AppendUniqueStrings(out.Permissions, p.Permissions...)
	out.LastUpdated = extractedAt(p.ExtractedAt)

	return out, !reflect.DeepEqual(existing.Attributes, out.Attributes)
}

// mergeField applies one strategy. ok is false when the existing value stays as is.
func mergeField(spec rules.MergeFieldSpec, current, incoming any) (any, bool) {
	incoming, present := model.NormalizeValue(incoming)
	if !present {
		return nil, false
	}
	_, hasCurrent := model.NormalizeValue(current)

	switch spec.Strategy {
	case rules.PreserveExisting:
		if hasCurrent {
			return nil, false
		}
		return coerce(spec, incoming), true
	case rules.AppendUnique:
		return model.AppendUnique(model.ToList(current), model.ToList(incoming)), true
	default:
		return coerce(spec, incoming), true
	}
}

func coerce(spec rules.MergeFieldSpec, v any) any {
	if spec.Kind == rules.FieldList {
		return model.ToList(v)
	}
	if list, ok := v.([]any); ok {
		return list[0]
	}
	return v
}

func extractedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
