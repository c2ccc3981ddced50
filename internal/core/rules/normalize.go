package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/agenthands/graphmerge/internal/apperr"
	"github.com/agenthands/graphmerge/internal/core/model"
)

// Normalize maps alias attribute names onto declared fields, coerces every value to
// its declared kind and drops blank values. The input is not modified.
func (c *Catalog) Normalize(p model.EntityProposal) (model.EntityProposal, error) {
	s, err := c.Schema(p.Type)
	if err != nil {
		return p, err
	}

	out := p
	out.Attributes = make(model.Attributes, len(p.Attributes))
	out.Permissions = model.AppendUniqueStrings(nil, p.Permissions...)

	names := make([]string, 0, len(p.Attributes))
	for k := range p.Attributes {
		names = append(names, k)
	}
	sort.Strings(names)

	// Declared names first so that, for scalars, an explicit field beats its alias.
	var aliased []string
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if _, isAlias := s.aliases[name]; isAlias {
			aliased = append(aliased, raw)
			continue
		}
		c.setAttribute(p.Type, out.Attributes, name, p.Attributes[raw])
	}
	for _, raw := range aliased {
		c.setAttribute(p.Type, out.Attributes, s.aliases[strings.TrimSpace(raw)], p.Attributes[raw])
	}

	if len(out.Attributes) == 0 {
		return p, fmt.Errorf("%w: %s proposal from %q has no attributes", apperr.ErrInvalidProposal, p.Type, p.SourceID)
	}
	return out, nil
}

func (c *Catalog) setAttribute(entityType string, attrs model.Attributes, name string, raw any) {
	if name == "" {
		return
	}
	v, ok := model.NormalizeValue(raw)
	if !ok {
		return
	}
	spec := c.FieldSpec(entityType, name, v)

	if spec.Kind == FieldList {
		list := model.ToList(v)
		if existing, has := attrs[name].([]any); has {
			list = model.AppendUnique(existing, list)
		}
		attrs[name] = list
		return
	}

	if list, isList := v.([]any); isList {
		v = list[0]
	}
	if _, has := attrs[name]; has {
		return
	}
	attrs[name] = v
}

// PrimaryKey derives the canonical key of a normalized proposal: the primary key
// field, then each fallback key, then a hash of the attributes.
func (c *Catalog) PrimaryKey(p model.EntityProposal) (string, error) {
	s, err := c.Schema(p.Type)
	if err != nil {
		return "", err
	}
	for _, field := range append([]string{s.PrimaryKey}, s.FallbackKeys...) {
		list := model.ToList(p.Attributes[field])
		if len(list) == 0 {
			continue
		}
		if key := strings.TrimSpace(model.ScalarString(list[0])); key != "" {
			return key, nil
		}
	}
	return hashKey(p.Type, p.Attributes), nil
}

func hashKey(entityType string, attrs model.Attributes) string {
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, k := range names {
		h.Write([]byte(k))
		h.Write([]byte{0})
		for _, v := range model.ToList(attrs[k]) {
			h.Write([]byte(model.ValueKey(v)))
			h.Write([]byte{0})
		}
	}
	return entityType + "_" + hex.EncodeToString(h.Sum(nil))[:16]
}
