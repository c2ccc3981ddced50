// Package testutil provides shared fixtures for catalogs and proposals.
package testutil

import (
	"testing"
	"time"

	"github.com/agenthands/graphmerge/internal/core/model"
	"github.com/agenthands/graphmerge/internal/core/rules"
)

// Epoch is the base extraction time used by fixtures.
var Epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Definition returns the catalog used across package tests: Person matched by email
// overlap (0.9) then exact name (0.85), Organization by domain (0.95) then a
// name/alias + domain composite (0.85).
func Definition() rules.Definition {
	return rules.Definition{
		DefaultStrategy: string(rules.ReplaceAlways),
		Entities: map[string]rules.EntityDefinition{
			"Person": {
				PrimaryKey: "name",
				Fields: map[string]rules.FieldDefinition{
					"name":        {Kind: "scalar", Strategy: "preserve-existing"},
					"emails":      {Kind: "list", Strategy: "append-unique", From: []string{"email"}},
					"aliases":     {Kind: "list", Strategy: "append-unique"},
					"title":       {Kind: "scalar", Strategy: "replace-always"},
					"description": {Kind: "scalar", Strategy: "replace-always"},
				},
				Rules: []rules.RuleDefinition{
					{Name: "email-overlap", Kind: "list-membership", Source: "emails", Target: "emails", Priority: 10, Confidence: 0.9},
					{Name: "exact-name", Kind: "exact-field", Source: "name", Target: "name", Priority: 20, Confidence: 0.85},
				},
			},
			"Organization": {
				PrimaryKey: "name",
				Fields: map[string]rules.FieldDefinition{
					"name":    {Kind: "scalar", Strategy: "preserve-existing"},
					"domain":  {Kind: "scalar", Strategy: "preserve-existing"},
					"aliases": {Kind: "list", Strategy: "append-unique"},
				},
				Rules: []rules.RuleDefinition{
					{Name: "domain", Kind: "exact-field", Source: "domain", Target: "domain", Priority: 10, Confidence: 0.95},
					{Name: "alias-and-domain", Kind: "composite", Priority: 20, Confidence: 0.85, Conditions: []rules.ConditionDefinition{
						{Source: "name", Target: "aliases"},
						{Source: "domain", Target: "domain"},
					}},
				},
			},
		},
	}
}

// Catalog builds the fixture catalog.
func Catalog(t *testing.T) *rules.Catalog {
	t.Helper()
	c, err := rules.New(Definition())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// Person returns a Person proposal from source with the given attributes.
func Person(source string, attrs model.Attributes) model.EntityProposal {
	return model.EntityProposal{
		Type:        "Person",
		Attributes:  attrs,
		SourceID:    source,
		ExtractedAt: Epoch,
	}
}

// Normalized normalizes p against c, failing the test on error.
func Normalized(t *testing.T, c *rules.Catalog, p model.EntityProposal) model.EntityProposal {
	t.Helper()
	out, err := c.Normalize(p)
	if err != nil {
		t.Fatal(err)
	}
	return out
}
