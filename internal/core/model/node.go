package model

import (
	"fmt"
	"time"
)

// EntityRef identifies a canonical entity.
type EntityRef struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.Key)
}

func (r EntityRef) IsZero() bool {
	return r.Type == "" || r.Key == ""
}

// CanonicalEntity is the single authoritative record for a real-world object.
// (Type, PrimaryKey) is unique.
type CanonicalEntity struct {
	UUID        string     `json:"uuid,omitempty"`
	Type        string     `json:"type"`
	PrimaryKey  string     `json:"primary_key"`
	Attributes  Attributes `json:"attributes"`
	Sources     []string   `json:"sources"`
	Permissions []string   `json:"permissions,omitempty"`
	LastUpdated time.Time  `json:"last_updated"`
	Embedding   []float32  `json:"embedding,omitempty"`
}

func (e CanonicalEntity) Ref() EntityRef {
	return EntityRef{Type: e.Type, Key: e.PrimaryKey}
}

// Clone returns a deep copy so callers can mutate without touching store-owned state.
func (e CanonicalEntity) Clone() CanonicalEntity {
	out := e
	out.Attributes = e.Attributes.Clone()
	out.Sources = append([]string(nil), e.Sources...)
	out.Permissions = append([]string(nil), e.Permissions...)
	out.Embedding = append([]float32(nil), e.Embedding...)
	return out
}
