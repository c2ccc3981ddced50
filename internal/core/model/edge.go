package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RelationRecord is a canonical edge between two canonical entities.
// It is keyed by ID, derived from its endpoints and tag.
type RelationRecord struct {
	ID           string    `json:"id"`
	From         EntityRef `json:"from"`
	To           EntityRef `json:"to"`
	Tag          string    `json:"tag"`
	Descriptions []string  `json:"descriptions,omitempty"`
	Strength     float64   `json:"strength"`
	Permissions  []string  `json:"permissions,omitempty"`
	Sources      []string  `json:"sources"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
}

// RelationID returns the stable identifier of the edge (from, tag, to).
func RelationID(from, to EntityRef, tag string) string {
	sum := sha256.Sum256([]byte(from.String() + "::" + tag + "::" + to.String()))
	return hex.EncodeToString(sum[:])
}

func (r RelationRecord) Clone() RelationRecord {
	out := r
	out.Descriptions = append([]string(nil), r.Descriptions...)
	out.Permissions = append([]string(nil), r.Permissions...)
	out.Sources = append([]string(nil), r.Sources...)
	return out
}
