package models

import (
	"time"

	"github.com/google/uuid"
)

// Edge is a directed relation between two nodes. Its tenant scope
// equals both endpoints' tenant; mismatched endpoints are rejected by
// the store.
type Edge struct {
	ID        string    `json:"id"`
	SrcID     string    `json:"src_id"`
	DstID     string    `json:"dst_id"`
	Relation  string    `json:"relation"`
	Props     Document  `json:"props,omitempty"`
	TenantID  *string   `json:"tenant_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEdge creates an edge with a fresh id and timestamp.
func NewEdge(srcID, relation, dstID string, props Document) *Edge {
	return &Edge{
		ID:        uuid.NewString(),
		SrcID:     srcID,
		DstID:     dstID,
		Relation:  relation,
		Props:     props,
		CreatedAt: time.Now().UTC(),
	}
}
