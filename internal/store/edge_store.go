package store

import (
	"context"
	"fmt"
	"time"

	"github.com/activegraph/activegraph/pkg/models"
)

// CreateEdge persists a directed relation. Both endpoints must be
// visible under the current binding and carry the same tenant; the
// edge inherits it.
func (s *Store) CreateEdge(ctx context.Context, edge *models.Edge) error {
	src, err := s.GetNode(ctx, edge.SrcID)
	if err != nil {
		return fmt.Errorf("edge source: %w", err)
	}
	dst, err := s.GetNode(ctx, edge.DstID)
	if err != nil {
		return fmt.Errorf("edge destination: %w", err)
	}
	if !tenantEqual(src.TenantID, dst.TenantID) {
		return ErrTenantMismatch
	}

	rec := &edgeRecord{
		ID:        edge.ID,
		SrcID:     edge.SrcID,
		DstID:     edge.DstID,
		Relation:  edge.Relation,
		Props:     edge.Props,
		TenantID:  src.TenantID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return classify("create edge", err)
	}
	edge.TenantID = rec.TenantID
	edge.CreatedAt = rec.CreatedAt
	return nil
}

// DeleteEdge removes an edge under the tenant seal.
func (s *Store) DeleteEdge(ctx context.Context, id string) error {
	res := s.tenantScope(s.db.WithContext(ctx)).Where("id = ?", id).Delete(&edgeRecord{})
	if res.Error != nil {
		return classify("delete edge", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete edge: %w", ErrNotFound)
	}
	return nil
}

// LineageNode is one hop of a lineage walk.
type LineageNode struct {
	Node     *models.Node   `json:"node"`
	Depth    int            `json:"depth"`
	Edges    []*models.Edge `json:"edges,omitempty"`
	ViaLabel string         `json:"via,omitempty"`
}

// Lineage performs a bounded breadth-first walk over edges in both
// directions starting from a node. maxDepth and maxNodes cap the walk
// so it is never a general graph traversal.
func (s *Store) Lineage(ctx context.Context, rootID string, maxDepth, maxNodes int) ([]*LineageNode, error) {
	if maxDepth <= 0 || maxDepth > 5 {
		maxDepth = 3
	}
	if maxNodes <= 0 || maxNodes > 500 {
		maxNodes = 100
	}

	root, err := s.GetNode(ctx, rootID)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{rootID: true}
	out := []*LineageNode{{Node: root, Depth: 0}}
	frontier := []string{rootID}

	for depth := 1; depth <= maxDepth && len(frontier) > 0 && len(out) < maxNodes; depth++ {
		var edges []edgeRecord
		err := s.tenantScope(s.db.WithContext(ctx)).
			Where("src_id IN ? OR dst_id IN ?", frontier, frontier).
			Find(&edges).Error
		if err != nil {
			return nil, classify("lineage edges", err)
		}

		next := make([]string, 0, len(edges))
		for i := range edges {
			for _, candidate := range []struct {
				id  string
				via string
			}{
				{edges[i].DstID, edges[i].Relation},
				{edges[i].SrcID, edges[i].Relation},
			} {
				if visited[candidate.id] || len(out) >= maxNodes {
					continue
				}
				node, err := s.GetNode(ctx, candidate.id)
				if err != nil {
					if IsNotFound(err) {
						continue // soft-deleted or out of scope
					}
					return nil, err
				}
				visited[candidate.id] = true
				out = append(out, &LineageNode{
					Node:     node,
					Depth:    depth,
					Edges:    []*models.Edge{edges[i].toModel()},
					ViaLabel: candidate.via,
				})
				next = append(next, candidate.id)
			}
		}
		frontier = next
	}
	return out, nil
}

func tenantEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
