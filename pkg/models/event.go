package models

import "time"

// EventKind classifies an append-only event.
type EventKind string

const (
	EventCreated         EventKind = "created"
	EventUpdated         EventKind = "updated"
	EventRefreshed       EventKind = "refreshed"
	EventDriftHigh       EventKind = "drift_high"
	EventTriggerFired    EventKind = "trigger_fired"
	EventDeleted         EventKind = "deleted"
	EventPurged          EventKind = "purged"
	EventSkipped         EventKind = "skipped"
	EventAccessViolation EventKind = "access_violation"
)

// Event is an append-only audit record attached to a node (or, for
// access violations, to no node at all).
type Event struct {
	ID        int64     `json:"id"`
	NodeID    *string   `json:"node_id,omitempty"`
	Kind      EventKind `json:"kind"`
	Payload   Document  `json:"payload,omitempty"`
	ActorID   *string   `json:"actor_id,omitempty"`
	ActorType *string   `json:"actor_type,omitempty"`
	TenantID  *string   `json:"tenant_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NodeVersion snapshots props, classes and payload_ref at each
// mutation. Version numbers per node are strictly increasing, gap-free.
type NodeVersion struct {
	ID         int64       `json:"id"`
	NodeID     string      `json:"node_id"`
	Version    int64       `json:"version"`
	Classes    StringArray `json:"classes,omitempty"`
	Props      Document    `json:"props,omitempty"`
	PayloadRef *string     `json:"payload_ref,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// EmbeddingHistory records one embedding generation with its drift
// from the previous one.
type EmbeddingHistory struct {
	ID        int64     `json:"id"`
	NodeID    string    `json:"node_id"`
	Embedding []float32 `json:"-"`
	Drift     float64   `json:"drift"`
	CreatedAt time.Time `json:"created_at"`
}
