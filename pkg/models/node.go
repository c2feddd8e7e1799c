// Package models contains domain models for activegraph.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// EmbedState tracks the embedding lifecycle of a node.
type EmbedState string

const (
	EmbedQueued     EmbedState = "queued"
	EmbedProcessing EmbedState = "processing"
	EmbedReady      EmbedState = "ready"
	EmbedFailed     EmbedState = "failed"
)

// TriggerBinding registers a named pattern on a node with a match threshold.
type TriggerBinding struct {
	Name      string  `json:"name"`
	Threshold float64 `json:"threshold"`
}

// TriggerBindings is the JSONB list of trigger bindings on a node.
type TriggerBindings []TriggerBinding

// Scan implements sql.Scanner for TriggerBindings.
func (t *TriggerBindings) Scan(src interface{}) error {
	if src == nil {
		*t = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("TriggerBindings: unsupported type %T", src)
	}

	if len(data) == 0 {
		*t = nil
		return nil
	}

	return json.Unmarshal(data, t)
}

// Value implements driver.Valuer for TriggerBindings.
func (t TriggerBindings) Value() (driver.Value, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

// RefreshPolicy controls how the scheduler keeps a node's embedding fresh.
// Cron takes precedence over Interval when both are set.
type RefreshPolicy struct {
	// Interval is seconds between refreshes.
	Interval *float64 `json:"interval,omitempty"`
	// Cron is a standard 5-field cron expression.
	Cron string `json:"cron,omitempty"`
	// DriftThreshold emits a drift_high event when exceeded.
	DriftThreshold *float64 `json:"drift_threshold,omitempty"`
}

// Scan implements sql.Scanner for RefreshPolicy.
func (p *RefreshPolicy) Scan(src interface{}) error {
	if src == nil {
		*p = RefreshPolicy{}
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("RefreshPolicy: unsupported type %T", src)
	}

	if len(data) == 0 {
		*p = RefreshPolicy{}
		return nil
	}

	return json.Unmarshal(data, p)
}

// Value implements driver.Valuer for RefreshPolicy.
func (p RefreshPolicy) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// IsZero reports whether the policy schedules nothing.
func (p RefreshPolicy) IsZero() bool {
	return p.Interval == nil && p.Cron == "" && p.DriftThreshold == nil
}

// Node is a versioned, typed, embedded entity in the knowledge graph.
// TenantID nil means the node is shared across tenants.
type Node struct {
	ID                 string          `json:"id"`
	TenantID           *string         `json:"tenant_id,omitempty"`
	Classes            StringArray     `json:"classes,omitempty"`
	Props              Document        `json:"props,omitempty"`
	PayloadRef         *string         `json:"payload_ref,omitempty"`
	Embedding          []float32       `json:"-"`
	RefreshPolicy      *RefreshPolicy  `json:"refresh_policy,omitempty"`
	Triggers           TriggerBindings `json:"triggers,omitempty"`
	Version            int64           `json:"version"`
	EmbedStatus        EmbedState      `json:"embed_status"`
	EmbedAttempts      int             `json:"embed_attempts,omitempty"`
	EmbedError         *string         `json:"embed_error,omitempty"`
	EmbeddingUpdatedAt *time.Time      `json:"embedding_updated_at,omitempty"`
	DriftScore         *float64        `json:"drift_score,omitempty"`
	ContentHash        *string         `json:"content_hash,omitempty"`
	ETag               *string         `json:"etag,omitempty"`
	SourceProvider     *string         `json:"source_provider,omitempty"`
	SourceURI          *string         `json:"source_uri,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	LastRefreshed      *time.Time      `json:"last_refreshed,omitempty"`
	DeletedAt          *time.Time      `json:"deleted_at,omitempty"`
	PurgeAfter         *time.Time      `json:"purge_after,omitempty"`
}

// NewNode creates a node with a fresh id and timestamps.
func NewNode(tenantID *string, classes []string, props Document) *Node {
	now := time.Now().UTC()
	return &Node{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Classes:     classes,
		Props:       props,
		EmbedStatus: EmbedQueued,
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Title returns the title property used as weight-A lexical text.
func (n *Node) Title() string {
	if t := n.Props.String("title"); t != "" {
		return t
	}
	return n.Props.String("job_title")
}

// Text returns the body property used as weight-B lexical text and as
// the embedding input.
func (n *Node) Text() string {
	if t := n.Props.String("text"); t != "" {
		return t
	}
	return n.Props.String("resume_text")
}

// EmbedInput joins title and body into the text that gets embedded.
func (n *Node) EmbedInput() string {
	title, text := n.Title(), n.Text()
	if title == "" {
		return text
	}
	if text == "" {
		return title
	}
	return title + "\n" + text
}

// AgeDays returns the age in days since the node was last refreshed,
// falling back to updated_at when it never was.
func (n *Node) AgeDays(now time.Time) float64 {
	ref := n.UpdatedAt
	if n.LastRefreshed != nil {
		ref = *n.LastRefreshed
	}
	age := now.Sub(ref).Hours() / 24.0
	if age < 0 {
		age = 0
	}
	return age
}

// Drift returns the recorded drift score, 0 when none exists.
func (n *Node) Drift() float64 {
	if n.DriftScore == nil {
		return 0
	}
	return *n.DriftScore
}

// IsDeleted reports whether the node is soft-deleted.
func (n *Node) IsDeleted() bool {
	return n.DeletedAt != nil
}
