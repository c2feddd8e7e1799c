package models

import "time"

// Pattern is a registered trigger pattern: a tenant-scoped example
// text whose embedding is compared against node embeddings.
type Pattern struct {
	Name        string    `json:"name"`
	TenantID    *string   `json:"tenant_id,omitempty"`
	ExampleText string    `json:"example_text"`
	Threshold   float64   `json:"threshold"`
	Embedding   []float32 `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConnectorConfig is the stored per-(tenant, provider) connector
// configuration. Secret fields inside Config are encrypted with the
// KEK identified by KeyVersion before the row is written.
type ConnectorConfig struct {
	TenantID   string    `json:"tenant_id"`
	Provider   string    `json:"provider"`
	Config     Document  `json:"config"`
	Enabled    bool      `json:"enabled"`
	KeyVersion int       `json:"key_version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ConnectorCursor holds the provider-opaque sync position for a
// (tenant, provider) pair.
type ConnectorCursor struct {
	TenantID  string    `json:"tenant_id"`
	Provider  string    `json:"provider"`
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}
