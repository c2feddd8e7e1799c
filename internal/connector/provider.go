package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/activegraph/activegraph/pkg/models"
)

// Item describes one piece of external content a provider can serve.
type Item struct {
	URI      string          `json:"uri"`
	Title    string          `json:"title,omitempty"`
	ETag     string          `json:"etag,omitempty"`
	Metadata models.Document `json:"metadata,omitempty"`
}

// Change is one entry in a provider's change feed.
type Change struct {
	Item
	Deleted bool `json:"deleted,omitempty"`
}

// Provider integrates one external content source. Implementations
// receive the decrypted connector config and must not retain it.
type Provider interface {
	Name() string

	// Stat returns the item's current metadata without fetching the
	// body. Used for the ETag short-circuit.
	Stat(ctx context.Context, cfg models.Document, uri string) (*Item, error)

	// FetchText returns the item's full text plus refreshed metadata.
	FetchText(ctx context.Context, cfg models.Document, uri string) (string, *Item, error)

	// ListChanges returns changes after cursor plus the next cursor.
	// An empty cursor means a full backfill.
	ListChanges(ctx context.Context, cfg models.Document, cursor string) ([]Change, string, error)
}

// Registry holds the installed providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register installs a provider. Re-registering a name replaces it.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider for name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("connector: unknown provider %q", name)
	}
	return p, nil
}

// Names lists the installed provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
