package trigger

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activegraph/activegraph/pkg/models"
)

func strptr(s string) *string { return &s }

func TestTenantMatches(t *testing.T) {
	tests := []struct {
		name    string
		pattern *string
		node    *string
		want    bool
	}{
		{"global pattern, tenant node", nil, strptr("acme"), true},
		{"global pattern, shared node", nil, nil, true},
		{"same tenant", strptr("acme"), strptr("acme"), true},
		{"different tenant", strptr("acme"), strptr("globex"), false},
		{"tenant pattern, shared node", strptr("acme"), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pattern := &models.Pattern{TenantID: tt.pattern}
			node := &models.Node{TenantID: tt.node}
			assert.Equal(t, tt.want, tenantMatches(pattern, node))
		})
	}
}

func TestEvaluateSkipsUnembeddedNode(t *testing.T) {
	e := NewEngine(nil, nil, zerolog.Nop())
	node := &models.Node{ID: "n1"}

	// No embedding means no patterns are consulted, so a nil store is
	// safe here.
	stats, err := e.Evaluate(context.Background(), nil, node, "scan")
	require.NoError(t, err)
	assert.Zero(t, stats.Evaluated)
	assert.Zero(t, stats.Fired)
	assert.Equal(t, "scan", stats.Mode)
}
