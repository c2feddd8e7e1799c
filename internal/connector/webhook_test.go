package connector

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activegraph/activegraph/internal/observability"
)

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"topic":"sync.item","uri":"s3://bucket/key"}`)
	sig := SignBody("shared-secret", body)

	assert.True(t, verifyHMAC("shared-secret", body, sig))
	assert.True(t, verifyHMAC("shared-secret", body, sig[len("sha256="):]), "bare hex accepted")
	assert.False(t, verifyHMAC("wrong-secret", body, sig))
	assert.False(t, verifyHMAC("shared-secret", []byte("tampered"), sig))
	assert.False(t, verifyHMAC("shared-secret", body, "not-hex"))
}

func TestTopicAllowed(t *testing.T) {
	allow := []string{"sync.*", "ping"}

	assert.True(t, topicAllowed(allow, "sync.item"))
	assert.True(t, topicAllowed(allow, "sync.delete"))
	assert.True(t, topicAllowed(allow, "ping"))
	assert.False(t, topicAllowed(allow, "admin.rotate"))
	assert.False(t, topicAllowed(nil, "sync.item"))
	assert.True(t, topicAllowed([]string{"*"}, "anything"))
}

func TestClaimDeliveryDedup(t *testing.T) {
	mr, pool := testPool(t)
	metrics, err := observability.New(nil)
	require.NoError(t, err)
	w := NewWebhook(nil, nil, pool, nil, nil, 300*time.Second, metrics, zerolog.Nop())
	ctx := context.Background()

	fresh, err := w.claimDelivery(ctx, "s3", "delivery-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = w.claimDelivery(ctx, "s3", "delivery-1")
	require.NoError(t, err)
	assert.False(t, fresh, "same id within the window is a replay")

	fresh, err = w.claimDelivery(ctx, "s3", "delivery-2")
	require.NoError(t, err)
	assert.True(t, fresh, "ids are independent")

	// After the dedup window the id is accepted again.
	mr.FastForward(301 * time.Second)
	fresh, err = w.claimDelivery(ctx, "s3", "delivery-1")
	require.NoError(t, err)
	assert.True(t, fresh)
}
