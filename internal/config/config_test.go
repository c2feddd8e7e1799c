package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, 384, c.EmbeddingDim)
	assert.Equal(t, "cosine", c.SearchDistance)
	assert.Equal(t, []string{"hnsw"}, c.ANNIndexes)
	assert.True(t, c.RunScheduler)
	assert.False(t, c.AuthEnabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9191")
	t.Setenv("EMBEDDING_DIM", "768")
	t.Setenv("SEARCH_DISTANCE", "l2")
	t.Setenv("ANN_INDEXES", "ivfflat, hnsw")
	t.Setenv("REFRESH_INTERVAL", "5")
	t.Setenv("RUN_SCHEDULER", "false")
	t.Setenv("WEBHOOK_TOPICS", "sync.*,billing.invoice")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9191, c.Port)
	assert.Equal(t, 768, c.EmbeddingDim)
	assert.Equal(t, "l2", c.SearchDistance)
	assert.Equal(t, []string{"ivfflat", "hnsw"}, c.ANNIndexes)
	assert.Equal(t, 5*time.Second, c.RefreshInterval)
	assert.False(t, c.RunScheduler)
	assert.Equal(t, []string{"sync.*", "billing.invoice"}, c.WebhookTopics)
}

func TestLoadEndpointOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_ASK_RATE", "7")
	t.Setenv("RATE_LIMIT_ASK_BURST", "9")
	t.Setenv("CONCURRENCY_ASK", "11")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7.0, c.LimitFor("ask").Rate)
	assert.Equal(t, 9, c.LimitFor("ask").Burst)
	assert.Equal(t, 11, c.ConcurrencyFor("ask"))
}

func TestLimitForFallsBackToDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, c.EndpointLimits["default"], c.LimitFor("never-registered"))
	assert.Zero(t, c.ConcurrencyFor("never-registered"))
}

func TestLoadKEKs(t *testing.T) {
	t.Setenv("KEK", "legacy-key-material")
	t.Setenv("KEK_V3", "newer-key-material")
	t.Setenv("KEK_V2", "middle-key-material")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "legacy-key-material", c.KEKs[1])
	assert.Equal(t, "middle-key-material", c.KEKs[2])
	assert.Equal(t, "newer-key-material", c.KEKs[3])
	assert.Equal(t, 3, c.ActiveKEKVer)
	assert.Equal(t, []int{3, 2, 1}, c.KEKVersions())
}

func TestValidateRejectsBadValues(t *testing.T) {
	c := Default()
	c.EmbeddingDim = 0
	assert.Error(t, c.validate())

	c = Default()
	c.SearchDistance = "manhattan"
	assert.Error(t, c.validate())

	c = Default()
	c.ANNIndexes = []string{"btree"}
	assert.Error(t, c.validate())

	c = Default()
	c.AuthEnabled = true
	c.AuthKey = ""
	assert.Error(t, c.validate())

	c = Default()
	c.AuthEnabled = true
	c.AuthAlgorithm = "none"
	c.AuthKey = "secret"
	assert.Error(t, c.validate())
}

func TestSettingsOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rate_limits:
  ask:
    rate: 99
    burst: 100
concurrency:
  ask: 42
keks:
  5: overlay-key-material
ask_sim_threshold: 0.33
`), 0o600))

	c := Default()
	require.NoError(t, c.applySettingsFile(path))
	assert.Equal(t, 99.0, c.LimitFor("ask").Rate)
	assert.Equal(t, 100, c.LimitFor("ask").Burst)
	assert.Equal(t, 42, c.ConcurrencyFor("ask"))
	assert.Equal(t, "overlay-key-material", c.KEKs[5])
	assert.Equal(t, 5, c.ActiveKEKVer)
	assert.Equal(t, 0.33, c.AskSimThreshold)
}

func TestSettingsOverlayMissingFileIsFine(t *testing.T) {
	c := Default()
	require.NoError(t, c.applySettingsFile(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestSettingsOverlayBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limits: ["), 0o600))
	assert.Error(t, Default().applySettingsFile(path))
}

func TestEnvSeconds(t *testing.T) {
	t.Setenv("SOME_TIMEOUT", "1.5")
	assert.Equal(t, 1500*time.Millisecond, envSeconds("SOME_TIMEOUT", time.Second))
	assert.Equal(t, time.Second, envSeconds("UNSET_TIMEOUT", time.Second))

	t.Setenv("NEG_TIMEOUT", "-4")
	assert.Equal(t, time.Second, envSeconds("NEG_TIMEOUT", time.Second))
}
