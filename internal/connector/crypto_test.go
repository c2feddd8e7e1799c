package connector

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activegraph/activegraph/pkg/models"
)

func testKey(b byte) string {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = b
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestKeyringRoundTrip(t *testing.T) {
	kr, err := NewKeyring(map[int]string{1: testKey(0x01)})
	require.NoError(t, err)

	cfg := models.Document{
		"api_key": "sk-live-12345",
		"region":  "us-east-1",
	}
	sealed, err := kr.EncryptSecrets(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, "sk-live-12345", sealed["api_key"])
	assert.Equal(t, "us-east-1", sealed["region"], "non-secret fields pass through")

	opened, err := kr.DecryptSecrets(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-12345", opened["api_key"])
}

func TestKeyringSealIsVersioned(t *testing.T) {
	kr, err := NewKeyring(map[int]string{1: testKey(0x01), 3: testKey(0x03)})
	require.NoError(t, err)
	assert.Equal(t, 3, kr.ActiveVersion())

	sealed, err := kr.seal("secret")
	require.NoError(t, err)
	assert.Regexp(t, `^v3:`, sealed)
}

func TestKeyringOpensOldVersions(t *testing.T) {
	old, err := NewKeyring(map[int]string{1: testKey(0x01)})
	require.NoError(t, err)
	sealed, err := old.seal("legacy-password")
	require.NoError(t, err)

	rotated, err := NewKeyring(map[int]string{1: testKey(0x01), 2: testKey(0x02)})
	require.NoError(t, err)
	plain, err := rotated.open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "legacy-password", plain)
}

func TestKeyringMissingVersionFails(t *testing.T) {
	old, err := NewKeyring(map[int]string{1: testKey(0x01)})
	require.NoError(t, err)
	sealed, err := old.seal("gone")
	require.NoError(t, err)

	kr, err := NewKeyring(map[int]string{2: testKey(0x02)})
	require.NoError(t, err)
	_, err = kr.open(sealed)
	assert.ErrorIs(t, err, ErrNoKEK)
}

func TestEncryptSecretsIdempotent(t *testing.T) {
	kr, err := NewKeyring(map[int]string{1: testKey(0x01)})
	require.NoError(t, err)

	first, err := kr.EncryptSecrets(models.Document{"token": "abc"})
	require.NoError(t, err)
	second, err := kr.EncryptSecrets(first)
	require.NoError(t, err)
	assert.Equal(t, first["token"], second["token"], "sealed values are not re-sealed")

	opened, err := kr.DecryptSecrets(second)
	require.NoError(t, err)
	assert.Equal(t, "abc", opened["token"])
}

func TestSanitize(t *testing.T) {
	cfg := models.Document{
		"secret_access_key": "AKIA-whatever",
		"webhook_secret":    "hmac-key",
		"bucket":            "resumes",
	}
	out := Sanitize(cfg)
	assert.Equal(t, "***REDACTED***", out["secret_access_key"])
	assert.Equal(t, "***REDACTED***", out["webhook_secret"])
	assert.Equal(t, "resumes", out["bucket"])
	assert.Equal(t, "AKIA-whatever", cfg["secret_access_key"], "input untouched")
}
