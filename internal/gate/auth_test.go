package gate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/activegraph/activegraph/internal/config"
	"github.com/activegraph/activegraph/internal/observability"
)

const testSecret = "unit-test-signing-secret"

func testAuth(t *testing.T, mutate func(*config.Config)) *Authenticator {
	t.Helper()
	cfg := config.Default()
	cfg.AuthEnabled = true
	cfg.AuthAlgorithm = "HS256"
	cfg.AuthKey = testSecret
	cfg.AuthIssuer = "https://issuer.test"
	cfg.AuthAudience = "activegraph"
	if mutate != nil {
		mutate(cfg)
	}
	metrics, err := observability.New(nil)
	require.NoError(t, err)
	a, err := NewAuthenticator(cfg, metrics, zerolog.Nop())
	require.NoError(t, err)
	return a
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"tenant_id": "acme",
		"sub":       "user-1",
		"iss":       "https://issuer.test",
		"aud":       "activegraph",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
}

func TestVerifyValidToken(t *testing.T) {
	a := testAuth(t, nil)
	claims := baseClaims()
	claims["scope"] = "nodes:read nodes:write"

	id, err := a.Verify(signToken(t, claims))
	require.NoError(t, err)
	assert.Equal(t, "acme", id.TenantID)
	assert.Equal(t, "user-1", id.Subject)
	assert.Equal(t, []string{"nodes:read", "nodes:write"}, id.Scopes)
}

func TestVerifyScopeList(t *testing.T) {
	a := testAuth(t, nil)
	claims := baseClaims()
	claims["scopes"] = []string{"search", "ask"}

	id, err := a.Verify(signToken(t, claims))
	require.NoError(t, err)
	assert.True(t, id.HasScope("ask"))
	assert.False(t, id.HasScope("admin"))
}

func TestVerifyRejectsExpired(t *testing.T) {
	a := testAuth(t, nil)
	claims := baseClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()

	_, err := a.Verify(signToken(t, claims))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyLeewayToleratesClockSkew(t *testing.T) {
	a := testAuth(t, nil)
	claims := baseClaims()
	claims["exp"] = time.Now().Add(-10 * time.Second).Unix() // inside 30s leeway

	_, err := a.Verify(signToken(t, claims))
	assert.NoError(t, err)
}

func TestVerifyRejectsWrongIssuerAndAudience(t *testing.T) {
	a := testAuth(t, nil)

	claims := baseClaims()
	claims["iss"] = "https://other.test"
	_, err := a.Verify(signToken(t, claims))
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims = baseClaims()
	claims["aud"] = "someone-else"
	_, err = a.Verify(signToken(t, claims))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsBadSignatureAndMissingTenant(t *testing.T) {
	a := testAuth(t, nil)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims())
	signed, err := token.SignedString([]byte("some-other-secret"))
	require.NoError(t, err)
	_, err = a.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims := baseClaims()
	delete(claims, "tenant_id")
	_, err = a.Verify(signToken(t, claims))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.Verify("")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestVerifyDisabledMapsToDevTenant(t *testing.T) {
	a := testAuth(t, func(c *config.Config) {
		c.AuthEnabled = false
		c.DevTenant = "local"
	})
	id, err := a.Verify("")
	require.NoError(t, err)
	assert.Equal(t, "local", id.TenantID)
	assert.True(t, id.Dev)
}

func TestVerifyDeliveryTokenRequiresWebhookScope(t *testing.T) {
	a := testAuth(t, nil)
	ctx := context.Background()

	claims := baseClaims()
	claims["scope"] = "webhook"
	tenant, err := a.VerifyDeliveryToken(ctx, signToken(t, claims))
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant)

	claims["scope"] = "nodes:read"
	_, err = a.VerifyDeliveryToken(ctx, signToken(t, claims))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func requireScopeStatus(t *testing.T, id *Identity) int {
	t.Helper()
	metrics, err := observability.New(nil)
	require.NoError(t, err)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	if id != nil {
		req = req.WithContext(WithIdentity(req.Context(), id))
	}
	RequireScope("admin", metrics)(next).ServeHTTP(rec, req)
	return rec.Code
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name string
		id   *Identity
		want int
	}{
		{"no identity", nil, http.StatusUnauthorized},
		{"scope present", &Identity{TenantID: "acme", Scopes: []string{"admin"}}, http.StatusOK},
		{"other scopes only", &Identity{TenantID: "acme", Scopes: []string{"nodes:read"}}, http.StatusForbidden},
		{"no scope claim at all", &Identity{TenantID: "acme"}, http.StatusForbidden},
		{"dev identity", &Identity{TenantID: "dev", Dev: true}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, requireScopeStatus(t, tt.id))
		})
	}
}
