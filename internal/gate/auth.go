// Package gate is the request admission layer: JWT verification,
// tenant resolution, per-endpoint rate limits and concurrency caps.
package gate

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"

	"github.com/activegraph/activegraph/internal/config"
	"github.com/activegraph/activegraph/internal/observability"
)

// Identity is the verified caller attached to the request context.
// The tenant comes from token claims only; a tenant named anywhere in
// the request body or query is never trusted.
type Identity struct {
	TenantID string
	Subject  string
	Scopes   []string

	// Dev marks the synthesized auth-disabled identity. Only a dev
	// identity bypasses scope checks; a real token without the scope
	// claim is denied.
	Dev bool
}

// HasScope reports whether the identity carries a scope.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type contextKey int

const identityKey contextKey = iota

// IdentityFrom returns the verified identity on the context.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// WithIdentity attaches an identity to a context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Auth errors.
var (
	ErrNoToken      = errors.New("gate: missing bearer token")
	ErrInvalidToken = errors.New("gate: invalid token")
)

// authClaims carries the custom claims. Scopes arrive either as a
// space-joined "scope" string or a "scopes" list depending on the
// issuer; both are accepted.
type authClaims struct {
	TenantID  string   `json:"tenant_id"`
	Scope     string   `json:"scope,omitempty"`
	ScopeList []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Valid is a no-op: time and audience checks run explicitly in the
// verifier so the configured leeway applies uniformly.
func (c *authClaims) Valid() error { return nil }

func (c *authClaims) scopes() []string {
	if len(c.ScopeList) > 0 {
		return c.ScopeList
	}
	if c.Scope == "" {
		return nil
	}
	return strings.Fields(c.Scope)
}

// Authenticator verifies bearer tokens. With auth disabled every
// request maps to the configured dev tenant.
type Authenticator struct {
	cfg     *config.Config
	key     interface{}
	methods []string
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewAuthenticator builds the verifier from config. RS256 expects a
// PEM public key, HS256 a shared secret.
func NewAuthenticator(cfg *config.Config, metrics *observability.Metrics, logger zerolog.Logger) (*Authenticator, error) {
	a := &Authenticator{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "gate").Logger(),
	}
	if !cfg.AuthEnabled {
		return a, nil
	}

	switch cfg.AuthAlgorithm {
	case "HS256":
		a.key = []byte(cfg.AuthKey)
		a.methods = []string{"HS256"}
	case "RS256":
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.AuthKey))
		if err != nil {
			return nil, fmt.Errorf("gate: parse RS256 public key: %w", err)
		}
		a.key = pub
		a.methods = []string{"RS256"}
	default:
		return nil, fmt.Errorf("gate: unsupported auth algorithm %q", cfg.AuthAlgorithm)
	}
	return a, nil
}

func (a *Authenticator) keyFunc(token *jwt.Token) (interface{}, error) {
	switch a.key.(type) {
	case []byte, *rsa.PublicKey:
		return a.key, nil
	}
	return nil, errors.New("gate: no verification key")
}

// Verify checks a raw token and returns the caller identity.
func (a *Authenticator) Verify(tokenString string) (*Identity, error) {
	if !a.cfg.AuthEnabled {
		return &Identity{TenantID: a.cfg.DevTenant, Subject: "dev", Dev: true}, nil
	}
	if tokenString == "" {
		return nil, ErrNoToken
	}

	claims := &authClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, a.keyFunc,
		jwt.WithValidMethods(a.methods))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	now := time.Now()
	leeway := a.cfg.AuthLeeway
	if !claims.VerifyExpiresAt(now.Add(-leeway), true) {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	if !claims.VerifyNotBefore(now.Add(leeway), false) {
		return nil, fmt.Errorf("%w: token not yet valid", ErrInvalidToken)
	}
	if a.cfg.AuthIssuer != "" && !claims.VerifyIssuer(a.cfg.AuthIssuer, true) {
		return nil, fmt.Errorf("%w: wrong issuer", ErrInvalidToken)
	}
	if a.cfg.AuthAudience != "" && !claims.VerifyAudience(a.cfg.AuthAudience, true) {
		return nil, fmt.Errorf("%w: wrong audience", ErrInvalidToken)
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("%w: no tenant claim", ErrInvalidToken)
	}

	return &Identity{
		TenantID: claims.TenantID,
		Subject:  claims.Subject,
		Scopes:   claims.scopes(),
	}, nil
}

// VerifyDeliveryToken implements the webhook token check: a valid
// token carrying the webhook scope yields the tenant it was issued to.
func (a *Authenticator) VerifyDeliveryToken(ctx context.Context, token string) (string, error) {
	id, err := a.Verify(token)
	if err != nil {
		return "", err
	}
	if a.cfg.AuthEnabled && !id.HasScope("webhook") {
		return "", fmt.Errorf("%w: missing webhook scope", ErrInvalidToken)
	}
	return id.TenantID, nil
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Middleware authenticates the request and stores the identity.
// Failures are counted as access violations.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Verify(bearerToken(r))
		if err != nil {
			a.metrics.AccessViolation(r.Context(), "missing_token")
			status := http.StatusUnauthorized
			w.Header().Set("WWW-Authenticate", `Bearer realm="activegraph"`)
			http.Error(w, err.Error(), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireScope rejects identities missing the scope with 403. Only
// the synthesized dev identity is exempt; a verified token must carry
// the scope explicitly.
func RequireScope(scope string, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				http.Error(w, "unauthenticated", http.StatusUnauthorized)
				return
			}
			if !id.Dev && !id.HasScope(scope) {
				metrics.AccessViolation(r.Context(), "scope_denied")
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
