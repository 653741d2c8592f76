package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/drplane/drplane/pkg/engine"
)

var (
	// ErrMissingToken is returned when a protected route is called without
	// a bearer token.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned when a token fails verification.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims are the token claims an identity is built from.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role"`
}

// TokenVerifier verifies HS256 bearer tokens issued by the account service.
type TokenVerifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewTokenVerifier creates a verifier. issuer and audience are checked when
// non-empty.
func NewTokenVerifier(secret, issuer, audience string) (*TokenVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &TokenVerifier{secret: []byte(secret), opts: opts}, nil
}

// Verify parses a token and returns the identity it carries.
func (v *TokenVerifier) Verify(tokenStr string) (*engine.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims.Identity()
}

// Identity converts the claims into an engine identity.
func (c *Claims) Identity() (*engine.Identity, error) {
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}
	role := engine.Role(strings.ToUpper(c.Role))
	switch role {
	case engine.RoleAdmin:
	case engine.RoleTenant:
		if c.TenantID == "" {
			return nil, fmt.Errorf("%w: tenant_id is required for role %s", ErrInvalidToken, role)
		}
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
	}
	return &engine.Identity{UserID: c.Subject, TenantID: c.TenantID, Role: role}, nil
}

// IdentityFromRequest reads the token from the Authorization header, or the
// token query parameter for browsers opening a WebSocket. It returns nil and
// no error when neither is present.
func (v *TokenVerifier) IdentityFromRequest(r *http.Request) (*engine.Identity, error) {
	tokenStr, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	if tokenStr == "" {
		return nil, nil
	}
	return v.Verify(tokenStr)
}

func bearerToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", fmt.Errorf("%w: expected 'Bearer <token>'", ErrInvalidToken)
		}
		return strings.TrimSpace(token), nil
	}
	return r.URL.Query().Get("token"), nil
}

type identityKey struct{}

// WithIdentity attaches the caller identity to ctx.
func WithIdentity(ctx context.Context, identity engine.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity set by the auth middleware.
func IdentityFromContext(ctx context.Context) (engine.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(engine.Identity)
	return identity, ok
}
