package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenConfig configures token verification.
type TokenConfig struct {
	Audience string
	// Issuer is checked when set.
	Issuer      string
	RolesClaim  string // default "roles"
	TenantClaim string // default "tenant"
	// HMACSecret enables HS256 tokens. Asymmetric algorithms always require
	// the key set.
	HMACSecret []byte
	Leeway     time.Duration
}

var asymmetricMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"}

// TokenVerifier verifies signed JWTs.
type TokenVerifier struct {
	cfg    TokenConfig
	keys   *KeySet
	parser *jwt.Parser
}

// NewTokenVerifier creates a verifier. keys may be nil when only HS256 tokens
// are accepted.
func NewTokenVerifier(cfg TokenConfig, keys *KeySet) (*TokenVerifier, error) {
	if cfg.Audience == "" {
		return nil, errors.New("token audience is required")
	}
	if keys == nil && len(cfg.HMACSecret) == 0 {
		return nil, errors.New("token verification needs a key set or an HMAC secret")
	}
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = "roles"
	}
	if cfg.TenantClaim == "" {
		cfg.TenantClaim = "tenant"
	}
	var methods []string
	if keys != nil {
		methods = append(methods, asymmetricMethods...)
	}
	if len(cfg.HMACSecret) > 0 {
		methods = append(methods, "HS256")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &TokenVerifier{cfg: cfg, keys: keys, parser: jwt.NewParser(opts...)}, nil
}

// Verify implements Verifier.
func (v *TokenVerifier) Verify(ctx context.Context, credential string) (*Identity, error) {
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() == "HS256" {
			return v.cfg.HMACSecret, nil
		}
		if v.keys == nil {
			return nil, ErrUnknownKey
		}
		kid, _ := t.Header["kid"].(string)
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	roles, err := stringList(claims[v.cfg.RolesClaim])
	if err != nil {
		return nil, fmt.Errorf("%w: claim %s: %w", ErrUnauthenticated, v.cfg.RolesClaim, err)
	}
	tenant, _ := claims[v.cfg.TenantClaim].(string)
	if tenant == "" {
		tenant = sub
	}
	id := &Identity{Subject: sub, Tenant: tenant, Roles: roles, Kind: KindToken}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		id.ExpiresAt = &t
	}
	return id, nil
}

// stringList reads a roles claim given as an array of strings or a
// space-separated string. A missing claim yields no roles.
func stringList(v any) ([]string, error) {
	switch c := v.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.Fields(c), nil
	case []any:
		out := make([]string, 0, len(c))
		for _, e := range c {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected array or string, got %T", v)
	}
}
