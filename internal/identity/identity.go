// Package identity verifies bearer credentials. Two credential kinds are
// accepted: short-lived signed tokens (JWT, verified against the issuer's key
// set) and long-lived opaque keys (looked up by fingerprint in a key store).
// Verification never mutates state.
package identity

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrUnauthenticated is returned for any credential that fails verification.
var ErrUnauthenticated = errors.New("unauthenticated")

// Kind is the credential kind an identity was established from.
type Kind string

const (
	KindToken Kind = "token"
	KindKey   Kind = "key"
)

// Identity is a verified caller. It lives for one request and is never stored.
type Identity struct {
	Subject   string     `json:"subject"`
	Tenant    string     `json:"tenant"`
	Roles     []string   `json:"roles"`
	Kind      Kind       `json:"kind"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// HasRole reports whether the identity holds role.
func (id *Identity) HasRole(role string) bool {
	return id != nil && slices.Contains(id.Roles, role)
}

// Verifier validates a bearer credential.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*Identity, error)
}

// Chain verifies credentials in a fixed order:
//
//  1. An empty credential is rejected.
//  2. A credential shaped like a compact JWS (three non-empty base64url
//     segments) is verified as a token. It is never retried as a key.
//  3. Anything else is verified as an opaque key.
//
// Every failure is reported as ErrUnauthenticated.
type Chain struct {
	Tokens Verifier // nil disables token verification
	Keys   Verifier // nil disables key verification
}

// Verify implements Verifier.
func (c *Chain) Verify(ctx context.Context, credential string) (*Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, fmt.Errorf("%w: no credential", ErrUnauthenticated)
	}
	v, kind := c.Keys, KindKey
	if looksLikeJWS(credential) {
		v, kind = c.Tokens, KindToken
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s credentials are not accepted", ErrUnauthenticated, kind)
	}
	id, err := v.Verify(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return id, nil
}

// looksLikeJWS reports whether s has the compact JWS shape.
func looksLikeJWS(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := base64.RawURLEncoding.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
