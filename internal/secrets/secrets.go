// Package secrets resolves credential references such as "env://NAME" or
// "file:///run/secrets/token" into secret material. Config files carry
// references only; values are resolved at startup.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Secret holds resolved credential material. It must never be logged or
// written to the audit trail.
type Secret struct {
	Value    string            // The raw secret value.
	Metadata map[string]string // Provider-specific metadata (source, path).
}

func (s *Secret) String() string { return "[redacted]" }

// Provider resolves opaque credential references into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve returns the secret behind ref. Returns an error wrapping
	// ErrSecretNotFound if the reference cannot be resolved.
	Resolve(ctx context.Context, ref string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// Scheme returns the scheme of ref ("env" for "env://X"), or "" when ref
// has none.
func Scheme(ref string) string {
	scheme, _, ok := strings.Cut(ref, "://")
	if !ok {
		return ""
	}
	return scheme
}

// ResolveValue resolves ref through p and returns the raw value. An empty
// ref resolves to "" without consulting p.
func ResolveValue(ctx context.Context, p Provider, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	s, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving %s secret: %w", Scheme(ref), err)
	}
	return s.Value, nil
}
