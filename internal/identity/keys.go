package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// KeyPrefix marks opaque keys issued by ngome.
const KeyPrefix = "ngk_"

// NeverExpires is the expiry stored for keys without an expiry.
var NeverExpires = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyRevoked  = errors.New("key revoked")
	ErrKeyExpired  = errors.New("key expired")
)

// Key is an issued opaque key. Only its fingerprint is stored.
type Key struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Fingerprint string     `json:"-"`
	Subject     string     `json:"subject"`
	Tenant      string     `json:"tenant"`
	Roles       []string   `json:"roles"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Revoked     bool       `json:"revoked"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Expired reports whether the key has expired at now.
func (k *Key) Expired(now time.Time) bool {
	return !k.ExpiresAt.Equal(NeverExpires) && !now.Before(k.ExpiresAt)
}

// KeyStore looks up keys by fingerprint. FindByFingerprint returns
// ErrKeyNotFound for unknown fingerprints.
type KeyStore interface {
	FindByFingerprint(ctx context.Context, fingerprint string) (*Key, error)
}

// KeyAdmin manages issued keys.
type KeyAdmin interface {
	KeyStore
	Create(ctx context.Context, key *Key) error
	List(ctx context.Context) ([]Key, error)
	Revoke(ctx context.Context, id string, at time.Time) error
}

// Fingerprint returns the hex blake3 digest of a key secret.
func Fingerprint(secret string) string {
	sum := blake3.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// KeySpec describes a key to issue.
type KeySpec struct {
	Name    string
	Subject string
	Tenant  string
	Roles   []string
	// TTL of zero issues a key that never expires.
	TTL time.Duration
}

// Issue creates a key, stores its fingerprint and returns the secret. The
// secret cannot be recovered afterwards.
func Issue(ctx context.Context, store KeyAdmin, spec KeySpec, now time.Time) (string, *Key, error) {
	if spec.Subject == "" {
		return "", nil, errors.New("key subject is required")
	}
	if spec.TTL < 0 {
		return "", nil, errors.New("key ttl must not be negative")
	}
	secret := KeyPrefix + rand.Text()
	expires := NeverExpires
	if spec.TTL > 0 {
		expires = now.Add(spec.TTL).UTC()
	}
	tenant := spec.Tenant
	if tenant == "" {
		tenant = spec.Subject
	}
	key := &Key{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Fingerprint: Fingerprint(secret),
		Subject:     spec.Subject,
		Tenant:      tenant,
		Roles:       spec.Roles,
		ExpiresAt:   expires,
		CreatedAt:   now.UTC(),
	}
	if err := store.Create(ctx, key); err != nil {
		return "", nil, fmt.Errorf("storing key: %w", err)
	}
	return secret, key, nil
}

// KeyVerifier verifies opaque keys against a KeyStore.
type KeyVerifier struct {
	store  KeyStore
	now    func() time.Time
	logger *slog.Logger
}

// NewKeyVerifier creates a KeyVerifier.
func NewKeyVerifier(store KeyStore, logger *slog.Logger) *KeyVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyVerifier{store: store, now: time.Now, logger: logger}
}

// Verify implements Verifier.
func (v *KeyVerifier) Verify(ctx context.Context, credential string) (*Identity, error) {
	if !strings.HasPrefix(credential, KeyPrefix) {
		return nil, fmt.Errorf("%w: unrecognized credential format", ErrUnauthenticated)
	}
	key, err := v.store.FindByFingerprint(ctx, Fingerprint(credential))
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			v.logger.ErrorContext(ctx, "key lookup failed", slog.Any("error", err))
		}
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if key.Revoked {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrKeyRevoked)
	}
	if key.Expired(v.now()) {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrKeyExpired)
	}
	id := &Identity{
		Subject: key.Subject,
		Tenant:  key.Tenant,
		Roles:   append([]string(nil), key.Roles...),
		Kind:    KindKey,
	}
	if id.Tenant == "" {
		id.Tenant = id.Subject
	}
	if !key.ExpiresAt.Equal(NeverExpires) {
		exp := key.ExpiresAt
		id.ExpiresAt = &exp
	}
	return id, nil
}
