package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrUnknownKey is returned when no key in the set matches a token's kid.
var ErrUnknownKey = errors.New("unknown signing key")

// DefaultMinRefresh limits refetches triggered by unknown key ids.
const DefaultMinRefresh = time.Minute

const maxKeySetBytes = 1 << 20

// KeySet caches an issuer's JSON Web Key Set. The set is fetched from an
// http(s) URL or read from a local file. Lookups hit the cache; a miss
// triggers a refetch at most once per minRefresh.
type KeySet struct {
	source     string
	client     *http.Client
	minRefresh time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.RWMutex
	keys    map[string]any
	fetched time.Time

	refreshMu   sync.Mutex
	lastAttempt time.Time
	lastErr     error
}

// NewKeySet creates a key set for source. No fetch happens until first use or
// an explicit Refresh.
func NewKeySet(source string, minRefresh time.Duration, client *http.Client, logger *slog.Logger) *KeySet {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if minRefresh <= 0 {
		minRefresh = DefaultMinRefresh
	}
	return &KeySet{
		source:     source,
		client:     client,
		minRefresh: minRefresh,
		now:        time.Now,
		logger:     logger,
	}
}

// Refresh refetches the key set unconditionally. On failure the cached keys
// are kept.
func (k *KeySet) Refresh(ctx context.Context) error {
	k.refreshMu.Lock()
	defer k.refreshMu.Unlock()
	return k.refresh(ctx)
}

// refresh must be called with refreshMu held.
func (k *KeySet) refresh(ctx context.Context) error {
	k.lastAttempt = k.now()
	k.lastErr = k.load(ctx)
	return k.lastErr
}

func (k *KeySet) load(ctx context.Context) error {
	data, err := k.read(ctx)
	if err != nil {
		return fmt.Errorf("fetching key set: %w", err)
	}
	keys, err := ParseKeySet(data)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.keys = keys
	k.fetched = k.now()
	k.mu.Unlock()
	k.logger.Debug("key set refreshed", slog.String("source", k.source), slog.Int("keys", len(keys)))
	return nil
}

func (k *KeySet) read(ctx context.Context) ([]byte, error) {
	if !strings.HasPrefix(k.source, "http://") && !strings.HasPrefix(k.source, "https://") {
		return os.ReadFile(strings.TrimPrefix(k.source, "file://"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
}

// Key returns the verification key for kid. An empty kid matches the only
// key of a single-key set.
func (k *KeySet) Key(ctx context.Context, kid string) (any, error) {
	if key, ok := k.lookup(kid); ok {
		return key, nil
	}

	k.refreshMu.Lock()
	defer k.refreshMu.Unlock()
	// Another caller may have refreshed while we waited.
	if key, ok := k.lookup(kid); ok {
		return key, nil
	}
	// Failed attempts are throttled like successful ones, so an unreachable
	// issuer costs one fetch per interval rather than one per request.
	if !k.lastAttempt.IsZero() && k.now().Sub(k.lastAttempt) < k.minRefresh {
		if k.lastErr != nil && k.empty() {
			return nil, fmt.Errorf("key set unavailable: %w", k.lastErr)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
	}
	if err := k.refresh(ctx); err != nil {
		k.logger.WarnContext(ctx, "key set refresh failed", slog.String("source", k.source), slog.Any("error", err))
		return nil, err
	}
	if key, ok := k.lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
}

func (k *KeySet) lookup(kid string) (any, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if kid == "" && len(k.keys) == 1 {
		for _, key := range k.keys {
			return key, true
		}
	}
	key, ok := k.keys[kid]
	return key, ok
}

func (k *KeySet) empty() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys) == 0
}

// Fetched returns when the set was last loaded successfully.
func (k *KeySet) Fetched() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.fetched
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// ParseKeySet decodes a JWKS document into public keys by kid. Keys that are
// not signing keys or have an unsupported type are skipped.
func ParseKeySet(data []byte) (map[string]any, error) {
	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding key set: %w", err)
	}
	keys := make(map[string]any, len(doc.Keys))
	for _, j := range doc.Keys {
		if j.Use != "" && j.Use != "sig" {
			continue
		}
		key, err := j.publicKey()
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", j.Kid, err)
		}
		if key != nil {
			keys[j.Kid] = key
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("key set has no usable signing keys")
	}
	return keys, nil
}

func (j jwk) publicKey() (any, error) {
	switch j.Kty {
	case "RSA":
		n, err := decodeInt(j.N)
		if err != nil {
			return nil, fmt.Errorf("modulus: %w", err)
		}
		e, err := decodeInt(j.E)
		if err != nil {
			return nil, fmt.Errorf("exponent: %w", err)
		}
		if !e.IsInt64() || e.Int64() < 2 || e.Int64() > 1<<31-1 {
			return nil, errors.New("invalid exponent")
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		var curve elliptic.Curve
		switch j.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", j.Crv)
		}
		x, err := decodeInt(j.X)
		if err != nil {
			return nil, fmt.Errorf("x: %w", err)
		}
		y, err := decodeInt(j.Y)
		if err != nil {
			return nil, fmt.Errorf("y: %w", err)
		}
		if !curve.IsOnCurve(x, y) {
			return nil, errors.New("point is not on curve")
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	case "OKP":
		if j.Crv != "Ed25519" {
			return nil, fmt.Errorf("unsupported curve %q", j.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(j.X)
		if err != nil || len(x) != ed25519.PublicKeySize {
			return nil, errors.New("invalid Ed25519 key")
		}
		return ed25519.PublicKey(x), nil
	default:
		return nil, nil
	}
}

func decodeInt(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty value")
	}
	return new(big.Int).SetBytes(b), nil
}
