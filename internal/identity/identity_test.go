package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memKeys struct {
	mu   sync.Mutex
	keys map[string]*Key
}

func newMemKeys() *memKeys { return &memKeys{keys: make(map[string]*Key)} }

func (m *memKeys) FindByFingerprint(_ context.Context, fp string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.Fingerprint == fp {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (m *memKeys) Create(_ context.Context, k *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[k.ID] = k
	return nil
}

func (m *memKeys) List(context.Context) ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Key, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, *k)
	}
	return out, nil
}

func (m *memKeys) Revoke(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.Revoked = true
	k.RevokedAt = &at
	return nil
}

type recordingVerifier struct {
	kind Kind
	seen []string
}

func (r *recordingVerifier) Verify(_ context.Context, c string) (*Identity, error) {
	r.seen = append(r.seen, c)
	return &Identity{Subject: "s", Kind: r.kind}, nil
}

func TestChainOrder(t *testing.T) {
	tokens := &recordingVerifier{kind: KindToken}
	keys := &recordingVerifier{kind: KindKey}
	chain := &Chain{Tokens: tokens, Keys: keys}
	ctx := context.Background()

	if _, err := chain.Verify(ctx, "  "); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("empty credential: %v", err)
	}
	id, err := chain.Verify(ctx, "eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiJhIn0.c2ln")
	if err != nil || id.Kind != KindToken {
		t.Errorf("jws: %+v, %v", id, err)
	}
	id, err = chain.Verify(ctx, "ngk_ABCDEF")
	if err != nil || id.Kind != KindKey {
		t.Errorf("key: %+v, %v", id, err)
	}
	if len(tokens.seen) != 1 || len(keys.seen) != 1 {
		t.Errorf("tokens saw %v, keys saw %v", tokens.seen, keys.seen)
	}

	noTokens := &Chain{Keys: keys}
	if _, err := noTokens.Verify(ctx, "aaa.bbb.ccc"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("token without token verifier: %v", err)
	}
}

func TestChainWrapsFailures(t *testing.T) {
	chain := &Chain{Keys: NewKeyVerifier(newMemKeys(), nil)}
	_, err := chain.Verify(context.Background(), "ngk_UNKNOWN")
	if !errors.Is(err, ErrUnauthenticated) || !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestLooksLikeJWS(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"aaa.bbb.ccc", true},
		{"aaa.bbb", false},
		{"aaa..ccc", false},
		{"a+a.bbb.ccc", false},
		{"ngk_ABC", false},
		{"a.b.c.d", false},
	}
	for _, tc := range tests {
		if got := looksLikeJWS(tc.in); got != tc.want {
			t.Errorf("looksLikeJWS(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"abc":          "",
		"":             "",
	}
	for in, want := range tests {
		if got := BearerToken(in); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKeyVerifier(t *testing.T) {
	store := newMemKeys()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	forever, fk, err := Issue(ctx, store, KeySpec{Name: "ci", Subject: "ci-bot", Roles: []string{"analyst"}}, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if fk.Fingerprint == forever || len(fk.Fingerprint) != 64 {
		t.Errorf("fingerprint = %q", fk.Fingerprint)
	}
	short, _, err := Issue(ctx, store, KeySpec{Subject: "temp", Tenant: "acme", TTL: time.Hour}, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	revoked, rk, err := Issue(ctx, store, KeySpec{Subject: "gone"}, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := store.Revoke(ctx, rk.ID, now); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	v := NewKeyVerifier(store, nil)
	v.now = func() time.Time { return now.Add(2 * time.Hour) }

	id, err := v.Verify(ctx, forever)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Subject != "ci-bot" || id.Tenant != "ci-bot" || !id.HasRole("analyst") || id.ExpiresAt != nil || id.Kind != KindKey {
		t.Errorf("identity = %+v", id)
	}

	tests := []struct {
		name string
		cred string
		want error
	}{
		{"expired", short, ErrKeyExpired},
		{"revoked", revoked, ErrKeyRevoked},
		{"unknown", "ngk_NOPE", ErrKeyNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(ctx, tc.cred)
			if !errors.Is(err, ErrUnauthenticated) || !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}

	v.now = func() time.Time { return now.Add(time.Minute) }
	id, err = v.Verify(ctx, short)
	if err != nil || id.Tenant != "acme" || id.ExpiresAt == nil {
		t.Errorf("short-lived key: %+v, %v", id, err)
	}
}
