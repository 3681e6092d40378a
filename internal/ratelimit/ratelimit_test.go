package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiterBurstAndRefill(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	key := Key("acme", "alice")
	for i := range 3 {
		if err := l.Allow(key); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow(key); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("fourth request = %v, want ErrRateLimited", err)
	}
	if err := l.Allow(Key("acme", "bob")); err != nil {
		t.Errorf("other caller limited: %v", err)
	}

	now = now.Add(time.Second)
	if err := l.Allow(key); err != nil {
		t.Errorf("after refill: %v", err)
	}
	if err := l.Allow(key); !errors.Is(err, ErrRateLimited) {
		t.Errorf("refill exceeded rate: %v", err)
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 1000 {
		if err := l.Allow("x"); err != nil {
			t.Fatalf("unlimited limiter: %v", err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("x"); err != nil {
		t.Errorf("nil limiter: %v", err)
	}
}

func TestLimiterPrune(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 10})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_ = l.Allow("old")
	now = now.Add(10 * time.Minute)
	_ = l.Allow("fresh")

	if n := l.Prune(5 * time.Minute); n != 1 {
		t.Errorf("Prune = %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d", l.Len())
	}
}

func TestKeySeparatesCallers(t *testing.T) {
	if Key("a/b", "c") == Key("a", "b/c") {
		t.Fatal("tenant a/b subject c shares a key with tenant a subject b/c")
	}

	l := NewLimiter(Config{RequestsPerMinute: 1, BurstSize: 1})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	if err := l.Allow(Key("a/b", "c")); err != nil {
		t.Fatalf("first caller: %v", err)
	}
	if err := l.Allow(Key("a", "b/c")); err != nil {
		t.Errorf("second caller limited by the first caller's bucket: %v", err)
	}
}
