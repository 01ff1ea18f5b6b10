package ratelimit

import (
	"testing"
	"time"
)

func TestKeyedLimiter_Burst(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewKeyedLimiter(1, 3, time.Minute)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !limiter.Allow("user:1") {
			t.Fatalf("request %d must be allowed within burst", i+1)
		}
	}
	if limiter.Allow("user:1") {
		t.Error("request over burst must be rejected")
	}

	// Другой ключ не затронут
	if !limiter.Allow("user:2") {
		t.Error("other key must have its own bucket")
	}

	// Через секунду появляется один токен
	now = now.Add(time.Second)
	if !limiter.Allow("user:1") {
		t.Error("token must be refilled after 1s")
	}
	if limiter.Allow("user:1") {
		t.Error("only one token must be refilled after 1s")
	}
}

func TestKeyedLimiter_Unlimited(t *testing.T) {
	limiter := NewKeyedLimiter(0, 0, time.Minute)
	for i := 0; i < 100; i++ {
		if !limiter.Allow("k") {
			t.Fatal("rps <= 0 must disable limiting")
		}
	}
}

func TestKeyedLimiter_Cleanup(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewKeyedLimiter(1, 1, time.Minute)
	limiter.now = func() time.Time { return now }
	limiter.lastCleanup = now

	limiter.Allow("a")
	limiter.Allow("b")
	if limiter.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", limiter.Len())
	}

	now = now.Add(2 * time.Minute)
	limiter.Allow("c")
	if limiter.Len() != 1 {
		t.Errorf("idle keys must be removed, Len() = %d", limiter.Len())
	}
}
