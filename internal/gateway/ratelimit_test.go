package gateway

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenBucket_BurstThenDeny(t *testing.T) {
	tb := NewTokenBucket(60, 3)
	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if tb.Allow() {
		t.Fatal("request beyond burst allowed")
	}
	tb.mu.Lock()
	tb.lastRefill = tb.lastRefill.Add(-2 * time.Second)
	tb.mu.Unlock()
	if !tb.Allow() {
		t.Fatal("refill did not restore a token")
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl := NewRateLimitMiddleware(0, 0)
	if rl.rpm != 60 || rl.burst != 10 {
		t.Fatalf("defaults = %d/%d", rl.rpm, rl.burst)
	}
	rl.bucket("a").Allow()
	old := rl.bucket("b")
	old.mu.Lock()
	old.lastAccess = time.Now().Add(-time.Hour)
	old.mu.Unlock()

	rl.EvictStale(time.Minute)
	if n := rl.BucketCount(); n != 1 {
		t.Fatalf("buckets = %d, want 1", n)
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/awaiting", nil)
	r.RemoteAddr = "10.0.0.7:5123"
	if got := clientKey(r); got != "10.0.0.7" {
		t.Fatalf("key = %q", got)
	}
	r.Header.Set("Authorization", "Bearer tok")
	if got := clientKey(r); got != "token:tok" {
		t.Fatalf("key = %q", got)
	}
}
