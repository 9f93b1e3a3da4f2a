package usage

import (
	"testing"
	"time"
)

func TestParseClaudeUsage(t *testing.T) {
	body := []byte(`{"utilization_percent": 42.5, "resets_at": "2026-08-01T12:00:00Z"}`)
	w, ok := parseClaudeUsage(body)
	if !ok {
		t.Fatal("expected successful parse")
	}
	if w.UtilizationPercent != 42.5 {
		t.Fatalf("got utilization %v, want 42.5", w.UtilizationPercent)
	}
	want, _ := time.Parse(time.RFC3339, "2026-08-01T12:00:00Z")
	if !w.ResetsAt.Equal(want) {
		t.Fatalf("got resetsAt %v, want %v", w.ResetsAt, want)
	}
}

func TestParseClaudeUsageInvalid(t *testing.T) {
	if _, ok := parseClaudeUsage([]byte(`not json`)); ok {
		t.Fatal("expected parse failure for malformed body")
	}
	if _, ok := parseClaudeUsage([]byte(`{"utilization_percent": 1, "resets_at": "bad-date"}`)); ok {
		t.Fatal("expected parse failure for malformed resets_at")
	}
}

func TestParseGenericUsage(t *testing.T) {
	body := []byte(`{"utilization_percent": 10, "resets_at": "2026-08-02T00:00:00Z"}`)
	w, ok := parseGenericUsage(body)
	if !ok {
		t.Fatal("expected successful parse")
	}
	if w.UtilizationPercent != 10 {
		t.Fatalf("got utilization %v, want 10", w.UtilizationPercent)
	}
}

func TestTokenHashStableAndDistinct(t *testing.T) {
	a := tokenHash("token-a")
	b := tokenHash("token-b")
	if a == b {
		t.Fatal("expected distinct hashes for distinct tokens")
	}
	if a != tokenHash("token-a") {
		t.Fatal("expected stable hash for the same token")
	}
	if len(a) != 16 {
		t.Fatalf("expected 8-byte hex digest (16 chars), got %d", len(a))
	}
}

func TestClientCacheRoundTrip(t *testing.T) {
	c := NewClient()
	key := tokenHash("some-token")

	if _, ok := c.cached(key); ok {
		t.Fatal("expected cache miss before any store")
	}

	want := Window{UtilizationPercent: 55, ResetsAt: time.Now()}
	c.store(key, want)

	got, ok := c.cached(key)
	if !ok {
		t.Fatal("expected cache hit after store")
	}
	if got.UtilizationPercent != want.UtilizationPercent {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestClientCacheExpires(t *testing.T) {
	c := NewClient()
	c.ttl = time.Millisecond
	key := tokenHash("expiring-token")
	c.store(key, Window{UtilizationPercent: 1})

	time.Sleep(5 * time.Millisecond)

	if _, ok := c.cached(key); ok {
		t.Fatal("expected cache entry to expire after ttl")
	}
}

func TestFetchWithUnknownProviderYieldsNoResult(t *testing.T) {
	c := NewClient()
	results := c.Fetch(Provider("unknown"))
	if len(results) != 0 {
		t.Fatalf("expected no results for an unknown provider, got %v", results)
	}
}
