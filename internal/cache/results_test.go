package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestResultCache_TTLExpiry(t *testing.T) {
	c := NewResultCache(ResultCacheOptions{TTL: 30 * time.Minute, MaxSize: 10})
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	now := base
	c.SetNow(func() time.Time { return now })

	c.Set("k", "v")
	if got, ok := c.Get("k"); !ok || got != "v" {
		t.Fatalf("Get() = %v, %v", got, ok)
	}

	now = base.Add(31 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Error("entry should have expired")
	}
	if c.Size() != 0 {
		t.Errorf("expired entry not removed, size = %d", c.Size())
	}
}

func TestResultCache_OverflowEvictsOldestFifth(t *testing.T) {
	c := NewResultCache(ResultCacheOptions{TTL: time.Hour, MaxSize: 10})
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	now := base
	c.SetNow(func() time.Time { return now })

	for i := 0; i < 11; i++ {
		now = base.Add(time.Duration(i) * time.Second)
		c.Set(fmt.Sprintf("k%d", i), i)
	}

	// 11 entries > 10: evict 11/5 = 2 oldest.
	if c.Size() != 9 {
		t.Fatalf("size = %d, want 9", c.Size())
	}
	for _, gone := range []string{"k0", "k1"} {
		if _, ok := c.Get(gone); ok {
			t.Errorf("%s should have been evicted", gone)
		}
	}
	if _, ok := c.Get("k10"); !ok {
		t.Error("newest entry missing")
	}
}

func TestFingerprint_Normalization(t *testing.T) {
	tests := []struct {
		name           string
		urlA, ctxA     string
		urlB, ctxB     string
		category       string
		wantEqual      bool
	}{
		{
			name: "case insensitive url with trailing slash",
			urlA: "https://Example.com/Pricing/", ctxA: "b2b saas",
			urlB: "https://example.com/pricing", ctxB: "b2b saas",
			category: "vision", wantEqual: true,
		},
		{
			name: "context trimmed and lowercased",
			urlA: "https://example.com", ctxA: "  Competitive Landscape  ",
			urlB: "https://example.com", ctxB: "competitive landscape",
			category: "vision", wantEqual: true,
		},
		{
			name: "different category differs",
			urlA: "https://example.com", ctxA: "x",
			urlB: "https://example.com", ctxB: "x",
			category: "", wantEqual: true,
		},
		{
			name: "different urls differ",
			urlA: "https://example.com/a", ctxA: "x",
			urlB: "https://example.com/b", ctxB: "x",
			category: "vision", wantEqual: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Fingerprint(tt.urlA, tt.ctxA, tt.category)
			b := Fingerprint(tt.urlB, tt.ctxB, tt.category)
			if (a == b) != tt.wantEqual {
				t.Errorf("Fingerprint equality = %v, want %v (%q vs %q)", a == b, tt.wantEqual, a, b)
			}
		})
	}
}

func TestFingerprint_CategorySeparation(t *testing.T) {
	if Fingerprint("https://e.com", "c", "vision") == Fingerprint("https://e.com", "c", "market") {
		t.Error("different categories must not collide")
	}
}
