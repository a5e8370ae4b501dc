package gateway

import (
	"errors"
	"testing"
	"time"
)

func TestTTLCache_FreshHitSkipsFetch(t *testing.T) {
	c := newTTLCache[int](10*time.Second, 5)
	calls := 0
	fetch := func() (int, error) {
		calls++
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.getOrFetch("k", fetch)
		if err != nil {
			t.Fatalf("getOrFetch: %v", err)
		}
		if v != 42 {
			t.Errorf("value = %d, want 42", v)
		}
	}
	if calls != 1 {
		t.Errorf("fetch called %d times within TTL, want 1", calls)
	}
}

func TestTTLCache_ExpiryRefetches(t *testing.T) {
	c := newTTLCache[int](10*time.Second, 5)
	now := time.Now()
	c.now = func() time.Time { return now }

	calls := 0
	fetch := func() (int, error) {
		calls++
		return calls, nil
	}

	if v, _ := c.getOrFetch("k", fetch); v != 1 {
		t.Fatalf("first fetch should return 1, got %d", v)
	}
	now = now.Add(11 * time.Second)
	if v, _ := c.getOrFetch("k", fetch); v != 2 {
		t.Errorf("post-TTL fetch should return 2, got %d", v)
	}
	if calls != 2 {
		t.Errorf("fetch calls = %d, want 2", calls)
	}
}

func TestTTLCache_StaleServedWithinBound(t *testing.T) {
	c := newTTLCache[int](10*time.Second, 5)
	now := time.Now()
	c.now = func() time.Time { return now }

	if _, err := c.getOrFetch("k", func() (int, error) { return 7, nil }); err != nil {
		t.Fatalf("seed fetch: %v", err)
	}

	failing := func() (int, error) { return 0, errors.New("connection refused") }

	// Past TTL but inside 5x: stale value degrades gracefully
	now = now.Add(30 * time.Second)
	v, err := c.getOrFetch("k", failing)
	if err != nil {
		t.Fatalf("stale within bound should be served, got %v", err)
	}
	if v != 7 {
		t.Errorf("stale value = %d, want 7", v)
	}

	// Past 5x TTL: unusable
	now = now.Add(25 * time.Second)
	if _, err := c.getOrFetch("k", failing); !errors.Is(err, ErrUnavailable) {
		t.Errorf("beyond staleness bound want ErrUnavailable, got %v", err)
	}
	if c.len() != 0 {
		t.Errorf("entry past the bound should be evicted, len = %d", c.len())
	}
}

func TestTTLCache_SweepEvictsOnlyExpired(t *testing.T) {
	c := newTTLCache[int](10*time.Second, 5)
	now := time.Now()
	c.now = func() time.Time { return now }

	_, _ = c.getOrFetch("old", func() (int, error) { return 1, nil })
	now = now.Add(49 * time.Second)
	_, _ = c.getOrFetch("new", func() (int, error) { return 2, nil })

	now = now.Add(2 * time.Second) // "old" is now 51s, past the 50s bound
	if evicted := c.sweep(); evicted != 1 {
		t.Errorf("sweep evicted %d, want 1", evicted)
	}
	if _, _, ok := c.peek("new"); !ok {
		t.Error("entry inside the bound must survive the sweep")
	}
}
