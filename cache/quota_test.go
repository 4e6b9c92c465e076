package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestCheckQuotaEphemeral(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if got := c.CheckQuota(ctx, "s1", ""); got != QuotaNotFound {
		t.Fatalf("expected QuotaNotFound before any quota is set, got %v", got)
	}

	if err := c.SetQuota(ctx, "s1", Quota{Remaining: 2, Limit: 2}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	for i := 0; i < 2; i++ {
		if got := c.CheckQuota(ctx, "s1", ""); got != QuotaAllowed {
			t.Fatalf("request %d: expected QuotaAllowed, got %v", i, got)
		}
	}
	if got := c.CheckQuota(ctx, "s1", ""); got != QuotaExceeded {
		t.Fatalf("expected QuotaExceeded once the budget is spent, got %v", got)
	}
}

func TestCheckQuotaUnlimited(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.SetQuota(ctx, "s1", Quota{Remaining: 0, IsUnlimited: true}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	for i := 0; i < 10; i++ {
		if got := c.CheckQuota(ctx, "s1", ""); got != QuotaAllowed {
			t.Fatalf("request %d: expected QuotaAllowed for unlimited quota, got %v", i, got)
		}
	}
}

func TestCheckQuotaSharedUserPool(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.SetQuota(ctx, "s1", Quota{Remaining: 2, Limit: 2, UserID: "u1"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := c.SetQuota(ctx, "s2", Quota{Remaining: 2, Limit: 2, UserID: "u1"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	// Two slugs of the same user draw from one pool.
	if got := c.CheckQuota(ctx, "s1", "u1"); got != QuotaAllowed {
		t.Fatalf("expected QuotaAllowed, got %v", got)
	}
	if got := c.CheckQuota(ctx, "s2", "u1"); got != QuotaAllowed {
		t.Fatalf("expected QuotaAllowed, got %v", got)
	}
	if got := c.CheckQuota(ctx, "s1", "u1"); got != QuotaExceeded {
		t.Fatalf("expected QuotaExceeded, got %v", got)
	}
}

func TestCheckQuotaConcurrent(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	const budget = 10
	if err := c.SetQuota(ctx, "s1", Quota{Remaining: budget, Limit: budget, UserID: "u1"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 3*budget; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.CheckQuota(ctx, "s1", "u1") == QuotaAllowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != budget {
		t.Fatalf("expected exactly %d allowed requests, got %d", budget, allowed)
	}
}

func TestSetQuotaNeverOverwritesUserCounter(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	if err := c.SetQuota(ctx, "s1", Quota{Remaining: 5, Limit: 5, UserID: "u1"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if got := c.CheckQuota(ctx, "s1", "u1"); got != QuotaAllowed {
		t.Fatalf("expected QuotaAllowed, got %v", got)
	}

	// A concurrent warm must not resurrect the spent budget.
	if err := c.SetQuota(ctx, "s1", Quota{Remaining: 5, Limit: 5, UserID: "u1"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if got := s.HGet("quota:user:u1", "remaining"); got != "4" {
		t.Fatalf("expected remaining to stay at 4, got %q", got)
	}
}

func TestSetQuotaRefreshesSlugPointer(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	if err := c.SetQuota(ctx, "s1", Quota{Remaining: 5, Limit: 5, UserID: "u1"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	s.FastForward(testQuotaTTL - 5*time.Second)

	if err := c.SetQuota(ctx, "s1", Quota{Remaining: 5, Limit: 5, UserID: "u1"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if got := s.TTL("quota:s1"); got != testQuotaTTL {
		t.Fatalf("expected pointer ttl to be refreshed to %s, got %s", testQuotaTTL, got)
	}
	if got := s.HGet("quota:s1", "userId"); got != "u1" {
		t.Fatalf("expected slug pointer to name the user, got %q", got)
	}
}

func TestQuotaTTLFollowsUserPointer(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	if _, ok := c.QuotaTTL(ctx, "s1"); ok {
		t.Fatalf("expected no ttl before any quota is set")
	}

	if err := c.SetQuota(ctx, "s1", Quota{Remaining: 5, Limit: 5, UserID: "u1"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	s.FastForward(10 * time.Second)

	ttl, ok := c.QuotaTTL(ctx, "s1")
	if !ok || ttl != testQuotaTTL-10*time.Second {
		t.Fatalf("expected the user entry's remaining ttl, got %s (ok=%v)", ttl, ok)
	}
}

func TestQuotaTTLEphemeral(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.SetQuota(ctx, "s1", Quota{Remaining: 1, Limit: 1}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	ttl, ok := c.QuotaTTL(ctx, "s1")
	if !ok || ttl != testQuotaTTL {
		t.Fatalf("expected ttl %s, got %s (ok=%v)", testQuotaTTL, ttl, ok)
	}
}
