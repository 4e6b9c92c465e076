package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBreaker(t *testing.T) (*Breaker, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{s.Addr()},
	})
	t.Cleanup(func() { client.Close() })
	return New(client), s
}

func TestBreakerClosedByDefault(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	if got := b.CurrentState(ctx); got != Closed {
		t.Fatalf("expected Closed, got %s", got)
	}
	for i := 0; i < 10; i++ {
		if !b.Allow(ctx) {
			t.Fatalf("request %d: a closed circuit must allow", i)
		}
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, s := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < threshold-1; i++ {
		b.RecordFailure(ctx)
		if !b.Allow(ctx) {
			t.Fatalf("failure %d: circuit must stay closed below the threshold", i+1)
		}
	}

	b.RecordFailure(ctx)
	if got := b.CurrentState(ctx); got != Open {
		t.Fatalf("expected Open after %d failures, got %s", threshold, got)
	}
	if b.Allow(ctx) {
		t.Fatalf("an open circuit must reject")
	}

	if ttl := s.TTL(stateKey); ttl <= 0 || ttl > cooldown {
		t.Fatalf("expected open state ttl within (0, %s], got %s", cooldown, ttl)
	}
}

func TestBreakerCooldownLapse(t *testing.T) {
	b, s := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < threshold; i++ {
		b.RecordFailure(ctx)
	}
	if b.Allow(ctx) {
		t.Fatalf("an open circuit must reject")
	}

	s.FastForward(cooldown + time.Second)
	if !b.Allow(ctx) {
		t.Fatalf("circuit must admit traffic after the cooldown lapses")
	}

	// The failure window outlives the cooldown, so a single further failure
	// re-opens immediately.
	b.RecordFailure(ctx)
	if got := b.CurrentState(ctx); got != Open {
		t.Fatalf("expected Open after a post-cooldown failure, got %s", got)
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b, s := newTestBreaker(t)
	ctx := context.Background()

	// An open record whose cooldown has lapsed flips to half-open and
	// admits exactly one probe.
	s.Set(stateKey, string(Open))

	if !b.Allow(ctx) {
		t.Fatalf("the first caller after the cooldown must win the probe slot")
	}
	if got := b.CurrentState(ctx); got != HalfOpen {
		t.Fatalf("expected HalfOpen, got %s", got)
	}
	for i := 0; i < 5; i++ {
		if b.Allow(ctx) {
			t.Fatalf("caller %d: only one probe may pass while half-open", i)
		}
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, s := newTestBreaker(t)
	ctx := context.Background()

	s.Set(stateKey, string(Open))
	if !b.Allow(ctx) {
		t.Fatalf("expected the probe to be admitted")
	}

	b.RecordSuccess(ctx)
	if got := b.CurrentState(ctx); got != Closed {
		t.Fatalf("expected Closed after a successful probe, got %s", got)
	}
	if s.Exists(failuresKey) || s.Exists(probeKey) {
		t.Fatalf("success must clear the failure counter and probe lock")
	}
	if !b.Allow(ctx) {
		t.Fatalf("a closed circuit must allow")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, s := newTestBreaker(t)
	ctx := context.Background()

	s.Set(stateKey, string(Open))
	if !b.Allow(ctx) {
		t.Fatalf("expected the probe to be admitted")
	}

	b.RecordFailure(ctx)
	if got := b.CurrentState(ctx); got != Open {
		t.Fatalf("expected Open after a failed probe, got %s", got)
	}
	if b.Allow(ctx) {
		t.Fatalf("a re-opened circuit must reject")
	}
	if ttl := s.TTL(stateKey); ttl <= 0 || ttl > cooldown {
		t.Fatalf("expected re-opened state ttl within (0, %s], got %s", cooldown, ttl)
	}
}

func TestBreakerFailureWindowExpires(t *testing.T) {
	b, s := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < threshold-1; i++ {
		b.RecordFailure(ctx)
	}
	s.FastForward(failuresTTL + time.Second)

	// The old failures aged out; one more does not trip the circuit.
	b.RecordFailure(ctx)
	if got := b.CurrentState(ctx); got != Closed {
		t.Fatalf("expected Closed after the failure window expired, got %s", got)
	}
}
