// Package breaker implements the cluster-shared circuit breaker guarding
// the control plane. State lives in the shared Redis cache so one replica's
// observation of failure protects every replica; replacing this with
// in-process state would silently lose that coordination.
package breaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hooktap/receiver/log"
)

const (
	stateKey    = "cb:state"
	failuresKey = "cb:failures"
	probeKey    = "cb:probe"

	// threshold failures within the sliding window open the circuit.
	threshold = 5
	cooldown  = 30 * time.Second
	// failuresTTL is the sliding window over which failures accumulate.
	failuresTTL = 5 * time.Minute

	opTimeout = 2 * time.Second
)

// State is the circuit's current disposition. An absent record means Closed.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// allowScript decides admission atomically:
//   - closed (or absent) always allows
//   - open allows once the cooldown TTL has lapsed, flipping to half-open
//     and claiming the single probe slot
//   - half-open admits exactly one probe via SETNX on the probe lock
var allowScript = redis.NewScript(`
local state = redis.call('GET', KEYS[1])
if state == false or state == 'closed' then
    return 1
end

if state == 'open' then
    local ttl = redis.call('TTL', KEYS[1])
    if ttl <= 0 then
        redis.call('SET', KEYS[1], 'half-open')
        redis.call('SET', KEYS[2], '1', 'EX', 30, 'NX')
        return 1
    end
    return 0
end

if state == 'half-open' then
    local probe = redis.call('SET', KEYS[2], '1', 'EX', 30, 'NX')
    if probe then
        return 1
    end
    return 0
end

return 1
`)

// Breaker coordinates outbound-call admission through the shared cache.
type Breaker struct {
	client redis.UniversalClient
}

func New(client redis.UniversalClient) *Breaker {
	return &Breaker{client: client}
}

// Allow reports whether an outbound call may proceed. Cache errors fail
// open: an unreachable Redis must not take the control plane offline too.
func (b *Breaker) Allow(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := allowScript.Run(ctx, b.client, []string{stateKey, probeKey}).Int64()
	if err != nil {
		log.Errorf("circuit breaker admission failed, failing open: %s", err)
		return true
	}
	return n != 0
}

// RecordSuccess closes the circuit. Any reachable control-plane response
// counts, 4xx included: the peer is alive.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, stateKey, string(Closed), 0)
		p.Del(ctx, failuresKey)
		p.Del(ctx, probeKey)
		return nil
	})
	if err != nil {
		log.Errorf("failed to record circuit breaker success: %s", err)
	}
}

// RecordFailure increments the failure counter inside its sliding window
// and opens the circuit at the threshold. A failed half-open probe re-opens
// immediately regardless of the counter.
func (b *Breaker) RecordFailure(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	count, err := b.client.Incr(ctx, failuresKey).Result()
	if err != nil {
		log.Errorf("failed to record circuit breaker failure: %s", err)
		return
	}
	b.client.Expire(ctx, failuresKey, failuresTTL)
	b.client.Del(ctx, probeKey)

	if count >= threshold {
		if err := b.client.Set(ctx, stateKey, string(Open), cooldown).Err(); err != nil {
			log.Errorf("failed to open circuit breaker: %s", err)
			return
		}
		log.Errorf("circuit breaker opened after %d failures", count)
		return
	}

	state, err := b.client.Get(ctx, stateKey).Result()
	if err == nil && State(state) == HalfOpen {
		if err := b.client.Set(ctx, stateKey, string(Open), cooldown).Err(); err != nil {
			log.Errorf("failed to re-open circuit breaker: %s", err)
			return
		}
		log.Errorf("half-open probe failed, re-opening circuit")
	}
}

// CurrentState reads the circuit state; absence of the record means Closed.
func (b *Breaker) CurrentState(ctx context.Context) State {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	state, err := b.client.Get(ctx, stateKey).Result()
	if err != nil {
		return Closed
	}
	switch State(state) {
	case Open:
		return Open
	case HalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}
