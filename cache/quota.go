package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hooktap/receiver/log"
)

// QuotaResult is the outcome of an atomic quota check.
type QuotaResult int

const (
	// QuotaAllowed means the request may proceed; the counter was
	// decremented unless the quota is unlimited.
	QuotaAllowed QuotaResult = iota
	// QuotaExceeded means the budget is spent.
	QuotaExceeded
	// QuotaNotFound means no cached quota exists; callers warm the cache
	// in the background and fail open.
	QuotaNotFound
)

// Quota is the cached request budget for a user or an ephemeral slug.
type Quota struct {
	Remaining   int64
	Limit       int64
	PeriodEnd   int64
	IsUnlimited bool
	UserID      string
}

// checkQuotaScript runs the check-and-decrement as a single server-side
// unit. This is the only place a quota counter may be decremented.
// Returns: 1 = allowed, 0 = denied, -1 = not found.
var checkQuotaScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1])
if exists == 0 then return -1 end

local isUnlimited = redis.call('HGET', KEYS[1], 'isUnlimited')
if isUnlimited == '1' then return 1 end

local remaining = tonumber(redis.call('HGET', KEYS[1], 'remaining'))
if remaining == nil then return -1 end
if remaining <= 0 then return 0 end

redis.call('HINCRBY', KEYS[1], 'remaining', -1)
return 1
`)

// CheckQuota atomically checks and decrements the quota for slug. When
// userID is non-empty the per-user key is used so every endpoint of that
// user draws from one shared pool; ephemeral endpoints fall back to the
// per-slug key. Redis errors fail open by reporting QuotaNotFound.
func (c *Cache) CheckQuota(ctx context.Context, slug, userID string) QuotaResult {
	key := quotaKeyPrefix + slug
	if userID != "" {
		key = quotaUserKeyPrefix + userID
	}

	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	n, err := checkQuotaScript.Run(ctx, c.client, []string{key}).Int64()
	if err != nil {
		log.Errorf("quota check failed for %q, failing open: %s", slug, err)
		return QuotaNotFound
	}
	switch n {
	case 1:
		return QuotaAllowed
	case 0:
		return QuotaExceeded
	default:
		return QuotaNotFound
	}
}

// SetQuota writes a quota record with the configured TTL.
//
// User-keyed records are only created, never overwritten: a concurrent
// request may already have decremented the existing counter and a blind
// rewrite would resurrect spent budget. The slug→user pointer entry is
// always refreshed so the warmer can resolve slugs to users.
func (c *Cache) SetQuota(ctx context.Context, slug string, q Quota) error {
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()

	unlimited := "0"
	if q.IsUnlimited {
		unlimited = "1"
	}
	slugKey := quotaKeyPrefix + slug

	if q.UserID == "" {
		// Ephemeral endpoint: the slug key carries the counter itself.
		_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, slugKey,
				"remaining", q.Remaining,
				"limit", q.Limit,
				"periodEnd", q.PeriodEnd,
				"isUnlimited", unlimited,
				"userId", "")
			p.Expire(ctx, slugKey, c.quotaTTL)
			return nil
		})
		return err
	}

	userKey := quotaUserKeyPrefix + q.UserID
	exists, err := c.client.Exists(ctx, userKey).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		_, err = c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, userKey,
				"remaining", q.Remaining,
				"limit", q.Limit,
				"periodEnd", q.PeriodEnd,
				"isUnlimited", unlimited,
				"userId", q.UserID)
			p.Expire(ctx, userKey, c.quotaTTL)
			return nil
		})
		if err != nil {
			return err
		}
	}

	_, err = c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, slugKey, "userId", q.UserID)
		p.Expire(ctx, slugKey, c.quotaTTL)
		return nil
	})
	return err
}

// QuotaTTL returns the remaining lifetime of the quota entry governing
// slug, following the slug→user pointer when one exists.
func (c *Cache) QuotaTTL(ctx context.Context, slug string) (time.Duration, bool) {
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	key := quotaKeyPrefix + slug
	userID, err := c.client.HGet(ctx, key, "userId").Result()
	if err == nil && userID != "" {
		key = quotaUserKeyPrefix + userID
	}

	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		return 0, false
	}
	return ttl, true
}
