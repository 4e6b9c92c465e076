package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hooktap/receiver/log"
)

// PushRequest appends one captured request to the per-slug buffer list for
// the flusher to drain. Appends across concurrent requests are unordered;
// consumers sort by receivedAt.
func (c *Cache) PushRequest(ctx context.Context, slug string, req *BufferedRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode buffered request for %q: %w", slug, err)
	}

	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()
	return c.client.RPush(ctx, bufferKeyPrefix+slug, b).Err()
}

// DrainBuffer atomically removes and returns up to max buffered requests
// for slug, oldest first. Corrupted records are dropped with a log line
// rather than wedging the drain.
func (c *Cache) DrainBuffer(ctx context.Context, slug string, max int) ([]BufferedRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	key := bufferKeyPrefix + slug
	var rangeCmd *redis.StringSliceCmd
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		rangeCmd = p.LRange(ctx, key, 0, int64(max)-1)
		p.LTrim(ctx, key, int64(max), -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain buffer for %q: %w", slug, err)
	}

	raw := rangeCmd.Val()
	reqs := make([]BufferedRequest, 0, len(raw))
	for _, item := range raw {
		var req BufferedRequest
		if err := json.Unmarshal([]byte(item), &req); err != nil {
			log.Errorf("dropping corrupted buffered request for %q: %s", slug, err)
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// RequeueBuffer puts a failed batch back at the head of the buffer so the
// next flush retries it, preserving relative order.
func (c *Cache) RequeueBuffer(ctx context.Context, slug string, reqs []BufferedRequest) error {
	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()

	key := bufferKeyPrefix + slug
	// LPUSH reverses, so push in reverse to restore the original order.
	for i := len(reqs) - 1; i >= 0; i-- {
		b, err := json.Marshal(&reqs[i])
		if err != nil {
			return fmt.Errorf("failed to encode requeued request for %q: %w", slug, err)
		}
		if err := c.client.LPush(ctx, key, b).Err(); err != nil {
			return err
		}
	}
	return nil
}

// BufferedSlugs enumerates slugs with pending buffered requests.
func (c *Cache) BufferedSlugs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()
	return c.scanKeys(ctx, bufferKeyPrefix)
}
