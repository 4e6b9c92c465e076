// Package cache is the receiver's adapter over the shared Redis cache. All
// cross-replica state lives here: endpoint metadata, quota counters, circuit
// breaker records and the per-slug request buffers. Every entry is owned by
// Redis; the receiver itself keeps no mutable state between requests.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	endpointKeyPrefix  = "endpoint:"
	quotaKeyPrefix     = "quota:"
	quotaUserKeyPrefix = "quota:user:"
	bufferKeyPrefix    = "buffer:"
)

const (
	getTimeout    = 2 * time.Second
	putTimeout    = 2 * time.Second
	removeTimeout = 1 * time.Second
	scanTimeout   = 5 * time.Second

	// scanPageSize bounds the per-call cost of keyspace enumeration so the
	// warmer never issues a blocking full scan.
	scanPageSize = 100
)

// ErrMissing reports a cache miss.
var ErrMissing = errors.New("missing cache entry")

// ValidSlug reports whether s matches the slug character class
// [A-Za-z0-9_-]{1,64}. The slug is the unit of addressing for both
// incoming requests and cache entries, so validation lives here.
func ValidSlug(s string) bool {
	if len(s) == 0 || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case b >= 'a' && b <= 'z':
		case b >= 'A' && b <= 'Z':
		case b >= '0' && b <= '9':
		case b == '-' || b == '_':
		default:
			return false
		}
	}
	return true
}

// MockResponse is the user-configured response served for captured requests.
type MockResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// EndpointInfo is the cached control-plane metadata for one slug.
type EndpointInfo struct {
	EndpointID   string        `json:"endpointId"`
	UserID       string        `json:"userId,omitempty"`
	IsEphemeral  bool          `json:"isEphemeral,omitempty"`
	ExpiresAt    int64         `json:"expiresAt,omitempty"`
	MockResponse *MockResponse `json:"mockResponse,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Expired reports whether the endpoint's expiry is set and in the past.
func (e *EndpointInfo) Expired() bool {
	return e.ExpiresAt != 0 && e.ExpiresAt < time.Now().UnixMilli()
}

// BufferedRequest is one captured request awaiting the flusher. Body is kept
// as raw bytes so non-UTF-8 payloads survive the round trip through Redis
// byte-exact.
type BufferedRequest struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	Body        []byte            `json:"body,omitempty"`
	QueryParams map[string]string `json:"queryParams"`
	IP          string            `json:"ip"`
	ReceivedAt  int64             `json:"receivedAt"`
}

// Cache wraps the shared Redis instance with the typed operations the
// receiver needs. The client multiplexes onto pooled connections and is safe
// for concurrent use.
type Cache struct {
	client      redis.UniversalClient
	endpointTTL time.Duration
	quotaTTL    time.Duration
}

func New(client redis.UniversalClient, endpointTTL, quotaTTL time.Duration) *Cache {
	return &Cache{
		client:      client,
		endpointTTL: endpointTTL,
		quotaTTL:    quotaTTL,
	}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// GetEndpoint reads the cached metadata for slug. Returns ErrMissing on a
// cache miss.
func (c *Cache) GetEndpoint(ctx context.Context, slug string) (*EndpointInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, endpointKeyPrefix+slug).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoint %q: %w", slug, err)
	}

	var info EndpointInfo
	if err := json.Unmarshal([]byte(val), &info); err != nil {
		return nil, fmt.Errorf("corrupted endpoint entry for %q: %w", slug, err)
	}
	return &info, nil
}

// SetEndpoint writes the metadata for slug with the configured TTL.
func (c *Cache) SetEndpoint(ctx context.Context, slug string, info *EndpointInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode endpoint %q: %w", slug, err)
	}

	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()
	return c.client.Set(ctx, endpointKeyPrefix+slug, b, c.endpointTTL).Err()
}

// EvictEndpoint removes the cached metadata for slug.
func (c *Cache) EvictEndpoint(ctx context.Context, slug string) error {
	ctx, cancel := context.WithTimeout(ctx, removeTimeout)
	defer cancel()
	return c.client.Del(ctx, endpointKeyPrefix+slug).Err()
}

// EndpointTTL returns the remaining lifetime of the cached entry for slug.
// The second return value is false when no entry exists.
func (c *Cache) EndpointTTL(ctx context.Context, slug string) (time.Duration, bool) {
	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	ttl, err := c.client.TTL(ctx, endpointKeyPrefix+slug).Result()
	if err != nil || ttl < 0 {
		return 0, false
	}
	return ttl, true
}

// ActiveSlugs enumerates the slugs with a live endpoint entry using paged
// SCAN calls.
func (c *Cache) ActiveSlugs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()
	return c.scanKeys(ctx, endpointKeyPrefix)
}

func (c *Cache) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var (
		slugs  []string
		cursor uint64
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, prefix+"*", scanPageSize).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %q keys: %w", prefix, err)
		}
		for _, k := range keys {
			slugs = append(slugs, strings.TrimPrefix(k, prefix))
		}
		cursor = next
		if cursor == 0 {
			return slugs, nil
		}
	}
}
