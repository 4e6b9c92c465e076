package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hooktap/receiver/breaker"
	"github.com/hooktap/receiver/cache"
	"github.com/hooktap/receiver/config"
	"github.com/hooktap/receiver/upstream"
)

type warmEnv struct {
	warmer          *CacheWarmer
	cache           *cache.Cache
	redis           *miniredis.Miniredis
	endpointFetches atomic.Int64
	quotaFetches    atomic.Int64
}

func newWarmEnv(t *testing.T) *warmEnv {
	t.Helper()
	env := &warmEnv{}

	s := miniredis.RunT(t)
	redisClient := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{s.Addr()},
	})
	t.Cleanup(func() { redisClient.Close() })

	mux := http.NewServeMux()
	mux.HandleFunc("/endpoint-info", func(rw http.ResponseWriter, _ *http.Request) {
		env.endpointFetches.Add(1)
		json.NewEncoder(rw).Encode(cache.EndpointInfo{EndpointID: "ep_1"})
	})
	mux.HandleFunc("/quota", func(rw http.ResponseWriter, _ *http.Request) {
		env.quotaFetches.Add(1)
		json.NewEncoder(rw).Encode(upstream.QuotaResponse{Remaining: 100, Limit: 100})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	env.redis = s
	env.cache = cache.New(redisClient, time.Minute, 30*time.Second)
	cfg := &config.Config{ControlPlaneURL: srv.URL, SharedSecret: "secret"}
	controlClient := upstream.NewClient(cfg, env.cache, breaker.New(redisClient))
	env.warmer = NewCacheWarmer(env.cache, controlClient)
	return env
}

func TestWarmerSkipsFreshEntries(t *testing.T) {
	env := newWarmEnv(t)
	ctx := context.Background()

	require.NoError(t, env.cache.SetEndpoint(ctx, "s1", &cache.EndpointInfo{EndpointID: "ep_1"}))
	require.NoError(t, env.cache.SetQuota(ctx, "s1", cache.Quota{Remaining: 100, Limit: 100}))

	env.warmer.warmOnce(ctx)

	require.Equal(t, int64(0), env.endpointFetches.Load(), "fresh entries must not be refetched")
	require.Equal(t, int64(0), env.quotaFetches.Load(), "fresh entries must not be refetched")
}

func TestWarmerRefreshesNearExpiryEndpoint(t *testing.T) {
	env := newWarmEnv(t)
	ctx := context.Background()

	require.NoError(t, env.cache.SetEndpoint(ctx, "s1", &cache.EndpointInfo{EndpointID: "ep_1"}))
	env.redis.FastForward(52 * time.Second) // 8s left, below the threshold

	env.warmer.warmOnce(ctx)

	require.Equal(t, int64(1), env.endpointFetches.Load())
	ttl, ok := env.cache.EndpointTTL(ctx, "s1")
	require.True(t, ok)
	require.Equal(t, time.Minute, ttl, "the refresh must reset the ttl")
}

func TestWarmerRefreshesNearExpiryQuota(t *testing.T) {
	env := newWarmEnv(t)
	ctx := context.Background()

	require.NoError(t, env.cache.SetEndpoint(ctx, "s1", &cache.EndpointInfo{EndpointID: "ep_1"}))
	require.NoError(t, env.cache.SetQuota(ctx, "s1", cache.Quota{Remaining: 100, Limit: 100}))
	env.redis.FastForward(26 * time.Second) // quota: 4s left; endpoint: 34s left

	env.warmer.warmOnce(ctx)

	require.Equal(t, int64(0), env.endpointFetches.Load())
	require.Equal(t, int64(1), env.quotaFetches.Load())
	ttl, ok := env.cache.QuotaTTL(ctx, "s1")
	require.True(t, ok)
	require.Equal(t, 30*time.Second, ttl, "the refresh must reset the ttl")
}

func TestWarmerRunStopsOnCancel(t *testing.T) {
	env := newWarmEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.warmer.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("warmer did not stop")
	}
}
