package main

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/hooktap/receiver/cache"
	"github.com/hooktap/receiver/log"
	"github.com/hooktap/receiver/upstream"
)

const (
	warmInterval = 5 * time.Second

	// Entries below these remaining TTLs get refreshed before they expire
	// so requests never block on a control-plane fetch.
	endpointRefreshThreshold = 10 * time.Second
	quotaRefreshThreshold    = 5 * time.Second
)

// warmerFetchLimiter throttles control-plane traffic generated by a single
// warming pass so a large keyspace cannot stampede the control plane.
var warmerFetchLimiter = rate.NewLimiter(rate.Limit(50), 10)

// CacheWarmer proactively refreshes near-expiry cache entries for active
// slugs. Fetch failures are logged and skipped; the warmer never stalls.
type CacheWarmer struct {
	cache    *cache.Cache
	upstream *upstream.Client
}

func NewCacheWarmer(c *cache.Cache, up *upstream.Client) *CacheWarmer {
	return &CacheWarmer{cache: c, upstream: up}
}

// Run loops until ctx is cancelled, waking immediately on shutdown.
func (w *CacheWarmer) Run(ctx context.Context) {
	log.Infof("cache warmer started")
	ticker := time.NewTicker(warmInterval)
	defer ticker.Stop()

	for {
		w.warmOnce(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			log.Infof("cache warmer shutting down")
			return
		}
	}
}

func (w *CacheWarmer) warmOnce(ctx context.Context) {
	slugs, err := w.cache.ActiveSlugs(ctx)
	if err != nil {
		log.Errorf("cache warmer failed to list active slugs: %s", err)
		return
	}

	for _, slug := range slugs {
		if ctx.Err() != nil {
			return
		}

		if ttl, ok := w.cache.EndpointTTL(ctx, slug); ok && ttl < endpointRefreshThreshold {
			if err := warmerFetchLimiter.Wait(ctx); err != nil {
				return
			}
			log.Debugf("refreshing endpoint cache for %q (ttl %s)", slug, ttl)
			if _, err := w.upstream.FetchEndpoint(ctx, slug); err != nil {
				log.Errorf("cache warmer endpoint fetch failed for %q: %s", slug, err)
			} else {
				warmerRefreshes.WithLabelValues("endpoint").Inc()
			}
		}

		if ttl, ok := w.cache.QuotaTTL(ctx, slug); ok && ttl < quotaRefreshThreshold {
			if err := warmerFetchLimiter.Wait(ctx); err != nil {
				return
			}
			log.Debugf("refreshing quota cache for %q (ttl %s)", slug, ttl)
			if err := w.upstream.FetchQuota(ctx, slug); err != nil {
				log.Errorf("cache warmer quota fetch failed for %q: %s", slug, err)
			} else {
				warmerRefreshes.WithLabelValues("quota").Inc()
			}
		}
	}
}
