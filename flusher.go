package main

import (
	"context"
	"sync"
	"time"

	"github.com/hooktap/receiver/cache"
	"github.com/hooktap/receiver/log"
	"github.com/hooktap/receiver/upstream"
)

const finalDrainTimeout = 10 * time.Second

// Flusher drains the per-slug request buffers into the control plane via
// capture-batch. Delivery is at-least-once: a failed batch is requeued and
// retried on a later tick.
type Flusher struct {
	cache    *cache.Cache
	upstream *upstream.Client
	workers  int
	batchMax int
	interval time.Duration
}

func NewFlusher(c *cache.Cache, up *upstream.Client, workers, batchMax int, interval time.Duration) *Flusher {
	return &Flusher{
		cache:    c,
		upstream: up,
		workers:  workers,
		batchMax: batchMax,
		interval: interval,
	}
}

type flushJob struct {
	ctx  context.Context
	slug string
}

// Run drives the worker pool until ctx is cancelled, then performs one
// final drain so a clean shutdown loses nothing that could still be sent.
func (f *Flusher) Run(ctx context.Context) {
	log.Infof("flusher started with %d workers", f.workers)

	work := make(chan flushJob)
	var wg sync.WaitGroup
	for i := 0; i < f.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range work {
				f.flushSlug(job.ctx, job.slug)
			}
		}()
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			f.dispatch(ctx, work)
		case <-ctx.Done():
			break loop
		}
	}

	// Final drain with a fresh bounded context; ctx is already cancelled.
	drainCtx, cancel := context.WithTimeout(context.Background(), finalDrainTimeout)
	defer cancel()
	f.dispatch(drainCtx, work)
	close(work)
	wg.Wait()
	log.Infof("flusher shut down")
}

func (f *Flusher) dispatch(ctx context.Context, work chan<- flushJob) {
	slugs, err := f.cache.BufferedSlugs(ctx)
	if err != nil {
		log.Errorf("flusher failed to list buffered slugs: %s", err)
		return
	}
	for _, slug := range slugs {
		select {
		case work <- flushJob{ctx: ctx, slug: slug}:
		case <-ctx.Done():
			return
		}
	}
}

func (f *Flusher) flushSlug(ctx context.Context, slug string) {
	reqs, err := f.cache.DrainBuffer(ctx, slug, f.batchMax)
	if err != nil {
		log.Errorf("failed to drain buffer for %q: %s", slug, err)
		return
	}
	if len(reqs) == 0 {
		return
	}

	resp, err := f.upstream.CaptureBatch(ctx, slug, reqs)
	if err == nil && resp.Error != "" {
		err = &captureError{msg: resp.Error}
	}
	if err != nil {
		log.Errorf("capture-batch failed for %q (%d requests), requeueing: %s", slug, len(reqs), err)
		if rqErr := f.cache.RequeueBuffer(ctx, slug, reqs); rqErr != nil {
			log.Errorf("failed to requeue %d requests for %q: %s", len(reqs), slug, rqErr)
			return
		}
		requeuedRequests.Add(float64(len(reqs)))
		return
	}

	flushedRequests.Add(float64(len(reqs)))
	log.Debugf("flushed %d requests for %q", len(reqs), slug)
}

type captureError struct {
	msg string
}

func (e *captureError) Error() string {
	return "capture-batch rejected: " + e.msg
}
