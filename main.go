package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hooktap/receiver/breaker"
	"github.com/hooktap/receiver/cache"
	"github.com/hooktap/receiver/clients"
	"github.com/hooktap/receiver/config"
	"github.com/hooktap/receiver/log"
	"github.com/hooktap/receiver/olap"
	"github.com/hooktap/receiver/upstream"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("error while loading config: %s", err)
	}
	log.SetDebug(cfg.LogDebug)

	sentryEnabled := false
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			log.Errorf("failed to initialize sentry: %s", err)
		} else {
			sentryEnabled = true
			defer sentry.Flush(2 * time.Second)
		}
	}

	redisClient, err := clients.NewRedisClient(cfg)
	if err != nil {
		log.Fatalf("cannot connect to redis at %q: %s", cfg.RedisAddr(), err)
	}

	sharedCache := cache.New(redisClient, cfg.EndpointCacheTTL, cfg.QuotaCacheTTL)
	circuitBreaker := breaker.New(redisClient)
	controlPlane := upstream.NewClient(cfg, sharedCache, circuitBreaker)
	olapClient := olap.NewClient(cfg)
	if olapClient == nil {
		log.Infof("clickhouse not configured, search disabled")
	}

	webhooks := NewWebhookHandler(sharedCache, controlPlane)
	admin := NewAdminHandler(sharedCache, olapClient, cfg.SharedSecret)

	router := mux.NewRouter()
	router.Handle("/w/{slug}", webhooks)
	router.Handle("/w/{slug}/{tail:.*}", webhooks)
	router.HandleFunc("/cache/invalidate/{slug}", admin.Invalidate).Methods(http.MethodPost)
	router.HandleFunc("/search", admin.Search).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler())
	router.Handle("/health", NewHealthHandler(controlPlane.Breaker()))

	var handler http.Handler = router
	if sentryEnabled {
		// Repanic so handler panics still reach the server's recovery and
		// its 500 after being reported.
		handler = sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(router)
	}

	ctx, stop := context.WithCancel(context.Background())
	var background sync.WaitGroup

	warmer := NewCacheWarmer(sharedCache, controlPlane)
	background.Add(1)
	go func() {
		defer background.Done()
		warmer.Run(ctx)
	}()

	flusher := NewFlusher(sharedCache, controlPlane,
		cfg.FlushWorkers, cfg.BatchMaxSize, cfg.FlushInterval)
	background.Add(1)
	go func() {
		defer background.Done()
		flusher.Run(ctx)
	}()

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		log.Infof("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("error during server shutdown: %s", err)
		}

		// Stop the warmer and let the flusher run its final drain.
		stop()
	}()

	log.Infof("webhook receiver listening on %q", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %s", err)
	}

	background.Wait()
	if err := sharedCache.Close(); err != nil {
		log.Errorf("error closing redis client: %s", err)
	}
	log.Infof("shutdown complete")
}
