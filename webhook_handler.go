package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/hooktap/receiver/cache"
	"github.com/hooktap/receiver/log"
	"github.com/hooktap/receiver/upstream"
)

const (
	// maxBodyBytes caps captured webhook bodies.
	maxBodyBytes = 100 * 1024

	maxMockHeaderKeyLen   = 256
	maxMockHeaderValueLen = 8192
)

// blockedMockHeaders must never be forwarded from user-configured mock
// responses.
var blockedMockHeaders = map[string]struct{}{
	"set-cookie":                {},
	"strict-transport-security": {},
	"content-security-policy":   {},
	"x-frame-options":           {},
}

// WebhookHandler is the admission pipeline for ANY /w/{slug}[/{tail}].
// It is stateless; all shared state lives in the cache.
type WebhookHandler struct {
	cache    *cache.Cache
	upstream *upstream.Client
}

func NewWebhookHandler(c *cache.Cache, up *upstream.Client) *WebhookHandler {
	return &WebhookHandler{cache: c, upstream: up}
}

func (h *WebhookHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	slug := vars["slug"]
	if !cache.ValidSlug(slug) {
		respondError(rw, http.StatusBadRequest, "invalid_slug")
		return
	}
	path := normalizePath(vars["tail"])

	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
	if err != nil {
		respondError(rw, http.StatusRequestEntityTooLarge, "body_too_large")
		return
	}

	info, err := h.cache.GetEndpoint(r.Context(), slug)
	if err != nil {
		// Cache miss (or cache trouble): accept optimistically, warm the
		// caches in the background and figure the rest out later.
		if !errors.Is(err, cache.ErrMissing) {
			log.Errorf("endpoint lookup failed for %q, failing open: %s", slug, err)
		}
		cacheMisses.Inc()
		h.warmEndpoint(slug)
		h.warmQuota(slug)
		h.bufferRequest(r.Context(), slug, r, path, body)
		respondText(rw, http.StatusOK, "OK")
		return
	}
	cacheHits.Inc()

	if info.Error == "not_found" {
		respondError(rw, http.StatusNotFound, "not_found")
		return
	}
	if info.Expired() {
		respondError(rw, http.StatusGone, "expired")
		return
	}

	switch h.cache.CheckQuota(r.Context(), slug, info.UserID) {
	case cache.QuotaAllowed:
	case cache.QuotaExceeded:
		quotaRejections.Inc()
		respondError(rw, http.StatusTooManyRequests, "quota_exceeded")
		return
	case cache.QuotaNotFound:
		h.warmQuota(slug)
	}

	h.bufferRequest(r.Context(), slug, r, path, body)

	if info.MockResponse != nil {
		h.writeMockResponse(rw, info.MockResponse)
		return
	}
	respondText(rw, http.StatusOK, "OK")
}

func (h *WebhookHandler) bufferRequest(ctx context.Context, slug string, r *http.Request, path string, body []byte) {
	req := &cache.BufferedRequest{
		Method:      r.Method,
		Path:        path,
		Headers:     captureHeaders(r),
		Body:        body,
		QueryParams: captureQueryParams(r),
		IP:          realIP(r),
		ReceivedAt:  time.Now().UnixMilli(),
	}
	if err := h.cache.PushRequest(ctx, slug, req); err != nil {
		log.Errorf("failed to buffer request for %q: %s", slug, err)
		return
	}
	bufferedRequests.Inc()
}

// warmEndpoint and warmQuota run detached so the request never awaits the
// control plane.
func (h *WebhookHandler) warmEndpoint(slug string) {
	go func() {
		if _, err := h.upstream.FetchEndpoint(context.Background(), slug); err != nil {
			if upstream.IsCircuitOpen(err) {
				breakerOpen.Inc()
			}
			log.Debugf("background endpoint fetch failed for %q: %s", slug, err)
		}
	}()
}

func (h *WebhookHandler) warmQuota(slug string) {
	go func() {
		if err := h.upstream.FetchQuota(context.Background(), slug); err != nil {
			if upstream.IsCircuitOpen(err) {
				breakerOpen.Inc()
			}
			log.Debugf("background quota fetch failed for %q: %s", slug, err)
		}
	}()
}

func (h *WebhookHandler) writeMockResponse(rw http.ResponseWriter, mock *cache.MockResponse) {
	for key, value := range mock.Headers {
		if len(key) > maxMockHeaderKeyLen || len(value) > maxMockHeaderValueLen {
			continue
		}
		if _, blocked := blockedMockHeaders[strings.ToLower(key)]; blocked {
			continue
		}
		// CRLF-injection guard.
		if strings.ContainsAny(key, "\r\n") || strings.ContainsAny(value, "\r\n") {
			continue
		}
		rw.Header().Set(key, value)
	}

	status := mock.Status
	if status < 100 || status > 599 {
		status = http.StatusOK
	}
	respondText(rw, status, mock.Body)
}

func respondText(rw http.ResponseWriter, status int, body string) {
	rw.WriteHeader(status)
	if _, err := rw.Write([]byte(body)); err != nil {
		log.Debugf("failed to write response: %s", err)
	}
	statusCodes.WithLabelValues(httpStatusLabel(status)).Inc()
}
