package main

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/blake2b"

	"github.com/hooktap/receiver/cache"
	"github.com/hooktap/receiver/log"
	"github.com/hooktap/receiver/olap"
)

// AdminHandler serves the trusted out-of-band endpoints: cache invalidation
// and search. Both authenticate with the shared secret.
type AdminHandler struct {
	cache  *cache.Cache
	olap   *olap.Client
	secret string
}

func NewAdminHandler(c *cache.Cache, o *olap.Client, secret string) *AdminHandler {
	return &AdminHandler{cache: c, olap: o, secret: secret}
}

// authorized compares the Authorization header against the shared secret.
// Both sides are folded to a fixed-width digest first so the comparison
// leaks nothing about the secret's length.
func (h *AdminHandler) authorized(r *http.Request) bool {
	got := blake2b.Sum256([]byte(r.Header.Get("Authorization")))
	want := blake2b.Sum256([]byte("Bearer " + h.secret))
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

// Invalidate handles POST /cache/invalidate/{slug}.
func (h *AdminHandler) Invalidate(rw http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		respondError(rw, http.StatusUnauthorized, "unauthorized")
		return
	}

	slug := mux.Vars(r)["slug"]
	if !cache.ValidSlug(slug) {
		respondError(rw, http.StatusBadRequest, "invalid_slug")
		return
	}

	if err := h.cache.EvictEndpoint(r.Context(), slug); err != nil {
		log.Errorf("failed to invalidate endpoint %q: %s", slug, err)
		sentry.CaptureException(err)
		respondError(rw, http.StatusInternalServerError, "invalidate_failed")
		return
	}
	log.Debugf("cache invalidated for %q", slug)
	respondJSON(rw, http.StatusOK, map[string]bool{"ok": true})
}

// Search handles GET /search: a trusted read-only pass-through to the OLAP
// store. Unlike the admission path, errors here surface to the caller.
func (h *AdminHandler) Search(rw http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		respondError(rw, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.olap == nil {
		respondError(rw, http.StatusServiceUnavailable, "search_not_available")
		return
	}

	params := r.URL.Query()
	query := olap.SearchQuery{
		UserID: params.Get("user_id"),
		Plan:   params.Get("plan"),
		Slug:   params.Get("slug"),
		Method: params.Get("method"),
		Q:      params.Get("q"),
		Order:  params.Get("order"),
	}
	var err error
	if query.From, err = optionalInt64(params.Get("from")); err != nil {
		respondError(rw, http.StatusBadRequest, "invalid_from")
		return
	}
	if query.To, err = optionalInt64(params.Get("to")); err != nil {
		respondError(rw, http.StatusBadRequest, "invalid_to")
		return
	}
	if query.Limit, err = optionalInt(params.Get("limit")); err != nil {
		respondError(rw, http.StatusBadRequest, "invalid_limit")
		return
	}
	if query.Offset, err = optionalInt(params.Get("offset")); err != nil {
		respondError(rw, http.StatusBadRequest, "invalid_offset")
		return
	}

	sql, err := query.SQL(h.olap.Database())
	if err != nil {
		respondError(rw, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.olap.QueryRequests(r.Context(), sql)
	if err != nil {
		log.Errorf("search query failed: %s", err)
		sentry.CaptureException(err)
		respondError(rw, http.StatusInternalServerError, "search_failed")
		return
	}

	results := make([]olap.SearchResult, 0, len(rows))
	for i := range rows {
		results = append(results, olap.ResultFromRow(&rows[i]))
	}
	respondJSON(rw, http.StatusOK, results)
}

func optionalInt64(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
