package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hooktap/receiver/breaker"
)

func newTestHealth(t *testing.T) (*HealthHandler, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{s.Addr()},
	})
	t.Cleanup(func() { client.Close() })
	return NewHealthHandler(breaker.New(client)), s
}

func healthBody(t *testing.T, h *HealthHandler) map[string]string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	h, _ := newTestHealth(t)

	body := healthBody(t, h)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, string(breaker.Closed), body["circuit"])
}

func TestHealthReportsOpenCircuit(t *testing.T) {
	h, s := newTestHealth(t)
	require.NoError(t, s.Set("cb:state", string(breaker.Open)))

	body := healthBody(t, h)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, string(breaker.Open), body["circuit"])
}
