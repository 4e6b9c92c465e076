package main

import (
	"net/http"

	"github.com/hooktap/receiver/breaker"
)

// HealthHandler reports liveness plus the shared circuit state, so probes
// can tell a healthy replica from one that is cut off from the control
// plane.
type HealthHandler struct {
	breaker *breaker.Breaker
}

func NewHealthHandler(b *breaker.Breaker) *HealthHandler {
	return &HealthHandler{breaker: b}
}

func (h *HealthHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	respondJSON(rw, http.StatusOK, map[string]string{
		"status":  "ok",
		"circuit": string(h.breaker.CurrentState(r.Context())),
	})
}
