package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/hooktap/receiver/log"
)

func respondJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		log.Debugf("failed to write response: %s", err)
	}
	statusCodes.WithLabelValues(httpStatusLabel(status)).Inc()
}

func httpStatusLabel(status int) string {
	return strconv.Itoa(status)
}

func respondError(rw http.ResponseWriter, status int, code string) {
	respondJSON(rw, status, map[string]string{"error": code})
}

// realIP derives the client address from proxy headers: X-Real-IP wins,
// then the first element of X-Forwarded-For.
func realIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	return ""
}

// normalizePath maps the captured tail to a path with a leading slash.
func normalizePath(tail string) string {
	if tail == "" {
		return "/"
	}
	if !strings.HasPrefix(tail, "/") {
		return "/" + tail
	}
	return tail
}

func captureHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
	}
	return headers
}

func captureQueryParams(r *http.Request) map[string]string {
	values := r.URL.Query()
	params := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params
}
