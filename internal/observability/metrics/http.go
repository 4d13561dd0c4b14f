// Package metrics provides Prometheus instrumentation for veriforge.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Middleware returns HTTP middleware for request metrics.
func Middleware(next http.Handler) http.Handler {
	if !enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			duration := time.Since(start).Seconds()

			// Normalize path to avoid high cardinality from addresses
			path := normalizePath(r.URL.Path)

			httpRequestsTotal.WithLabelValues(
				r.Method,
				path,
				strconv.Itoa(rw.status),
			).Inc()

			httpDuration.WithLabelValues(
				r.Method,
				path,
			).Observe(duration)
		}()

		next.ServeHTTP(rw, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader captures status code.
func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// normalizePath converts dynamic path segments to placeholders to avoid
// high cardinality metrics. For example:
//
//	/api/v1/contract/vsc1qxy... -> /api/v1/contract/{address}
//	/api/v1/verify/vsc1qxy...   -> /api/v1/verify/{address}
func normalizePath(path string) string {
	// Health and metrics endpoints - keep as-is
	if path == "/health" || path == "/healthz" || path == "/readyz" || path == "/metrics" {
		return path
	}

	if strings.HasPrefix(path, "/api/v1/") {
		parts := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
		if len(parts) == 0 {
			return path
		}
		resource := parts[0]
		switch resource {
		case "verify", "contract":
			if len(parts) >= 2 && parts[1] != "" {
				return "/api/v1/" + resource + "/{address}"
			}
		}
	}
	return path
}
