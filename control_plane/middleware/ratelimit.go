package middleware

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/blas1n/BSNexus/control_plane/observability"
)

// RateLimit bounds request throughput on one endpoint with a token
// bucket. Registration storms from a restarting fleet are the main
// target.
func RateLimit(name string, rps float64, burst int, next http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			observability.APIRateLimited.WithLabelValues(name).Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
