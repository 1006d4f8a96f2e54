// Package middleware carries the HTTP cross-cutting concerns: worker
// token auth, CORS, and request rate limiting.
package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// WorkerIDKey carries the authenticated worker id in the request
// context.
const WorkerIDKey contextKey = "worker_id"

// TokenResolver maps a bearer token to a worker id. An empty id means
// the token is unknown or expired.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (string, error)
}

// WorkerAuth enforces "Authorization: Bearer <token>" and resolves the
// token against the worker registry.
func WorkerAuth(resolver TokenResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		workerID, err := resolver.ResolveToken(r.Context(), parts[1])
		if err != nil {
			http.Error(w, "Token lookup failed", http.StatusInternalServerError)
			return
		}
		if workerID == "" {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), WorkerIDKey, workerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WorkerIDFromContext returns the authenticated worker id, or "".
func WorkerIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(WorkerIDKey).(string)
	return id
}
