package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds plain HTTP requests with a context deadline.
// Cancellation is cooperative: handlers must check context.Done(). The
// /realtime socket is mounted outside this middleware because a voice
// conversation has no fixed duration.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
